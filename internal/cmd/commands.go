package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scriptguard/internal/activation"
	"scriptguard/internal/cdp"
	"scriptguard/internal/defuser"
	"scriptguard/internal/ruleset"
	"scriptguard/internal/storage"
	"scriptguard/pkg/api"
	"scriptguard/pkg/model"
)

var errMissingFlag = errors.New("缺少必填参数")

// loadTable 读取规则表：.json 为编译后的规则表，其余按过滤规则文本编译
func loadTable(path string) (*model.RuleTable, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: -rules", errMissingFlag)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ruleset.Load(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ruleset.Compile(f, defuser.Name, defuser.Alias)
}

func readFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func printRule(w io.Writer, t *model.RuleTable, id model.RuleID) {
	var args []string
	if int(id) < len(t.ArgsList) {
		args = t.ArgsList[id]
	}
	fmt.Fprintf(w, "%d\t%s(%s)\n", id, t.Scriptlet, strings.Join(args, ", "))
}

func newResolveCommand() command {
	return command{
		name:        "resolve",
		description: "列出指定地址上生效的规则",
		configure: func(fs *flag.FlagSet) {
			fs.String("rules", "", "规则表 (.json) 或过滤规则文本")
			fs.String("url", "", "页面地址")
			fs.Var(&stringList{}, "ancestor", "祖先帧来源，由近及远，可重复")
		},
		run: runResolve,
	}
}

func runResolve(fs *flag.FlagSet, args []string, ctx *AppContext, stdout, stderr io.Writer) error {
	t, err := loadTable(fs.Lookup("rules").Value.String())
	if err != nil {
		return err
	}
	u := fs.Lookup("url").Value.String()
	if u == "" {
		return fmt.Errorf("%w: -url", errMissingFlag)
	}
	ancestors := *fs.Lookup("ancestor").Value.(*stringList)
	origins := activation.OriginsFromLocation(u, ancestors)
	ids := activation.NewResolver(t).Resolve(origins)
	ctx.Logger.Debug("解析生效规则", "url", u, "count", len(ids))
	for _, id := range ids {
		printRule(stdout, t, id)
	}
	return nil
}

func newCompileCommand() command {
	return command{
		name:        "compile",
		description: "将过滤规则文本编译为规则表",
		skipInit:    true,
		configure: func(fs *flag.FlagSet) {
			fs.String("in", "", "过滤规则文本")
			fs.String("out", "", "输出文件，缺省写到标准输出")
		},
		run: func(fs *flag.FlagSet, args []string, ctx *AppContext, stdout, stderr io.Writer) error {
			in := fs.Lookup("in").Value.String()
			if in == "" {
				return fmt.Errorf("%w: -in", errMissingFlag)
			}
			t, err := loadTable(in)
			if err != nil {
				return err
			}
			data, err := ruleset.Marshal(t)
			if err != nil {
				return err
			}
			if out := fs.Lookup("out").Value.String(); out != "" {
				return os.WriteFile(out, data, 0o644)
			}
			_, err = fmt.Fprintln(stdout, string(data))
			return err
		},
	}
}

func newRunCommand() command {
	return command{
		name:        "run",
		description: "在模拟页面中应用规则并执行脚本",
		configure: func(fs *flag.FlagSet) {
			fs.String("rules", "", "规则表 (.json) 或过滤规则文本")
			fs.String("url", "", "页面地址")
			fs.String("html", "", "页面 HTML 文件")
			fs.String("script", "", "页面脚本文件")
			fs.Var(&stringList{}, "ancestor", "祖先帧来源，由近及远，可重复")
			fs.Var(&stringList{}, "dispatch", "脚本执行后派发的事件，格式 target:type，可重复")
		},
		run: runPage,
	}
}

func runPage(fs *flag.FlagSet, args []string, ctx *AppContext, stdout, stderr io.Writer) error {
	t, err := loadTable(fs.Lookup("rules").Value.String())
	if err != nil {
		return err
	}
	u := fs.Lookup("url").Value.String()
	if u == "" {
		return fmt.Errorf("%w: -url", errMissingFlag)
	}
	doc, err := readFile(fs.Lookup("html").Value.String())
	if err != nil {
		return err
	}
	src, err := readFile(fs.Lookup("script").Value.String())
	if err != nil {
		return err
	}

	svc, err := api.NewService(ctx.Config, ctx.Logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	id, err := svc.OpenPage(model.PageConfig{
		URL:        u,
		Ancestors:  *fs.Lookup("ancestor").Value.(*stringList),
		HTML:       doc,
		ReadyState: model.ReadyStateLoading,
	})
	if err != nil {
		return err
	}
	applied, err := svc.LoadRules(context.Background(), id, t)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "applied\t%v\n", applied)

	if src != "" {
		if _, err := svc.Run(id, src); err != nil {
			fmt.Fprintf(stderr, "脚本异常: %v\n", err)
		}
	}
	for _, state := range []model.ReadyState{model.ReadyStateInteractive, model.ReadyStateComplete} {
		if err := svc.SetReadyState(id, state); err != nil {
			fmt.Fprintf(stderr, "就绪事件异常: %v\n", err)
		}
	}
	for _, d := range *fs.Lookup("dispatch").Value.(*stringList) {
		target, typ, ok := strings.Cut(d, ":")
		if !ok {
			return fmt.Errorf("无效的派发参数 %q", d)
		}
		if err := svc.Dispatch(id, target, typ); err != nil {
			fmt.Fprintf(stderr, "派发 %s 异常: %v\n", d, err)
		}
	}
	if _, err := svc.FlushIdle(id); err != nil {
		return err
	}

	events, err := svc.SubscribeEvents(id)
	if err != nil {
		return err
	}
drain:
	for {
		select {
		case evt := <-events:
			fmt.Fprintf(stdout, "%s\trule=%d\t%s\t%s\t%s\n", evt.Type, evt.Rule, evt.EventType, evt.Handler, evt.Target)
		default:
			break drain
		}
	}

	if ctx.Config.Diagnostics.Enabled {
		// 诊断日志经广播频道异步送达
		time.Sleep(50 * time.Millisecond)
	}
	logs, err := svc.Logs(id)
	if err != nil {
		return err
	}
	for _, e := range logs {
		fmt.Fprintf(stdout, "log\t%s\t%s\n", e.Type, e.Text)
	}

	st, err := svc.Stats(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "stats\ttotal=%d\tsuppressed=%d\n", st.Total, st.Suppressed)
	return nil
}

func newProbeCommand() command {
	return command{
		name:        "probe",
		description: "连接浏览器，按帧列出生效规则",
		configure: func(fs *flag.FlagSet) {
			fs.String("rules", "", "规则表 (.json) 或过滤规则文本")
			fs.String("target", "", "目标 ID，缺省取第一个页面")
			fs.String("devtools", "", "覆盖配置中的 DevTools 地址")
			fs.Bool("list", false, "只列出可用目标")
			fs.Duration("watch", 0, "快照后继续观察主帧就绪状态的时长")
		},
		run: runProbe,
	}
}

func runProbe(fs *flag.FlagSet, args []string, ctx *AppContext, stdout, stderr io.Writer) error {
	u := fs.Lookup("devtools").Value.String()
	if u == "" {
		u = ctx.Config.DevTools.URL
	}
	timeout := time.Duration(ctx.Config.DevTools.TimeoutMS) * time.Millisecond
	m := cdp.New(u, timeout, ctx.Logger)

	c, cancel := context.WithTimeout(context.Background(), 4*m.Timeout())
	defer cancel()

	if fs.Lookup("list").Value.String() == "true" {
		targets, err := m.ListTargets(c)
		if err != nil {
			return err
		}
		for _, t := range targets {
			fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\n", t.ID, t.Type, t.URL, t.Title)
		}
		return nil
	}

	t, err := loadTable(fs.Lookup("rules").Value.String())
	if err != nil {
		return err
	}
	if err := m.Attach(c, model.TargetID(fs.Lookup("target").Value.String())); err != nil {
		return err
	}
	defer m.Detach()

	snap, err := m.Snapshot(c)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "target\t%s\treadyState=%s\n", snap.Target, snap.ReadyState)
	r := activation.NewResolver(t)
	for _, f := range snap.Frames {
		ids := r.Resolve(activation.OriginsFromLocation(f.Origin, f.Ancestors))
		fmt.Fprintf(stdout, "frame\t%s\t%s\t%d\n", f.ID, f.URL, len(ids))
		for _, id := range ids {
			fmt.Fprint(stdout, "  ")
			printRule(stdout, t, id)
		}
	}

	watch := fs.Lookup("watch").Value.(flag.Getter).Get().(time.Duration)
	if watch <= 0 {
		return nil
	}
	wctx, wcancel := context.WithTimeout(context.Background(), watch)
	defer wcancel()
	return m.WatchReadiness(wctx, func(state model.ReadyState) {
		fmt.Fprintf(stdout, "readyState\t%s\n", state)
	})
}

func newLogsCommand() command {
	return command{
		name:        "logs",
		description: "打印已记录的诊断日志",
		configure: func(fs *flag.FlagSet) {
			fs.String("session", "", "页面会话 ID，缺省列出全部")
			fs.Int("limit", 100, "最多条数")
		},
		run: func(fs *flag.FlagSet, args []string, ctx *AppContext, stdout, stderr io.Writer) error {
			st, err := storage.Open(storage.Options{
				Dsn:    ctx.Config.Sqlite.Dsn,
				Prefix: ctx.Config.Sqlite.Prefix,
				Logger: ctx.Logger,
			})
			if err != nil {
				return err
			}
			defer st.Close()
			limit := fs.Lookup("limit").Value.(flag.Getter).Get().(int)
			entries, err := st.List(context.Background(), fs.Lookup("session").Value.String(), limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\n", e.Time.Format(time.DateTime), e.Session, e.Type, e.Text)
			}
			return nil
		},
	}
}
