// Package cmd 命令行入口：子命令分发、配置加载与日志初始化。
package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"

	"scriptguard/internal/buildinfo"
	"scriptguard/internal/config"
	"scriptguard/internal/logger"
)

type command struct {
	name        string
	description string
	configure   func(fs *flag.FlagSet)
	run         func(fs *flag.FlagSet, args []string, ctx *AppContext, stdout, stderr io.Writer) error
	skipInit    bool
}

// AppContext 子命令共享的配置与日志
type AppContext struct {
	Config *config.Config
	Logger logger.Logger
}

// RootCommand 子命令分发器
type RootCommand struct {
	commands   map[string]command
	stdout     io.Writer
	stderr     io.Writer
	appCtx     *AppContext
	configPath string
	logLevel   string
}

// NewRootCommand 创建分发器并注册全部子命令
func NewRootCommand() *RootCommand {
	rc := &RootCommand{
		commands: make(map[string]command),
		stdout:   os.Stdout,
		stderr:   os.Stderr,
	}
	rc.register(newResolveCommand())
	rc.register(newCompileCommand())
	rc.register(newRunCommand())
	rc.register(newProbeCommand())
	rc.register(newLogsCommand())
	rc.register(newVersionCommand())
	return rc
}

func (rc *RootCommand) register(cmd command) {
	rc.commands[cmd.name] = cmd
}

// Execute 解析全局参数并分发到子命令
func (rc *RootCommand) Execute(args []string) error {
	rootFlags := flag.NewFlagSet("scriptguard", flag.ContinueOnError)
	rootFlags.SetOutput(rc.stderr)
	rootFlags.Usage = func() { rc.printHelp() }
	rootFlags.StringVar(&rc.configPath, "config", "", "配置文件路径")
	rootFlags.StringVar(&rc.logLevel, "log-level", "", "覆盖日志级别 (debug, info, warn, error)")

	if err := rootFlags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	remaining := rootFlags.Args()
	if len(remaining) == 0 {
		rc.printHelp()
		return nil
	}

	sub, ok := rc.commands[remaining[0]]
	if !ok {
		fmt.Fprintf(rc.stderr, "未知命令 %q\n\n", remaining[0])
		rc.printHelp()
		return fmt.Errorf("unknown command %q", remaining[0])
	}

	fs := flag.NewFlagSet(sub.name, flag.ContinueOnError)
	fs.SetOutput(rc.stderr)
	fs.Usage = func() {
		fmt.Fprintf(rc.stdout, "用法: scriptguard %s [flags]\n", sub.name)
		if sub.description != "" {
			fmt.Fprintln(rc.stdout, sub.description)
		}
		fs.PrintDefaults()
	}
	if sub.configure != nil {
		sub.configure(fs)
	}
	if err := fs.Parse(remaining[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	var ctx *AppContext
	if !sub.skipInit {
		var err error
		if ctx, err = rc.ensureAppContext(); err != nil {
			fmt.Fprintln(rc.stderr, err)
			return err
		}
	}
	if err := sub.run(fs, fs.Args(), ctx, rc.stdout, rc.stderr); err != nil {
		fmt.Fprintf(rc.stderr, "%s: %v\n", sub.name, err)
		return err
	}
	return nil
}

func (rc *RootCommand) ensureAppContext() (*AppContext, error) {
	if rc.appCtx != nil {
		return rc.appCtx, nil
	}
	cfg, err := config.Load(rc.configPath)
	if err != nil {
		return nil, err
	}
	if rc.logLevel != "" {
		cfg.Log.Level = rc.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	l := logger.New(cfg.LoggerOptions())
	l.Debug("配置已加载", "path", rc.configPath, "version", cfg.Version)
	rc.appCtx = &AppContext{Config: cfg, Logger: l}
	return rc.appCtx, nil
}

func (rc *RootCommand) printHelp() {
	fmt.Fprintf(rc.stdout, "scriptguard - 脚本片段规则引擎\n版本: %s\n\n", versionString())
	fmt.Fprintln(rc.stdout, "用法: scriptguard [全局参数] <命令> [命令参数]")
	fmt.Fprintln(rc.stdout, "全局参数:")
	fmt.Fprintln(rc.stdout, "  --config string     配置文件路径")
	fmt.Fprintln(rc.stdout, "  --log-level string  覆盖日志级别")
	fmt.Fprintln(rc.stdout, "")
	fmt.Fprintln(rc.stdout, "命令:")

	names := make([]string, 0, len(rc.commands))
	for name := range rc.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(rc.stdout, "  %-10s %s\n", name, rc.commands[name].description)
	}
}

func versionString() string {
	return fmt.Sprintf("%s (%s/%s)", buildinfo.Version(), runtime.Version(), runtime.GOOS)
}

func newVersionCommand() command {
	return command{
		name:        "version",
		description: "打印版本信息",
		skipInit:    true,
		run: func(fs *flag.FlagSet, args []string, ctx *AppContext, stdout, stderr io.Writer) error {
			_, err := fmt.Fprintln(stdout, versionString())
			return err
		},
	}
}

// stringList 可重复的字符串参数
type stringList []string

func (s *stringList) String() string { return fmt.Sprint([]string(*s)) }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
