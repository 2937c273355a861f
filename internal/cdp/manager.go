// Package cdp 通过 Chrome DevTools 协议连接真实浏览器，采集帧树、文档与就绪状态，
// 用于在真实页面上验证规则激活结果。
package cdp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/dom"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/rpcc"
	"github.com/tidwall/gjson"

	adapter "scriptguard/internal/adapter/cdp"
	"scriptguard/internal/logger"
	"scriptguard/pkg/model"
)

var (
	ErrNotAttached = errors.New("cdp: not attached")
	ErrNoTarget    = errors.New("cdp: no matching target")
)

// Snapshot 页面快照
type Snapshot struct {
	Target     model.TargetID
	Frames     []model.FrameInfo
	HTML       string
	ReadyState model.ReadyState
}

// Manager 单个浏览器目标的连接管理
type Manager struct {
	devtoolsURL string
	timeout     time.Duration
	log         logger.Logger

	mu     sync.Mutex
	conn   io.Closer
	client *cdp.Client
	ctx    context.Context
	cancel context.CancelFunc
	target model.TargetID
}

// New 创建管理器
func New(devtoolsURL string, timeout time.Duration, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Manager{devtoolsURL: devtoolsURL, timeout: timeout, log: l}
}

// Timeout 单次协议调用超时
func (m *Manager) Timeout() time.Duration { return m.timeout }

// ListTargets 列出浏览器中的页面目标
func (m *Manager) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取目标列表失败: %w", err)
	}
	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		out = append(out, model.TargetInfo{
			ID:    model.TargetID(t.ID),
			Type:  string(t.Type),
			URL:   t.URL,
			Title: t.Title,
		})
	}
	return out, nil
}

// Attach 连接目标；target 为空时选择第一个页面
func (m *Manager) Attach(ctx context.Context, target model.TargetID) error {
	dt := devtool.New(m.devtoolsURL)
	lctx, cancel := context.WithTimeout(ctx, m.timeout)
	targets, err := dt.List(lctx)
	cancel()
	if err != nil {
		return fmt.Errorf("获取目标列表失败: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if target == "" && t.Type == devtool.Page {
			sel = t
			break
		}
		if target != "" && model.TargetID(t.ID) == target {
			sel = t
			break
		}
	}
	if sel == nil {
		return fmt.Errorf("%w: %q", ErrNoTarget, target)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked()
	cctx, ccancel := context.WithCancel(context.Background())
	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		ccancel()
		return fmt.Errorf("连接目标失败: %w", err)
	}
	m.conn = conn
	m.client = cdp.NewClient(conn)
	m.ctx, m.cancel = cctx, ccancel
	m.target = model.TargetID(sel.ID)
	m.log.Info("已连接浏览器目标", "target", sel.ID, "url", sel.URL)
	return nil
}

// Detach 断开连接
func (m *Manager) Detach() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detachLocked()
}

func (m *Manager) detachLocked() error {
	if m.cancel != nil {
		m.cancel()
	}
	var err error
	if m.conn != nil {
		err = m.conn.Close()
		m.log.Info("已断开浏览器目标", "target", string(m.target))
	}
	m.conn, m.client, m.cancel, m.target = nil, nil, nil, ""
	return err
}

// dropLocked 切换目标前断开旧连接，关闭失败只记录日志
func (m *Manager) dropLocked() {
	if m.conn == nil {
		return
	}
	prev := string(m.target)
	if err := m.detachLocked(); err != nil {
		m.log.Warn("断开旧目标失败", "target", prev, "error", err.Error())
	}
}

func (m *Manager) attached() (*cdp.Client, context.Context, model.TargetID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil, nil, "", ErrNotAttached
	}
	return m.client, m.ctx, m.target, nil
}

// Snapshot 采集帧树、主文档 HTML 与当前就绪状态
func (m *Manager) Snapshot(ctx context.Context) (*Snapshot, error) {
	client, _, target, err := m.attached()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	tree, err := client.Page.GetFrameTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取帧树失败: %w", err)
	}
	snap := &Snapshot{Target: target, Frames: adapter.FramesFromTree(tree.FrameTree)}

	doc, err := client.DOM.GetDocument(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("获取文档失败: %w", err)
	}
	outer, err := client.DOM.GetOuterHTML(ctx, dom.NewGetOuterHTMLArgs().SetNodeID(doc.Root.NodeID))
	if err != nil {
		return nil, fmt.Errorf("获取文档内容失败: %w", err)
	}
	snap.HTML = outer.OuterHTML

	state, err := client.Runtime.Evaluate(ctx, runtime.NewEvaluateArgs("document.readyState").SetReturnByValue(true))
	if err != nil {
		m.log.Warn("读取就绪状态失败", "error", err.Error())
	} else {
		snap.ReadyState = model.ReadyState(gjson.ParseBytes(state.Result.Value).String())
	}
	m.log.Debug("页面快照完成", "frames", len(snap.Frames), "readyState", string(snap.ReadyState))
	return snap, nil
}
