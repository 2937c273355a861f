// Package diag 提供进程级的诊断通道。
//
// 通道在首次使用时构造，初始化时捕获宿主的一组敏感原语，之后只通过捕获的副本调用，
// 页面事后改写这些原语不会影响拦截行为。只有配置了广播密钥（日志面板已打开）时才会
// 真正输出日志：先经广播频道握手，握手完成前缓冲，打开频道失败时退回本地打印。
package diag

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"scriptguard/internal/logger"
)

// DefaultDedupWindow 相同日志的去重窗口
const DefaultDedupWindow = 5 * time.Second

// 日志类型
const (
	TypeInfo  = "info"
	TypeError = "error"
)

const prefixSeparator = " ⁝ "

// Primitives 初始化时捕获的宿主原语副本
type Primitives struct {
	FunctionToString func(v any) (string, error)
	Now              func() time.Time
	// Location 返回当前文档的主机名与完整地址
	Location     func() (hostname, href string)
	RequestIdle  func(fn func()) int
	CancelIdle   func(id int)
	RequestFrame func(fn func()) int
	CancelFrame  func(id int)
	Print        func(text string)
}

// PrimitiveSource 能提供原语的宿主
type PrimitiveSource interface {
	Primitives() Primitives
}

// Globals 执行上下文共享的全局槽位，Safe 只构造一次通道
type Globals struct {
	// Secret 广播频道密钥，为空表示日志面板未打开
	Secret      string
	LogLevel    int
	CanDebug    bool
	DedupWindow time.Duration
	Open        Opener
	Logger      logger.Logger

	mu   sync.Mutex
	safe *Channel
}

// Safe 返回共享的诊断通道，首次调用时构造
func (g *Globals) Safe(src PrimitiveSource) *Channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.safe != nil {
		return g.safe
	}
	g.safe = newChannel(g, src.Primitives())
	return g.safe
}

// Loaded 通道是否已构造
func (g *Globals) Loaded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.safe != nil
}

// Close 关闭已构造的通道
func (g *Globals) Close() error {
	g.mu.Lock()
	c := g.safe
	g.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

type bufferedEntry struct {
	typ  string
	text string
}

// Channel 诊断通道
type Channel struct {
	prims    Primitives
	canDebug bool
	logLevel atomic.Int32
	window   time.Duration
	log      logger.Logger

	// send 为空时日志全部丢弃
	send func(typ string, args []string)

	dedupMu  sync.Mutex
	lastType string
	lastText string
	lastTime time.Time

	bcMu      sync.Mutex
	bc        Broadcaster
	buffer    []bufferedEntry
	buffering bool
}

func newChannel(g *Globals, prims Primitives) *Channel {
	if prims.Now == nil {
		prims.Now = time.Now
	}
	c := &Channel{
		prims:    prims,
		canDebug: g.CanDebug,
		window:   g.DedupWindow,
		log:      g.Logger,
	}
	if c.window <= 0 {
		c.window = DefaultDedupWindow
	}
	if c.log == nil {
		c.log = logger.NewNop()
	}
	if g.Secret == "" {
		return c
	}
	lvl := g.LogLevel
	if lvl == 0 {
		lvl = 1
	}
	c.logLevel.Store(int32(lvl))

	var (
		bc  Broadcaster
		err error
	)
	if g.Open != nil {
		bc, err = g.Open(g.Secret)
	} else {
		err = ErrClosed
	}
	if err != nil {
		c.log.Debug("打开诊断广播频道失败，改为本地输出", "error", err)
		c.send = c.sendLocal
		return c
	}
	c.bc = bc
	c.buffering = true
	c.send = c.sendBroadcast
	bc.Subscribe(c.onMessage)
	if err := bc.Post(MsgAreYouReady); err != nil {
		c.log.Debug("发送握手消息失败", "error", err)
	}
	return c
}

// LogLevel 当前日志级别，0 表示关闭
func (c *Channel) LogLevel() int { return int(c.logLevel.Load()) }

// Enabled 是否接有日志出口
func (c *Channel) Enabled() bool { return c.send != nil }

// CanDebug 是否允许调试断点钩子
func (c *Channel) CanDebug() bool { return c.canDebug }

// Now 捕获的时钟
func (c *Channel) Now() time.Time { return c.prims.Now() }

// FunctionToString 通过捕获的原语取得函数源码
func (c *Channel) FunctionToString(v any) (string, error) {
	if c.prims.FunctionToString == nil {
		return "", ErrClosed
	}
	return c.prims.FunctionToString(v)
}

// MakeLogPrefix 构造日志前缀，没有日志出口时返回空串
func (c *Channel) MakeLogPrefix(args ...string) string {
	if c.send == nil {
		return ""
	}
	return "[" + strings.Join(args, prefixSeparator) + "]"
}

// Log 输出 info 日志
func (c *Channel) Log(args ...string) {
	if c.send == nil || len(args) == 0 || args[0] == "" {
		return
	}
	c.send(TypeInfo, args)
}

// Err 输出 error 日志
func (c *Channel) Err(args ...string) {
	if c.send == nil || len(args) == 0 || args[0] == "" {
		return
	}
	c.send(TypeError, args)
}

// OnIdle 安排低优先级回调，优先使用空闲回调原语
func (c *Channel) OnIdle(fn func()) int {
	if c.prims.RequestIdle != nil {
		return c.prims.RequestIdle(fn)
	}
	if c.prims.RequestFrame != nil {
		return c.prims.RequestFrame(fn)
	}
	return 0
}

// OffIdle 取消 OnIdle 安排的回调
func (c *Channel) OffIdle(id int) {
	if c.prims.RequestIdle != nil {
		if c.prims.CancelIdle != nil {
			c.prims.CancelIdle(id)
		}
		return
	}
	if c.prims.CancelFrame != nil {
		c.prims.CancelFrame(id)
	}
}

// toLogText 加上页面主机名前缀并按窗口去重，重复时返回 ok=false
func (c *Channel) toLogText(typ string, args []string) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	where := ""
	if c.prims.Location != nil {
		hn, href := c.prims.Location()
		where = hn
		if where == "" {
			where = href
		}
	}
	text := "[" + where + "]" + strings.Join(args, " ")
	now := c.prims.Now()

	c.dedupMu.Lock()
	defer c.dedupMu.Unlock()
	if text == c.lastText && typ == c.lastType && now.Sub(c.lastTime) < c.window {
		return "", false
	}
	c.lastType, c.lastText, c.lastTime = typ, text, now
	return text, true
}

func (c *Channel) sendLocal(typ string, args []string) {
	text, ok := c.toLogText(typ, args)
	if !ok {
		return
	}
	if c.prims.Print != nil {
		c.prims.Print("uBO " + text)
		return
	}
	c.log.Info("uBO "+text, "type", typ)
}

func (c *Channel) sendBroadcast(typ string, args []string) {
	text, ok := c.toLogText(typ, args)
	if !ok {
		return
	}
	c.bcMu.Lock()
	defer c.bcMu.Unlock()
	if c.buffering {
		c.buffer = append(c.buffer, bufferedEntry{typ: typ, text: text})
		return
	}
	if err := c.bc.Post(EncodeLogMessage(typ, text)); err != nil {
		c.log.Debug("投递诊断日志失败", "error", err)
	}
}

func (c *Channel) onMessage(msg string) {
	switch msg {
	case MsgIAmReady:
		c.bcMu.Lock()
		defer c.bcMu.Unlock()
		if !c.buffering {
			return
		}
		for _, e := range c.buffer {
			if err := c.bc.Post(EncodeLogMessage(e.typ, e.text)); err != nil {
				c.log.Debug("投递缓冲日志失败", "error", err)
			}
		}
		c.buffer = nil
		c.buffering = false
	case MsgLevelOne:
		c.logLevel.Store(1)
	case MsgLevelTwo:
		c.logLevel.Store(2)
	}
}

// Buffered 尚未投递的缓冲日志条数
func (c *Channel) Buffered() int {
	c.bcMu.Lock()
	defer c.bcMu.Unlock()
	return len(c.buffer)
}

// Ready 广播握手是否已完成
func (c *Channel) Ready() bool {
	c.bcMu.Lock()
	defer c.bcMu.Unlock()
	return c.bc != nil && !c.buffering
}

// Close 关闭广播频道
func (c *Channel) Close() error {
	c.bcMu.Lock()
	bc := c.bc
	c.bcMu.Unlock()
	if bc == nil {
		return nil
	}
	return bc.Close()
}
