package diag

import (
	"sync"
	"time"

	"scriptguard/internal/logger"
	"scriptguard/pkg/model"
)

// Recorder 日志落盘接口
type Recorder interface {
	Record(e model.LogEntry) error
}

// Console 广播频道的日志面板端：应答握手并记录收到的日志
type Console struct {
	bc      Broadcaster
	rec     Recorder
	log     logger.Logger
	session string

	mu      sync.Mutex
	entries []model.LogEntry
	cancel  func()
}

// ConsoleOptions 日志面板选项
type ConsoleOptions struct {
	Session  string
	Recorder Recorder
	Logger   logger.Logger
}

// NewConsole 创建日志面板
func NewConsole(bc Broadcaster, opts ConsoleOptions) *Console {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Console{bc: bc, rec: opts.Recorder, log: l, session: opts.Session}
}

// Start 开始监听，并主动宣告就绪以覆盖先于面板发出的握手
func (c *Console) Start() error {
	c.mu.Lock()
	c.cancel = c.bc.Subscribe(c.onMessage)
	c.mu.Unlock()
	return c.bc.Post(MsgIAmReady)
}

// SetLevel 推送页面端日志级别
func (c *Console) SetLevel(level int) error {
	switch level {
	case 1:
		return c.bc.Post(MsgLevelOne)
	case 2:
		return c.bc.Post(MsgLevelTwo)
	}
	return nil
}

// Entries 已收到的日志副本
func (c *Console) Entries() []model.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.LogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Stop 停止监听并关闭频道
func (c *Console) Stop() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	return c.bc.Close()
}

func (c *Console) onMessage(msg string) {
	if msg == MsgAreYouReady {
		if err := c.bc.Post(MsgIAmReady); err != nil {
			c.log.Debug("应答握手失败", "error", err)
		}
		return
	}
	typ, text, ok := DecodeLogMessage(msg)
	if !ok {
		return
	}
	e := model.LogEntry{Session: c.session, Type: typ, Text: text, Time: time.Now()}
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
	if typ == TypeError {
		c.log.Warn(text, "session", c.session)
	} else {
		c.log.Info(text, "session", c.session)
	}
	if c.rec != nil {
		if err := c.rec.Record(e); err != nil {
			c.log.Err(err, "记录诊断日志失败", "session", c.session)
		}
	}
}
