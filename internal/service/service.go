// Package service 组合页面宿主、规则引擎与诊断面板，对外提供页面级操作。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"scriptguard/internal/config"
	"scriptguard/internal/diag"
	"scriptguard/internal/engine"
	"scriptguard/internal/logger"
	"scriptguard/internal/page"
	"scriptguard/internal/session"
	"scriptguard/internal/storage"
	"scriptguard/pkg/model"
)

var (
	ErrPageClosed = errors.New("service: page not found or closed")
	ErrNoStore    = errors.New("service: log storage disabled")
)

// Service 页面服务实现
type Service struct {
	cfg      *config.Config
	log      logger.Logger
	sessions *session.Manager
	hub      *diag.Hub
	open     diag.Opener
	store    *storage.Store
	registry *engine.Registry
}

// New 创建服务，配置了 sqlite 时同时打开日志存储
func New(cfg *config.Config, l logger.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if l == nil {
		l = logger.NewNop()
	}
	s := &Service{
		cfg:      cfg,
		log:      l,
		sessions: session.NewManager(l),
		hub:      diag.NewHub(0),
		registry: engine.NewRegistry(),
	}
	s.open = s.hub.Open
	if cfg.Diagnostics.Enabled && cfg.Sqlite.Dsn != "" {
		st, err := storage.Open(storage.Options{Dsn: cfg.Sqlite.Dsn, Prefix: cfg.Sqlite.Prefix, Logger: l})
		if err != nil {
			return nil, err
		}
		s.store = st
	}
	return s, nil
}

// Registry 脚本片段注册表，可在打开页面前注册自定义片段
func (s *Service) Registry() *engine.Registry { return s.registry }

// OpenPage 创建页面会话
func (s *Service) OpenPage(pc model.PageConfig) (model.PageID, error) {
	id := model.PageID(uuid.NewString())
	l := s.log.With("page", string(id))

	p, err := page.New(page.FromModel(pc, l))
	if err != nil {
		return "", err
	}

	g := &diag.Globals{
		LogLevel:    s.cfg.Diagnostics.LogLevel,
		CanDebug:    s.cfg.Diagnostics.CanDebug,
		DedupWindow: time.Duration(s.cfg.Diagnostics.DedupWindowMS) * time.Millisecond,
		Logger:      l,
	}
	var con *diag.Console
	if s.cfg.Diagnostics.Enabled {
		g.Secret = uuid.NewString()
		g.Open = s.open
		bc, err := s.open(g.Secret)
		if err != nil {
			return "", fmt.Errorf("打开诊断频道失败: %w", err)
		}
		opts := diag.ConsoleOptions{Session: string(id), Logger: l}
		if s.store != nil {
			opts.Recorder = s.store
		}
		con = diag.NewConsole(bc, opts)
		if err := con.Start(); err != nil {
			con.Stop()
			return "", fmt.Errorf("启动日志面板失败: %w", err)
		}
	}

	eng := engine.New(engine.Options{
		Page:     id,
		Registry: s.registry,
		Globals:  g,
		Logger:   l,
	})
	sess := session.New(id, p, eng, con)
	sess.Diag = g
	s.sessions.Add(sess)
	return id, nil
}

// ClosePage 关闭页面会话
func (s *Service) ClosePage(id model.PageID) error {
	sess, ok := s.sessions.Delete(id)
	if !ok {
		return ErrPageClosed
	}
	return sess.Close()
}

func (s *Service) get(id model.PageID) (*session.Session, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, ErrPageClosed
	}
	return sess, nil
}

// LoadRules 将规则表应用到页面，返回新安装的规则序号
func (s *Service) LoadRules(ctx context.Context, id model.PageID, table *model.RuleTable) ([]model.RuleID, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	var applied []model.RuleID
	err = sess.Page.Do(func() error {
		var aerr error
		applied, aerr = sess.Engine.Apply(ctx, sess.Page, table, sess.Page.Origins())
		return aerr
	})
	sess.SetRules(table, applied)
	s.log.Info("规则已应用", "page", string(id), "applied", len(applied))
	return applied, err
}

// Run 执行页面脚本并返回结果的字符串形式
func (s *Service) Run(id model.PageID, src string) (string, error) {
	sess, err := s.get(id)
	if err != nil {
		return "", err
	}
	v, err := sess.Page.Run(src)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "undefined", nil
	}
	return v.String(), nil
}

// SetReadyState 推进页面就绪状态
func (s *Service) SetReadyState(id model.PageID, state model.ReadyState) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	return sess.Page.SetReadyState(state)
}

// Dispatch 在 window、document 或选择器命中的元素上派发事件
func (s *Service) Dispatch(id model.PageID, target, typ string) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	return sess.Page.Dispatch(target, typ)
}

// Listeners 统计目标上已注册的监听器
func (s *Service) Listeners(id model.PageID, target, typ string) (int, error) {
	sess, err := s.get(id)
	if err != nil {
		return 0, err
	}
	return sess.Page.Listeners(target, typ)
}

// FlushIdle 执行排队的帧回调与空闲回调
func (s *Service) FlushIdle(id model.PageID) (int, error) {
	sess, err := s.get(id)
	if err != nil {
		return 0, err
	}
	return sess.Page.FlushIdle(), nil
}

// Stats 拦截统计
func (s *Service) Stats(id model.PageID) (model.EngineStats, error) {
	sess, err := s.get(id)
	if err != nil {
		return model.EngineStats{}, err
	}
	return sess.Engine.Stats(), nil
}

// SubscribeEvents 订阅拦截事件
func (s *Service) SubscribeEvents(id model.PageID) (<-chan model.Event, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return sess.Engine.Events(), nil
}

// Console 页面本地打印的控制台输出
func (s *Service) Console(id model.PageID) ([]string, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return sess.Page.Console(), nil
}

// Logs 日志面板收到的诊断日志，未启用诊断时为空
func (s *Service) Logs(id model.PageID) ([]model.LogEntry, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if sess.Console == nil {
		return nil, nil
	}
	return sess.Console.Entries(), nil
}

// SetLogLevel 推送页面端日志级别
func (s *Service) SetLogLevel(id model.PageID, level int) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	if sess.Console == nil {
		return nil
	}
	return sess.Console.SetLevel(level)
}

// History 从存储读取历史诊断日志
func (s *Service) History(ctx context.Context, id model.PageID, limit int) ([]model.LogEntry, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.List(ctx, string(id), limit)
}

// Close 关闭全部会话与存储
func (s *Service) Close() error {
	var errs []error
	for _, sess := range s.sessions.List() {
		if _, ok := s.sessions.Delete(sess.ID); ok {
			errs = append(errs, sess.Close())
		}
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
