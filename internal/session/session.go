// Package session 维护页面会话：页面宿主、规则引擎与诊断面板的组合。
package session

import (
	"errors"
	"sync"
	"time"

	"scriptguard/internal/diag"
	"scriptguard/internal/engine"
	"scriptguard/internal/page"
	"scriptguard/pkg/model"
)

// Session 一个受管页面
type Session struct {
	ID        model.PageID
	Page      *page.Page
	Engine    *engine.Engine
	Console   *diag.Console
	Diag      *diag.Globals
	CreatedAt time.Time

	mu      sync.Mutex
	table   *model.RuleTable
	applied []model.RuleID
}

// New 创建会话
func New(id model.PageID, p *page.Page, e *engine.Engine, c *diag.Console) *Session {
	return &Session{ID: id, Page: p, Engine: e, Console: c, CreatedAt: time.Now()}
}

// SetRules 记录已应用的规则表
func (s *Session) SetRules(t *model.RuleTable, applied []model.RuleID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = t
	s.applied = append(s.applied, applied...)
}

// Table 最近一次应用的规则表
func (s *Session) Table() *model.RuleTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table
}

// Applied 已安装的规则序号
func (s *Session) Applied() []model.RuleID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.RuleID(nil), s.applied...)
}

// Close 释放会话资源
func (s *Session) Close() error {
	var errs []error
	if s.Diag != nil {
		errs = append(errs, s.Diag.Close())
	}
	if s.Console != nil {
		errs = append(errs, s.Console.Stop())
	}
	return errors.Join(errs...)
}
