// Package storage 持久化日志面板收到的诊断日志。
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	ilogger "scriptguard/internal/logger"
	"scriptguard/pkg/model"
)

// ErrClosed 存储已关闭
var ErrClosed = errors.New("storage: store closed")

// LogRecord 诊断日志表
type LogRecord struct {
	ID        uint      `gorm:"primaryKey"`
	Session   string    `gorm:"index;size:64"`
	Type      string    `gorm:"size:16"`
	Text      string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

// Store 基于 sqlite 的日志存储
type Store struct {
	db  *gorm.DB
	log ilogger.Logger
}

// Options 存储选项
type Options struct {
	Dsn    string
	Prefix string
	Logger ilogger.Logger
}

// Open 打开数据库并迁移表结构
func Open(opts Options) (*Store, error) {
	l := opts.Logger
	if l == nil {
		l = ilogger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(opts.Dsn), &gorm.Config{
		Logger:         NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: opts.Prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if err := db.AutoMigrate(&LogRecord{}); err != nil {
		return nil, fmt.Errorf("迁移表结构失败: %w", err)
	}
	l.Debug("日志存储已就绪", "dsn", opts.Dsn)
	return &Store{db: db, log: l}, nil
}

// Record 写入一条诊断日志
func (s *Store) Record(e model.LogEntry) error {
	if s.db == nil {
		return ErrClosed
	}
	created := e.Time
	if created.IsZero() {
		created = time.Now()
	}
	rec := &LogRecord{Session: e.Session, Type: e.Type, Text: e.Text, CreatedAt: created}
	ctx := WithSession(context.Background(), e.Session)
	return s.db.WithContext(ctx).Create(rec).Error
}

// List 按时间顺序列出会话日志，session 为空时列出全部
func (s *Store) List(ctx context.Context, session string, limit int) ([]model.LogEntry, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	q := s.db.WithContext(ctx).Order("created_at asc, id asc")
	if session != "" {
		q = q.Where("session = ?", session)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []LogRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.LogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.LogEntry{Session: r.Session, Type: r.Type, Text: r.Text, Time: r.CreatedAt})
	}
	return out, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	s.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
