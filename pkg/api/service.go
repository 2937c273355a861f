package api

import (
	"context"

	"scriptguard/internal/config"
	"scriptguard/internal/logger"
	"scriptguard/internal/service"
	"scriptguard/pkg/model"
)

// Service 服务接口
type Service interface {
	// OpenPage 打开页面
	OpenPage(cfg model.PageConfig) (model.PageID, error)

	// ClosePage 关闭页面
	ClosePage(id model.PageID) error

	// LoadRules 应用规则表
	LoadRules(ctx context.Context, id model.PageID, table *model.RuleTable) ([]model.RuleID, error)

	// Run 执行页面脚本
	Run(id model.PageID, src string) (string, error)

	// SetReadyState 推进就绪状态
	SetReadyState(id model.PageID, state model.ReadyState) error

	// Dispatch 派发事件
	Dispatch(id model.PageID, target, typ string) error

	// FlushIdle 执行排队的回调
	FlushIdle(id model.PageID) (int, error)

	// Stats 获取拦截统计
	Stats(id model.PageID) (model.EngineStats, error)

	// SubscribeEvents 订阅事件
	SubscribeEvents(id model.PageID) (<-chan model.Event, error)

	// Logs 获取诊断日志
	Logs(id model.PageID) ([]model.LogEntry, error)

	// SetLogLevel 设置页面端日志级别
	SetLogLevel(id model.PageID, level int) error

	// Close 释放全部资源
	Close() error
}

// NewService 创建并返回服务接口实现
func NewService(cfg *config.Config, l logger.Logger) (Service, error) {
	return service.New(cfg, l)
}
