package cdp

import (
	"context"

	"github.com/mafredri/cdp/protocol/page"

	"scriptguard/pkg/model"
)

// lifecycleStates 生命周期事件名到就绪状态的映射
var lifecycleStates = map[string]model.ReadyState{
	"init":             model.ReadyStateLoading,
	"DOMContentLoaded": model.ReadyStateInteractive,
	"load":             model.ReadyStateComplete,
}

// ReadyStateForLifecycle 将生命周期事件名映射为就绪状态
func ReadyStateForLifecycle(name string) (model.ReadyState, bool) {
	s, ok := lifecycleStates[name]
	return s, ok
}

// WatchReadiness 订阅主帧生命周期事件，直到 ctx 结束或连接断开
func (m *Manager) WatchReadiness(ctx context.Context, fn func(model.ReadyState)) error {
	client, cctx, _, err := m.attached()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-cctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := client.Page.Enable(ctx); err != nil {
		return err
	}
	if err := client.Page.SetLifecycleEventsEnabled(ctx, page.NewSetLifecycleEventsEnabledArgs(true)); err != nil {
		return err
	}
	tree, err := client.Page.GetFrameTree(ctx)
	if err != nil {
		return err
	}
	mainFrame := tree.FrameTree.Frame.ID

	events, err := client.Page.LifecycleEvent(ctx)
	if err != nil {
		return err
	}
	defer events.Close()
	for {
		ev, err := events.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m.handle(ev, mainFrame == ev.FrameID, fn)
	}
}

// handle 处理一次生命周期事件，只关心主帧
func (m *Manager) handle(ev *page.LifecycleEventReply, main bool, fn func(model.ReadyState)) {
	if !main {
		return
	}
	state, ok := ReadyStateForLifecycle(ev.Name)
	if !ok {
		return
	}
	m.log.Debug("页面生命周期事件", "name", ev.Name, "state", string(state))
	fn(state)
}
