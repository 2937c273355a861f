package diag

import (
	"errors"
	"sync"
)

var (
	// ErrEmptySecret 广播频道名为空
	ErrEmptySecret = errors.New("diag: empty channel secret")
	// ErrClosed 频道已关闭
	ErrClosed = errors.New("diag: broadcast channel closed")
)

// Broadcaster 跨边界广播频道的一端，发送方不会收到自己的消息
type Broadcaster interface {
	Post(msg string) error
	Subscribe(fn func(msg string)) (cancel func())
	Close() error
}

// Opener 按密钥打开广播频道
type Opener func(secret string) (Broadcaster, error)

// DefaultQueueSize 每个端点的待投递消息上限
const DefaultQueueSize = 256

// Hub 进程内广播介质，同名端点之间异步投递，队列满时丢弃
type Hub struct {
	mu        sync.RWMutex
	channels  map[string]map[*endpoint]struct{}
	queueSize int
}

// NewHub 创建广播介质
func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{channels: make(map[string]map[*endpoint]struct{}), queueSize: queueSize}
}

// Open 打开一个端点
func (h *Hub) Open(secret string) (Broadcaster, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	ep := &endpoint{
		hub:   h,
		name:  secret,
		inbox: make(chan string, h.queueSize),
		done:  make(chan struct{}),
		subs:  make(map[int]func(string)),
	}
	h.mu.Lock()
	if h.channels[secret] == nil {
		h.channels[secret] = make(map[*endpoint]struct{})
	}
	h.channels[secret][ep] = struct{}{}
	h.mu.Unlock()
	go ep.loop()
	return ep, nil
}

func (h *Hub) post(from *endpoint, msg string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ep := range h.channels[from.name] {
		if ep == from {
			continue
		}
		select {
		case ep.inbox <- msg:
		default:
		}
	}
}

func (h *Hub) remove(ep *endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels[ep.name], ep)
	if len(h.channels[ep.name]) == 0 {
		delete(h.channels, ep.name)
	}
}

type endpoint struct {
	hub   *Hub
	name  string
	inbox chan string
	done  chan struct{}

	mu     sync.Mutex
	subs   map[int]func(string)
	nextID int
	closed bool
}

func (e *endpoint) Post(msg string) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.hub.post(e, msg)
	return nil
}

func (e *endpoint) Subscribe(fn func(string)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

func (e *endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.hub.remove(e)
	close(e.done)
	return nil
}

func (e *endpoint) loop() {
	for {
		select {
		case msg := <-e.inbox:
			e.deliver(msg)
		case <-e.done:
			return
		}
	}
}

func (e *endpoint) deliver(msg string) {
	e.mu.Lock()
	subs := make([]func(string), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()
	for _, fn := range subs {
		fn(msg)
	}
}
