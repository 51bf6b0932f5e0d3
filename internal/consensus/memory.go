package consensus

import (
	"context"
	"errors"
	"sync"
)

// MemoryHub 在进程内连接多个副本的传输端点，用于测试与开发模式下的
// 多副本演练。
type MemoryHub struct {
	mu     sync.Mutex
	peers  []*MemoryTransport
	closed bool
}

// NewMemoryHub 创建内存传输集线器。
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{}
}

// Join 为一个副本创建传输端点。
func (h *MemoryHub) Join() *MemoryTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	peer := &MemoryTransport{
		hub:        h,
		deliveries: make(chan Envelope, 256),
	}
	h.peers = append(h.peers, peer)
	return peer
}

func (h *MemoryHub) broadcast(env Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("内存传输已关闭")
	}
	for _, peer := range h.peers {
		select {
		case peer.deliveries <- env:
		default:
			// 接收方积压时丢弃，副本会因超时重入该回合。
		}
	}
	return nil
}

// Close 关闭所有端点。
func (h *MemoryHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, peer := range h.peers {
		close(peer.deliveries)
	}
	h.peers = nil
	return nil
}

// MemoryTransport 是 MemoryHub 上的单副本端点。
type MemoryTransport struct {
	hub        *MemoryHub
	deliveries chan Envelope
}

// Broadcast 实现 Transport。信封同样回送给本副本。
func (t *MemoryTransport) Broadcast(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.hub.broadcast(env)
}

// Deliveries 实现 Transport。
func (t *MemoryTransport) Deliveries() <-chan Envelope {
	return t.deliveries
}

// Close 实现 Transport。端点由集线器统一关闭。
func (t *MemoryTransport) Close() error {
	return nil
}
