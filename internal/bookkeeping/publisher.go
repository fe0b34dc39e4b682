package bookkeeping

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Kind 表示旁路记账回执的类型。
type Kind string

const (
	KindReputation Kind = "reputation"
	KindLoyalty    Kind = "loyalty"
	KindSchedule   Kind = "schedule"
)

// Receipt 是一条尽力而为的旁路记账回执。回执的成败永远不影响
// 主审批路径的结果。
type Receipt struct {
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"session_id"`
	PlanHash  string         `json:"plan_hash"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// Publisher 抽象回执的投递通道。
type Publisher interface {
	Publish(ctx context.Context, receipt Receipt) error
	Close() error
}

// MemoryPublisher 使用 channel 模拟回执队列，主要用于测试与单机部署。
type MemoryPublisher struct {
	ch     chan Receipt
	mu     sync.Mutex
	closed bool
}

// NewMemoryPublisher 创建内存回执队列。
func NewMemoryPublisher(size int) *MemoryPublisher {
	if size <= 0 {
		size = 64
	}
	return &MemoryPublisher{ch: make(chan Receipt, size)}
}

// Publish 将回执投递到队列。队列满时丢弃而不是阻塞，
// 旁路记账不允许拖慢主流程。
func (p *MemoryPublisher) Publish(ctx context.Context, receipt Receipt) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.New("回执队列已关闭")
	}
	if receipt.CreatedAt == 0 {
		receipt.CreatedAt = time.Now().Unix()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.ch <- receipt:
		return nil
	default:
		return errors.New("回执队列已满")
	}
}

// Drain 返回当前队列中的全部回执，供测试与退出前的兜底消费。
func (p *MemoryPublisher) Drain() []Receipt {
	var receipts []Receipt
	for {
		select {
		case receipt := <-p.ch:
			receipts = append(receipts, receipt)
		default:
			return receipts
		}
	}
}

// Close 关闭内存队列。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		close(p.ch)
		p.closed = true
	}
	p.mu.Unlock()
	return nil
}
