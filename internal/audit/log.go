package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"AdvisorChain/internal/plan"
	"AdvisorChain/pkg/logger"
)

// DefaultRingCapacity 是进程内事件环形缓冲的默认容量。
const DefaultRingCapacity = 100

// Publisher 抽象外部持久账本。实现方保证尽力而为：失败时返回错误，
// 由本层降级为 mock 交易号，绝不中断工作流。
type Publisher interface {
	Publish(ctx context.Context, message string) (string, error)
}

// Log 构造哈希链式审计事件，并同步扇出到进程内环形缓冲与外部账本。
// 哈希链按会话粒度维护：每个会话的事件通过 prevHash 串联，
// 不同会话互不影响。
type Log struct {
	mu         sync.Mutex
	ring       []*Event
	capacity   int
	chainHeads map[string]string
	ledger     Publisher
	log        *slog.Logger
}

// Option 定义可选配置。
type Option func(*Log)

// WithCapacity 覆盖环形缓冲容量。
func WithCapacity(capacity int) Option {
	return func(l *Log) {
		if capacity > 0 {
			l.capacity = capacity
		}
	}
}

// NewLog 创建审计日志。ledger 可以为 nil，此时仅保留进程内缓冲。
func NewLog(ledger Publisher, opts ...Option) *Log {
	l := &Log{
		capacity:   DefaultRingCapacity,
		chainHeads: make(map[string]string),
		ledger:     ledger,
		log:        logger.Named("audit"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.ring = make([]*Event, 0, l.capacity)
	return l
}

// Append 构造事件、接入会话哈希链、写入环形缓冲并等待账本发布完成。
// 账本失败降级为 mock 交易号并记录日志，不向调用方传播。
func (l *Log) Append(ctx context.Context, entry Entry) (*Event, error) {
	event, err := l.build(entry)
	if err != nil {
		return nil, err
	}
	l.publish(ctx, event)
	return event, nil
}

// AppendAsync 与 Append 相同，但账本发布在后台进行，
// 供不能阻塞主路径的旁路记账使用。
func (l *Log) AppendAsync(ctx context.Context, entry Entry) (*Event, error) {
	event, err := l.build(entry)
	if err != nil {
		return nil, err
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.log.Error("异步账本发布 panic", slog.Any("panic", r))
			}
		}()
		publishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		l.publish(publishCtx, event)
	}()
	return event, nil
}

// build 计算负载哈希、串接会话链并写入环形缓冲。
func (l *Log) build(entry Entry) (*Event, error) {
	payloadHash, err := plan.HashPayload(entry.Payload)
	if err != nil {
		return nil, err
	}

	event := &Event{
		ID:           uuid.NewString(),
		Type:         entry.Type,
		SessionID:    entry.SessionID,
		PlanID:       entry.PlanID,
		RoleID:       entry.RoleID,
		RoleIdentity: entry.RoleIdentity,
		Payload:      entry.Payload,
		PayloadHash:  payloadHash,
		Timestamp:    time.Now().Unix(),
	}

	l.mu.Lock()
	event.PrevHash = l.chainHeads[entry.SessionID]
	l.chainHeads[entry.SessionID] = payloadHash
	l.ring = append(l.ring, event)
	if len(l.ring) > l.capacity {
		l.ring = l.ring[len(l.ring)-l.capacity:]
	}
	l.mu.Unlock()

	return event, nil
}

// publish 将事件投递到外部账本，失败时降级为 mock 交易号。
func (l *Log) publish(ctx context.Context, event *Event) {
	if l.ledger == nil {
		event.LedgerTxID = mockTxID(event)
		return
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		event.LedgerTxID = mockTxID(event)
		l.log.Warn("序列化审计事件失败", slog.Any("error", err), slog.String("event_id", event.ID))
		return
	}
	txID, err := l.ledger.Publish(ctx, string(encoded))
	if err != nil || txID == "" {
		event.LedgerTxID = mockTxID(event)
		l.log.Warn("账本发布失败, 已降级为 mock 交易号",
			slog.Any("error", err),
			slog.String("event_id", event.ID),
			slog.String("session_id", event.SessionID),
		)
		return
	}
	event.LedgerTxID = txID
}

// Recent 返回环形缓冲中最新的 n 条事件，最新在前。
// 这只是供轮询客户端使用的展示缓存，持久记录在外部账本。
func (l *Log) Recent(n int) []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.ring) {
		n = len(l.ring)
	}
	results := make([]*Event, 0, n)
	for i := len(l.ring) - 1; i >= len(l.ring)-n; i-- {
		clone := *l.ring[i]
		results = append(results, &clone)
	}
	return results
}

// ChainHead 返回指定会话当前的链头哈希，没有事件时为空串。
func (l *Log) ChainHead(sessionID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chainHeads[sessionID]
}

func mockTxID(event *Event) string {
	return "mock:" + event.PayloadHash
}
