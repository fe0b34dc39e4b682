package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"AdvisorChain/pkg/logger"
)

// Status 表示外部计划交易的生命周期状态。
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusPending  Status = "PENDING"
	StatusExecuted Status = "EXECUTED"
	StatusFailed   Status = "FAILED"
	StatusExpired  Status = "EXPIRED"
	StatusUnknown  Status = "UNKNOWN"
)

// DefaultExpiryWindow 对应外部调度系统自身的过期窗口。
const DefaultExpiryWindow = 30 * time.Minute

// Record 按计划哈希记录一笔外部延迟交易的生命周期。
type Record struct {
	PlanHash        string `json:"plan_hash"`
	ScheduleAddress string `json:"schedule_address"`
	Status          Status `json:"status"`
	CreatedAt       int64  `json:"created_at"`
	ExecutedAt      int64  `json:"executed_at,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
	CreationTxID    string `json:"creation_tx_id"`
}

// Source 抽象外部调度系统的三个独立查询位。
type Source interface {
	Lookup(ctx context.Context, planHash string) (approved, scheduled bool, address string, err error)
}

// Tracker 独立于编排器自身的状态，跟踪外部计划交易。
// 记录以 planHash 为自然主键，重复登记时后写覆盖。
type Tracker struct {
	mu           sync.RWMutex
	records      map[string]*Record
	source       Source
	expiryWindow time.Duration
	log          *slog.Logger
}

// Option 定义可选配置。
type Option func(*Tracker)

// WithSource 接入外部调度系统，启用 live 查询模式。
func WithSource(source Source) Option {
	return func(t *Tracker) {
		t.source = source
	}
}

// WithExpiryWindow 覆盖本地过期窗口。
func WithExpiryWindow(window time.Duration) Option {
	return func(t *Tracker) {
		if window > 0 {
			t.expiryWindow = window
		}
	}
}

// NewTracker 创建调度跟踪器。
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		records:      make(map[string]*Record),
		expiryWindow: DefaultExpiryWindow,
		log:          logger.Named("schedule"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// RecordCreated 以 CREATED 状态登记一笔新的计划交易。
// 幂等：重试执行时对同一 planHash 重复调用不会产生重复记录。
func (t *Tracker) RecordCreated(planHash, creationTxID string) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	record := &Record{
		PlanHash:     planHash,
		Status:       StatusCreated,
		CreatedAt:    time.Now().Unix(),
		CreationTxID: creationTxID,
	}
	t.records[planHash] = record
	clone := *record
	return &clone
}

// MarkExecuted 将记录推进到终态 EXECUTED。EXECUTED 不可回退。
func (t *Tracker) MarkExecuted(planHash, scheduleAddress string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[planHash]
	if !ok {
		return
	}
	record.Status = StatusExecuted
	record.ScheduleAddress = scheduleAddress
	record.ExecutedAt = time.Now().Unix()
	record.FailureReason = ""
}

// MarkFailed 记录失败原因。已执行的记录不会被改写。
func (t *Tracker) MarkFailed(planHash, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[planHash]
	if !ok || record.Status == StatusExecuted {
		return
	}
	record.Status = StatusFailed
	record.FailureReason = reason
}

// Status 返回指定计划哈希的记录。命中缓存直接返回；
// 配置了外部源时按三个查询位派生状态。
func (t *Tracker) Status(ctx context.Context, planHash string) (*Record, bool) {
	t.mu.RLock()
	record, ok := t.records[planHash]
	if ok {
		clone := *record
		t.mu.RUnlock()
		return &clone, true
	}
	t.mu.RUnlock()

	if t.source == nil {
		return nil, false
	}

	approved, scheduled, address, err := t.source.Lookup(ctx, planHash)
	if err != nil {
		t.log.Warn("查询外部调度状态失败", slog.Any("error", err), slog.String("plan_hash", planHash))
		return nil, false
	}
	derived := deriveStatus(approved, scheduled, address)
	return &Record{
		PlanHash:        planHash,
		ScheduleAddress: address,
		Status:          derived,
		CreatedAt:       time.Now().Unix(),
	}, true
}

// deriveStatus 由外部系统的三个布尔位推导状态。
func deriveStatus(approved, scheduled bool, address string) Status {
	hasAddress := address != "" && address != "0x0000000000000000000000000000000000000000"
	switch {
	case !approved:
		return StatusUnknown
	case scheduled && hasAddress:
		return StatusExecuted
	case !scheduled && hasAddress:
		return StatusPending
	case !scheduled && !hasAddress:
		return StatusCreated
	default:
		return StatusUnknown
	}
}

// IsExpired 判断记录是否已超过本地过期窗口。EXECUTED 永不过期。
// 这是本地推算的视图层判断，不具有权威性。
func (t *Tracker) IsExpired(record *Record, now time.Time) bool {
	if record == nil || record.Status == StatusExecuted {
		return false
	}
	age := now.Unix() - record.CreatedAt
	return age > int64(t.expiryWindow.Seconds())
}

// DisplayStatus 返回展示用状态：过期且未执行的记录显示为 EXPIRED，
// 存储的记录本身不被修改（过期是读取时的视图，不是写入）。
func (t *Tracker) DisplayStatus(record *Record, now time.Time) Status {
	if record == nil {
		return StatusUnknown
	}
	if record.Status != StatusExecuted && t.IsExpired(record, now) {
		return StatusExpired
	}
	return record.Status
}
