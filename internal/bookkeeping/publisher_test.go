package bookkeeping

import (
	"context"
	"testing"
)

func TestMemoryPublisher(t *testing.T) {
	publisher := NewMemoryPublisher(4)
	defer publisher.Close()

	err := publisher.Publish(context.Background(), Receipt{
		Kind: KindReputation, SessionID: "s1", PlanHash: "0xabc",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	receipts := publisher.Drain()
	if len(receipts) != 1 {
		t.Fatalf("应有一条回执, 实际 %d", len(receipts))
	}
	if receipts[0].Kind != KindReputation || receipts[0].CreatedAt == 0 {
		t.Fatalf("回执内容不完整: %+v", receipts[0])
	}
}

func TestMemoryPublisherFullDropsInsteadOfBlocking(t *testing.T) {
	publisher := NewMemoryPublisher(1)
	defer publisher.Close()

	if err := publisher.Publish(context.Background(), Receipt{Kind: KindLoyalty, SessionID: "s1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := publisher.Publish(context.Background(), Receipt{Kind: KindLoyalty, SessionID: "s2"}); err == nil {
		t.Fatalf("队列满时应返回错误而不是阻塞")
	}
}

func TestMemoryPublisherClosed(t *testing.T) {
	publisher := NewMemoryPublisher(1)
	publisher.Close()
	if err := publisher.Publish(context.Background(), Receipt{Kind: KindSchedule}); err == nil {
		t.Fatalf("已关闭的队列应拒绝投递")
	}
}
