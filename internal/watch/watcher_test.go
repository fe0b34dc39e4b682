package watch

import (
	"context"
	"strings"
	"testing"

	"AdvisorChain/internal/session"
)

func TestObserveUsesProvidedValuation(t *testing.T) {
	watcher := NewStaticWatcher(nil)
	signal, err := watcher.Observe(context.Background(), []session.Holding{
		{Symbol: "ETH", Amount: 2, ValueUSD: 5000},
	}, "稳健增值")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signal.TotalValueUSD != 5000 {
		t.Fatalf("应优先使用持仓自带估值: %f", signal.TotalValueUSD)
	}
	if signal.Observations[0].PriceUSD != 2500 {
		t.Fatalf("推导价格不正确: %f", signal.Observations[0].PriceUSD)
	}
}

func TestObserveFallsBackToQuoteTable(t *testing.T) {
	watcher := NewStaticWatcher(map[string]float64{"ETH": 2000})
	signal, err := watcher.Observe(context.Background(), []session.Holding{
		{Symbol: "eth", Amount: 3},
	}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signal.TotalValueUSD != 6000 {
		t.Fatalf("报价表估值不正确: %f", signal.TotalValueUSD)
	}
}

func TestObserveAlerts(t *testing.T) {
	watcher := NewStaticWatcher(map[string]float64{"ETH": 2500})
	signal, err := watcher.Observe(context.Background(), []session.Holding{
		{Symbol: "ETH", Amount: 1},
		{Symbol: "XYZ", Amount: 10},
	}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var missingQuote, concentration bool
	for _, alert := range signal.Alerts {
		if strings.Contains(alert, "XYZ") && strings.Contains(alert, "报价") {
			missingQuote = true
		}
		if strings.Contains(alert, "集中度") {
			concentration = true
		}
	}
	if !missingQuote {
		t.Fatalf("缺少报价应产生告警: %v", signal.Alerts)
	}
	if !concentration {
		t.Fatalf("ETH 占比 100%% 应产生集中度告警: %v", signal.Alerts)
	}
}
