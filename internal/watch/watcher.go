package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"AdvisorChain/internal/session"
)

// Observation 是单项持仓的市场观察。
type Observation struct {
	Symbol   string  `json:"symbol"`
	Amount   float64 `json:"amount"`
	PriceUSD float64 `json:"price_usd"`
	ValueUSD float64 `json:"value_usd"`
}

// Signal 是 watch 步骤产出的市场与组合快照。
type Signal struct {
	Observations  []Observation `json:"observations"`
	TotalValueUSD float64       `json:"total_value_usd"`
	Alerts        []string      `json:"alerts,omitempty"`
	ObservedAt    int64         `json:"observed_at"`
}

// StaticWatcher 使用内置报价表生成组合快照，作为未接入行情源时的
// 默认观察者实现。
type StaticWatcher struct {
	quotes map[string]float64
}

// defaultQuotes 覆盖常见资产，仅用于演示与测试。
var defaultQuotes = map[string]float64{
	"ETH":  2500,
	"BTC":  62000,
	"USDC": 1,
	"USDT": 1,
	"DAI":  1,
	"SOL":  140,
}

// NewStaticWatcher 创建静态观察者。quotes 为空时使用内置报价表。
func NewStaticWatcher(quotes map[string]float64) *StaticWatcher {
	if len(quotes) == 0 {
		quotes = defaultQuotes
	}
	return &StaticWatcher{quotes: quotes}
}

// Observe 为每项持仓生成观察并汇总组合总值。
// 持仓自带估值时优先使用；报价缺失时给出告警。
func (w *StaticWatcher) Observe(_ context.Context, holdings []session.Holding, _ string) (*Signal, error) {
	signal := &Signal{
		Observations: make([]Observation, 0, len(holdings)),
		ObservedAt:   time.Now().Unix(),
	}

	for _, holding := range holdings {
		symbol := strings.ToUpper(strings.TrimSpace(holding.Symbol))
		obs := Observation{Symbol: symbol, Amount: holding.Amount}
		switch {
		case holding.ValueUSD > 0:
			obs.ValueUSD = holding.ValueUSD
			if holding.Amount > 0 {
				obs.PriceUSD = holding.ValueUSD / holding.Amount
			}
		default:
			price, ok := w.quotes[symbol]
			if !ok {
				signal.Alerts = append(signal.Alerts, fmt.Sprintf("缺少 %s 的报价, 估值按 0 处理", symbol))
			}
			obs.PriceUSD = price
			obs.ValueUSD = holding.Amount * price
		}
		signal.TotalValueUSD += obs.ValueUSD
		signal.Observations = append(signal.Observations, obs)
	}

	// 集中度告警：单一资产占比超过六成。
	for _, obs := range signal.Observations {
		if signal.TotalValueUSD > 0 && obs.ValueUSD/signal.TotalValueUSD > 0.6 {
			signal.Alerts = append(signal.Alerts,
				fmt.Sprintf("%s 占组合 %.0f%%, 集中度偏高", obs.Symbol, 100*obs.ValueUSD/signal.TotalValueUSD))
		}
	}
	return signal, nil
}
