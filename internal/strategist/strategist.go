package strategist

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"AdvisorChain/internal/plan"
	"AdvisorChain/internal/watch"
)

// DefaultPlanTTL 是计划从提出到过期的默认窗口。
const DefaultPlanTTL = 15 * time.Minute

const stableToken = "USDC"

// RuleStrategist 是基于规则的默认策略器：按集中度与用户风险偏好打分，
// 产出一个主方案与至多两个替代方案。所有方案创建后不可变。
type RuleStrategist struct {
	planTTL time.Duration
}

// Option 定义可选配置。
type Option func(*RuleStrategist)

// WithPlanTTL 覆盖计划有效期。
func WithPlanTTL(ttl time.Duration) Option {
	return func(s *RuleStrategist) {
		if ttl > 0 {
			s.planTTL = ttl
		}
	}
}

// New 创建规则策略器。
func New(opts ...Option) *RuleStrategist {
	s := &RuleStrategist{planTTL: DefaultPlanTTL}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Propose 根据观察信号合成主方案与替代方案。
func (s *RuleStrategist) Propose(_ context.Context, signal *watch.Signal, goal string, riskPreference int) (*plan.Plan, []*plan.Plan, error) {
	if signal == nil {
		signal = &watch.Signal{}
	}
	expiresAt := time.Now().Add(s.planTTL).Unix()
	riskScore := scoreRisk(signal, riskPreference)

	primary := s.buildPrimary(signal, goal, riskPreference, riskScore, expiresAt)
	if err := primary.Validate(); err != nil {
		return nil, nil, err
	}

	alternates := s.buildAlternates(primary, signal, riskScore, expiresAt)
	for _, alt := range alternates {
		if err := alt.Validate(); err != nil {
			return nil, nil, err
		}
	}
	return primary, alternates, nil
}

// scoreRisk 计算 0-100 的组合风险分：集中度为主，告警与偏好修正。
func scoreRisk(signal *watch.Signal, riskPreference int) int {
	if signal.TotalValueUSD <= 0 {
		return 0
	}
	maxShare := 0.0
	stableShare := 0.0
	for _, obs := range signal.Observations {
		share := obs.ValueUSD / signal.TotalValueUSD
		if share > maxShare {
			maxShare = share
		}
		if obs.Symbol == stableToken || obs.Symbol == "USDT" || obs.Symbol == "DAI" {
			stableShare += share
		}
	}

	score := int(maxShare*70) + len(signal.Alerts)*5
	score -= int(stableShare * 30)
	if riskPreference > 0 {
		// 偏好越高，对同样的组合越宽容。
		score -= (riskPreference - 50) / 5
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func (s *RuleStrategist) buildPrimary(signal *watch.Signal, goal string, riskPreference, riskScore int, expiresAt int64) *plan.Plan {
	p := &plan.Plan{
		PlanID:    uuid.NewString(),
		RiskScore: riskScore,
		ExpiresAt: expiresAt,
	}

	// 空组合或零估值组合只能建议持有。
	if signal.TotalValueUSD <= 0 || len(signal.Observations) == 0 {
		p.Recommendation = plan.RecommendHold
		p.Reasoning = "组合估值为零或无持仓, 暂无可执行动作"
		p.WorstCaseAnalysis = "无持仓敞口, 最坏情况下无损失"
		return p
	}

	largest := signal.Observations[0]
	for _, obs := range signal.Observations {
		if obs.ValueUSD > largest.ValueUSD {
			largest = obs
		}
	}

	switch {
	case riskScore >= 70:
		p.Recommendation = plan.RecommendReduceRisk
		p.Actions = []plan.Action{swapAction(largest, 0.5, stableToken)}
		p.Reasoning = fmt.Sprintf("风险分 %d 偏高, 建议将 %s 的一半换成稳定币", riskScore, largest.Symbol)
		p.WorstCaseAnalysis = fmt.Sprintf("若 %s 下跌 30%%, 调整后组合回撤约 %.0f%%",
			largest.Symbol, 15*largest.ValueUSD/signal.TotalValueUSD)
	case riskScore >= 45:
		p.Recommendation = plan.RecommendRebalance
		p.Actions = []plan.Action{swapAction(largest, 0.25, stableToken)}
		p.Reasoning = fmt.Sprintf("目标「%s」下组合集中度偏高, 建议部分再平衡", goal)
		p.WorstCaseAnalysis = fmt.Sprintf("最大单一资产 %s 回撤 30%% 时, 组合约损失 %.0f%%",
			largest.Symbol, 22*largest.ValueUSD/signal.TotalValueUSD)
	case riskPreference >= 70 && riskScore < 30:
		p.Recommendation = plan.RecommendIncreaseExposure
		p.Actions = []plan.Action{
			{Type: plan.ActionSwap, From: stableToken, To: "ETH",
				Amount: amountString(signal.TotalValueUSD * 0.1), Token: stableToken},
		}
		p.Reasoning = "风险偏好高且当前组合保守, 建议小幅增加风险敞口"
		p.WorstCaseAnalysis = "新增敞口全部归零时损失约为组合的 10%"
	default:
		p.Recommendation = plan.RecommendHold
		p.Reasoning = "组合结构与目标匹配, 建议维持现状"
		p.WorstCaseAnalysis = "市场整体回撤 30% 时组合同步回撤"
	}
	return p
}

// buildAlternates 生成替代方案：一个保守的 HOLD 与一个与主方案不同的调整方案。
// 替代方案是独立对象, 在被显式提升前不参与审批。
func (s *RuleStrategist) buildAlternates(primary *plan.Plan, signal *watch.Signal, riskScore int, expiresAt int64) []*plan.Plan {
	var alternates []*plan.Plan

	if primary.Recommendation != plan.RecommendHold {
		alternates = append(alternates, &plan.Plan{
			PlanID:            uuid.NewString(),
			Recommendation:    plan.RecommendHold,
			RiskScore:         riskScore,
			Reasoning:         "不调整, 接受当前风险水平",
			WorstCaseAnalysis: "维持现有敞口, 回撤与市场同步",
			ExpiresAt:         expiresAt,
		})
	}

	if primary.Recommendation != plan.RecommendReduceRisk && signal.TotalValueUSD > 0 && len(signal.Observations) > 0 {
		largest := signal.Observations[0]
		for _, obs := range signal.Observations {
			if obs.ValueUSD > largest.ValueUSD {
				largest = obs
			}
		}
		if largest.Symbol != stableToken {
			alternates = append(alternates, &plan.Plan{
				PlanID:            uuid.NewString(),
				Recommendation:    plan.RecommendReduceRisk,
				RiskScore:         riskScore,
				Actions:           []plan.Action{swapAction(largest, 0.75, stableToken)},
				Reasoning:         "更激进的降风险方案: 大幅换入稳定币",
				WorstCaseAnalysis: "踏空上涨行情, 但下行风险显著降低",
				ExpiresAt:         expiresAt,
			})
		}
	}
	return alternates
}

func swapAction(obs watch.Observation, fraction float64, to string) plan.Action {
	return plan.Action{
		Type:   plan.ActionSwap,
		From:   obs.Symbol,
		To:     to,
		Amount: amountString(obs.Amount * fraction),
		Token:  obs.Symbol,
	}
}

// amountString 将浮点数量转为十进制字符串, 保留六位小数。
func amountString(v float64) string {
	return decimal.NewFromFloat(v).Round(6).String()
}
