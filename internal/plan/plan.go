package plan

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AdvisorChain/internal/errors"
)

// Recommendation 表示策略给出的整体建议。
type Recommendation string

const (
	RecommendHold             Recommendation = "HOLD"
	RecommendRebalance        Recommendation = "REBALANCE"
	RecommendReduceRisk       Recommendation = "REDUCE_RISK"
	RecommendIncreaseExposure Recommendation = "INCREASE_EXPOSURE"
)

// ActionType 表示单个执行动作的类型。
type ActionType string

const (
	ActionTransfer ActionType = "TRANSFER"
	ActionSwap     ActionType = "SWAP"
	ActionStake    ActionType = "STAKE"
	ActionUnstake  ActionType = "UNSTAKE"
)

// Action 描述计划中的一个具体动作，金额使用十进制字符串避免精度损失。
type Action struct {
	Type   ActionType `json:"type"`
	From   string     `json:"from"`
	To     string     `json:"to"`
	Amount string     `json:"amount"`
	Token  string     `json:"token"`
}

// Plan 是策略产出的一组动作提案。创建后不可变，替代方案与主方案是独立对象。
type Plan struct {
	PlanID            string         `json:"plan_id"`
	Recommendation    Recommendation `json:"recommendation"`
	RiskScore         int            `json:"risk_score"`
	Actions           []Action       `json:"actions"`
	Reasoning         string         `json:"reasoning"`
	WorstCaseAnalysis string         `json:"worst_case_analysis"`
	ExpiresAt         int64          `json:"expires_at"`
}

// IsValidRecommendation 检查建议是否为支持的枚举值。
func IsValidRecommendation(r Recommendation) bool {
	switch r {
	case RecommendHold, RecommendRebalance, RecommendReduceRisk, RecommendIncreaseExposure:
		return true
	default:
		return false
	}
}

// IsValidActionType 检查动作类型是否为支持的枚举值。
func IsValidActionType(t ActionType) bool {
	switch t {
	case ActionTransfer, ActionSwap, ActionStake, ActionUnstake:
		return true
	default:
		return false
	}
}

// Validate 校验计划的结构约束：风险分在 [0,100]，动作枚举合法，金额可解析且非负。
func (p *Plan) Validate() error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "计划不能为空")
	}
	if strings.TrimSpace(p.PlanID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "计划 ID 不能为空")
	}
	if !IsValidRecommendation(p.Recommendation) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的策略建议: "+string(p.Recommendation))
	}
	if p.RiskScore < 0 || p.RiskScore > 100 {
		return xerrors.New(xerrors.CodeInvalidArgument, "风险分必须在 0-100 之间")
	}
	for i := range p.Actions {
		if err := p.Actions[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate 校验单个动作。
func (a *Action) Validate() error {
	if !IsValidActionType(a.Type) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的动作类型: "+string(a.Type))
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(a.Amount))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "动作金额无法解析")
	}
	if amount.IsNegative() {
		return xerrors.New(xerrors.CodeInvalidArgument, "动作金额不能为负数")
	}
	if strings.TrimSpace(a.Token) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "动作代币不能为空")
	}
	return nil
}

// Expired 判断计划在给定时刻是否已过期。
func (p *Plan) Expired(now time.Time) bool {
	if p == nil || p.ExpiresAt == 0 {
		return false
	}
	return now.Unix() > p.ExpiresAt
}

// Clone 返回计划的深拷贝，保证外部持有者无法修改原对象。
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Actions != nil {
		clone.Actions = make([]Action, len(p.Actions))
		copy(clone.Actions, p.Actions)
	}
	return &clone
}
