package session

import (
	"AdvisorChain/internal/plan"
	"AdvisorChain/internal/workflow"
)

// Holding 表示用户持仓中的一项资产。
type Holding struct {
	Symbol   string  `json:"symbol"`
	Amount   float64 `json:"amount"`
	ValueUSD float64 `json:"value_usd,omitempty"`
}

// RoleIdentities 保存会话三个流水线角色的外部身份句柄。
type RoleIdentities struct {
	Observer string `json:"observer"`
	Planner  string `json:"planner"`
	Executor string `json:"executor"`
}

// Session 是一次用户发起的工作流实例。工作流状态机的位置持久化在
// WorkflowState 字段上，每次操作从这里恢复并写回。
// 会话不会被自动删除，保留用于审计与回放。
type Session struct {
	SessionID        string          `json:"session_id"`
	Goal             string          `json:"goal"`
	Holdings         []Holding       `json:"holdings"`
	RiskPreference   int             `json:"risk_preference,omitempty"`
	WalletAddress    string          `json:"wallet_address,omitempty"`
	AgentIdentities  RoleIdentities  `json:"agent_identities"`
	WorkflowState    workflow.State  `json:"workflow_state"`
	CurrentPlan      *plan.Plan      `json:"current_plan,omitempty"`
	AlternatePlans   []*plan.Plan    `json:"alternate_plans,omitempty"`
	ApprovedPlanHash string          `json:"approved_plan_hash,omitempty"`
	Signature        string          `json:"signature,omitempty"`
	SignerAddress    string          `json:"signer_address,omitempty"`
	ExecutionTxID    string          `json:"execution_tx_id,omitempty"`
	LastAuditTxID    string          `json:"last_audit_tx_id,omitempty"`
	CreatedAt        int64           `json:"created_at"`
	UpdatedAt        int64           `json:"updated_at"`
}

// Clone 返回会话的深拷贝，调用方拿到的对象与存储解耦。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Holdings != nil {
		clone.Holdings = make([]Holding, len(s.Holdings))
		copy(clone.Holdings, s.Holdings)
	}
	clone.CurrentPlan = s.CurrentPlan.Clone()
	if s.AlternatePlans != nil {
		clone.AlternatePlans = make([]*plan.Plan, 0, len(s.AlternatePlans))
		for _, alt := range s.AlternatePlans {
			clone.AlternatePlans = append(clone.AlternatePlans, alt.Clone())
		}
	}
	return &clone
}
