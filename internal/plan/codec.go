package plan

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// canonicalPlan 是参与内容哈希的字段集合。字段顺序固定，
// 不包含 reasoning 等展示性字段，保证同一逻辑计划哈希恒等。
type canonicalPlan struct {
	PlanID         string            `json:"plan_id"`
	Recommendation Recommendation    `json:"recommendation"`
	RiskScore      int               `json:"risk_score"`
	Actions        []canonicalAction `json:"actions"`
	ExpiresAt      int64             `json:"expires_at"`
}

type canonicalAction struct {
	Type   ActionType `json:"type"`
	From   string     `json:"from"`
	To     string     `json:"to"`
	Amount string     `json:"amount"`
	Token  string     `json:"token"`
}

// Hash 计算计划的规范化内容哈希，作为审批绑定与审计事件的计划标识。
// 纯函数，无副作用，服务端在审批时会用它重新计算并比对客户端声明的哈希。
func Hash(p *Plan) string {
	if p == nil {
		return ""
	}
	canonical := canonicalPlan{
		PlanID:         p.PlanID,
		Recommendation: p.Recommendation,
		RiskScore:      p.RiskScore,
		Actions:        make([]canonicalAction, 0, len(p.Actions)),
		ExpiresAt:      p.ExpiresAt,
	}
	for _, action := range p.Actions {
		canonical.Actions = append(canonical.Actions, canonicalAction(action))
	}
	encoded, err := json.Marshal(canonical)
	if err != nil {
		// canonicalPlan 只包含可序列化字段，这里不可达。
		panic(fmt.Sprintf("序列化规范化计划失败: %v", err))
	}
	return crypto.Keccak256Hash(encoded).Hex()
}

// HashPayload 计算任意结构化负载的内容哈希，供审计事件使用。
// map 键在序列化时按字典序输出，保证确定性。
func HashPayload(payload any) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("序列化负载失败: %w", err)
	}
	return crypto.Keccak256Hash(encoded).Hex(), nil
}
