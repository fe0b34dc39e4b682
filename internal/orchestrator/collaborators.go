package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"AdvisorChain/internal/plan"
	"AdvisorChain/internal/session"
	"AdvisorChain/internal/watch"
)

// Watcher 抽象 watch 步骤：读取市场与组合快照。
type Watcher interface {
	Observe(ctx context.Context, holdings []session.Holding, goal string) (*watch.Signal, error)
}

// Strategist 抽象 propose 步骤：由信号合成主方案与替代方案。
// 风险打分的启发式规则对编排器是黑盒。
type Strategist interface {
	Propose(ctx context.Context, signal *watch.Signal, goal string, riskPreference int) (*plan.Plan, []*plan.Plan, error)
}

// ExecutionStep 是执行器完成的单个动作结果。
type ExecutionStep struct {
	Action plan.Action `json:"action"`
	TxID   string      `json:"tx_id"`
	Status string      `json:"status"`
}

// ExecutionResult 汇总一次计划执行。
type ExecutionResult struct {
	ExecutionTxID string          `json:"execution_tx_id"`
	Steps         []ExecutionStep `json:"steps"`
}

// Executor 抽象计划执行能力。动作一旦发出, 编排器不负责重试或回滚。
type Executor interface {
	Execute(ctx context.Context, p *plan.Plan, approvedPlanHash, signature string) (*ExecutionResult, error)
}

// DryRunExecutor 是默认执行器：校验动作后模拟逐步执行,
// 返回内容寻址的执行交易号, 不触达任何外部系统。
type DryRunExecutor struct{}

// NewDryRunExecutor 创建模拟执行器。
func NewDryRunExecutor() *DryRunExecutor {
	return &DryRunExecutor{}
}

// Execute 模拟执行计划中的全部动作。
func (e *DryRunExecutor) Execute(_ context.Context, p *plan.Plan, approvedPlanHash, _ string) (*ExecutionResult, error) {
	if p == nil {
		return nil, fmt.Errorf("计划不能为空")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	steps := make([]ExecutionStep, 0, len(p.Actions))
	for i, action := range p.Actions {
		stepID := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s:%d:%d", approvedPlanHash, i, time.Now().UnixNano())))
		steps = append(steps, ExecutionStep{
			Action: action,
			TxID:   "dryrun:" + stepID.Hex(),
			Status: "SIMULATED",
		})
	}

	execID := crypto.Keccak256Hash([]byte(approvedPlanHash + ":execution"))
	return &ExecutionResult{
		ExecutionTxID: "dryrun:" + execID.Hex(),
		Steps:         steps,
	}, nil
}
