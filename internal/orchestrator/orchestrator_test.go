package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"AdvisorChain/internal/approval"
	"AdvisorChain/internal/audit"
	"AdvisorChain/internal/bookkeeping"
	xerrors "AdvisorChain/internal/errors"
	"AdvisorChain/internal/plan"
	"AdvisorChain/internal/schedule"
	"AdvisorChain/internal/session"
	"AdvisorChain/internal/storage"
	"AdvisorChain/internal/strategist"
	"AdvisorChain/internal/watch"
	"AdvisorChain/internal/workflow"
)

type failingWatcher struct{}

func (failingWatcher) Observe(context.Context, []session.Holding, string) (*watch.Signal, error) {
	return nil, errors.New("市场数据源不可用")
}

type failingExecutor struct{}

func (failingExecutor) Execute(context.Context, *plan.Plan, string, string) (*ExecutionResult, error) {
	return nil, errors.New("执行通道中断")
}

func newTestOrchestrator(t *testing.T, mutate func(*Config)) *Orchestrator {
	t.Helper()
	store, err := session.NewStore("")
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}
	cfg := Config{
		Store:      store,
		Events:     audit.NewLog(nil),
		Verifier:   approval.NewVerifier(1),
		Watcher:    watch.NewStaticWatcher(nil),
		Strategist: strategist.New(),
		Executor:   NewDryRunExecutor(),
		Uploader:   storage.NewContentHashUploader(),
		Receipts:   bookkeeping.NewMemoryPublisher(16),
		Tracker:    schedule.NewTracker(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	orch, err := New(cfg)
	if err != nil {
		t.Fatalf("创建编排器失败: %v", err)
	}
	return orch
}

func startSession(t *testing.T, orch *Orchestrator) *session.Session {
	t.Helper()
	sess, err := orch.Start(context.Background(), "稳健增值", []session.Holding{
		{Symbol: "ETH", Amount: 10, ValueUSD: 25000},
		{Symbol: "USDC", Amount: 1000, ValueUSD: 1000},
	}, 30, "0xabc0000000000000000000000000000000000abc")
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}
	return sess
}

func demoRecord(result *RunResult) approval.Record {
	return approval.Record{
		PlanID:        result.Plan.PlanID,
		PlanHash:      result.PlanHash,
		Signature:     approval.DemoSignaturePrefix,
		SignerAddress: approval.ZeroIdentity,
	}
}

func TestStartCreatesIdleSessionWithIdentities(t *testing.T) {
	orch := newTestOrchestrator(t, nil)
	sess := startSession(t, orch)

	if sess.SessionID == "" {
		t.Fatalf("会话 ID 不能为空")
	}
	if sess.WorkflowState != workflow.StateIdle {
		t.Fatalf("新会话应处于 IDLE: %s", sess.WorkflowState)
	}
	if sess.AgentIdentities.Observer == "" || sess.AgentIdentities.Planner == "" || sess.AgentIdentities.Executor == "" {
		t.Fatalf("三个角色身份都应被铸造: %+v", sess.AgentIdentities)
	}
	if sess.LastAuditTxID == "" {
		t.Fatalf("创建会话应留下审计交易号")
	}
}

func TestStartRejectsEmptyGoal(t *testing.T) {
	orch := newTestOrchestrator(t, nil)
	if _, err := orch.Start(context.Background(), "  ", nil, 0, ""); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("空目标应返回 INVALID_ARGUMENT: %v", err)
	}
}

func TestRunProducesPlanAwaitingApproval(t *testing.T) {
	orch := newTestOrchestrator(t, nil)
	sess := startSession(t, orch)

	result, err := orch.Run(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("run 失败: %v", err)
	}
	if result.State != workflow.StateAwaitingApproval {
		t.Fatalf("run 应推进到 AWAITING_APPROVAL: %s", result.State)
	}
	if result.Plan == nil || result.PlanHash == "" {
		t.Fatalf("run 应产出计划与哈希")
	}
	if result.Plan.RiskScore < 0 || result.Plan.RiskScore > 100 {
		t.Fatalf("风险分越界: %d", result.Plan.RiskScore)
	}
	if result.PlanHash != plan.Hash(result.Plan) {
		t.Fatalf("返回的哈希必须与计划内容一致")
	}

	stored, err := orch.Get(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("读取会话失败: %v", err)
	}
	if stored.WorkflowState != workflow.StateAwaitingApproval {
		t.Fatalf("会话状态应持久化为 AWAITING_APPROVAL: %s", stored.WorkflowState)
	}
	if stored.CurrentPlan == nil || stored.CurrentPlan.PlanID != result.Plan.PlanID {
		t.Fatalf("当前计划未持久化")
	}
}

func TestRunEmitsOrderedAuditEvents(t *testing.T) {
	events := audit.NewLog(nil)
	orch := newTestOrchestrator(t, func(cfg *Config) { cfg.Events = events })
	sess := startSession(t, orch)

	if _, err := orch.Run(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("run 失败: %v", err)
	}

	recent := events.Recent(0)
	// Recent 最新在前, 倒序即程序顺序。
	var types []audit.EventType
	for i := len(recent) - 1; i >= 0; i-- {
		types = append(types, recent[i].Type)
	}
	want := []audit.EventType{audit.EventWatch, audit.EventWatch, audit.EventPropose, audit.EventApprovalRequest}
	if len(types) != len(want) {
		t.Fatalf("事件数量不符: %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("事件顺序错误: 第 %d 个是 %s, 期望 %s", i, types[i], want[i])
		}
	}
	// 同一会话的事件哈希链连续。
	for i := len(recent) - 2; i >= 0; i-- {
		if recent[i].PrevHash != recent[i+1].PayloadHash {
			t.Fatalf("哈希链断裂于事件 %s", recent[i].ID)
		}
	}
}

func TestRunUnknownSession(t *testing.T) {
	orch := newTestOrchestrator(t, nil)
	if _, err := orch.Run(context.Background(), "missing"); !xerrors.HasCode(err, xerrors.CodeSessionNotFound) {
		t.Fatalf("未知会话应返回 SESSION_NOT_FOUND: %v", err)
	}
}

func TestRunWatchFailureReturnsToIdle(t *testing.T) {
	events := audit.NewLog(nil)
	orch := newTestOrchestrator(t, func(cfg *Config) {
		cfg.Events = events
		cfg.Watcher = failingWatcher{}
	})
	sess := startSession(t, orch)

	result, err := orch.Run(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("工作流失败不应作为 error 返回: %v", err)
	}
	if result.State != workflow.StateIdle || result.Error == "" {
		t.Fatalf("watch 失败应回到 IDLE 并带错误消息: %+v", result)
	}

	stored, _ := orch.Get(context.Background(), sess.SessionID)
	if stored.WorkflowState != workflow.StateIdle {
		t.Fatalf("失败后会话应持久化为 IDLE: %s", stored.WorkflowState)
	}

	var sawError bool
	for _, event := range events.Recent(0) {
		if event.Type == audit.EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("工作流失败应发出 ERROR 事件")
	}
}

func TestApproveDemoSignatureExecutesPlan(t *testing.T) {
	receipts := bookkeeping.NewMemoryPublisher(16)
	tracker := schedule.NewTracker()
	orch := newTestOrchestrator(t, func(cfg *Config) {
		cfg.Receipts = receipts
		cfg.Tracker = tracker
	})
	sess := startSession(t, orch)
	result, err := orch.Run(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("run 失败: %v", err)
	}

	approveResult, err := orch.Approve(context.Background(), sess.SessionID, demoRecord(result))
	if err != nil {
		t.Fatalf("演示签名审批失败: %v", err)
	}
	if !approveResult.Success {
		t.Fatalf("审批应成功")
	}
	if !strings.HasPrefix(approveResult.ExecutionTxID, "dryrun:") {
		t.Fatalf("模拟执行交易号格式不对: %s", approveResult.ExecutionTxID)
	}

	stored, _ := orch.Get(context.Background(), sess.SessionID)
	if stored.WorkflowState != workflow.StateExecuted {
		t.Fatalf("审批执行后应处于 EXECUTED: %s", stored.WorkflowState)
	}
	if stored.ApprovedPlanHash != result.PlanHash {
		t.Fatalf("应记录审批通过的计划哈希")
	}
	if stored.CurrentPlan != nil {
		t.Fatalf("执行完成后应清除在途计划")
	}
	if stored.SignerAddress != approval.ZeroIdentity {
		t.Fatalf("应记录签名者地址: %s", stored.SignerAddress)
	}
}

func TestApproveHashMismatchLeavesSessionUntouched(t *testing.T) {
	orch := newTestOrchestrator(t, nil)
	sess := startSession(t, orch)
	result, err := orch.Run(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("run 失败: %v", err)
	}

	rec := demoRecord(result)
	rec.PlanHash = "0x" + strings.Repeat("ab", 32)
	_, err = orch.Approve(context.Background(), sess.SessionID, rec)
	if !xerrors.HasCode(err, xerrors.CodeHashMismatch) {
		t.Fatalf("篡改哈希应返回 HASH_MISMATCH: %v", err)
	}

	stored, _ := orch.Get(context.Background(), sess.SessionID)
	if stored.WorkflowState != workflow.StateAwaitingApproval {
		t.Fatalf("校验失败不应改变会话状态: %s", stored.WorkflowState)
	}
	if stored.ApprovedPlanHash != "" {
		t.Fatalf("校验失败不应记录审批哈希")
	}
	if stored.CurrentPlan == nil {
		t.Fatalf("校验失败不应丢弃在途计划")
	}
}

func TestApproveTwiceIsRejected(t *testing.T) {
	orch := newTestOrchestrator(t, nil)
	sess := startSession(t, orch)
	result, err := orch.Run(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("run 失败: %v", err)
	}

	if _, err := orch.Approve(context.Background(), sess.SessionID, demoRecord(result)); err != nil {
		t.Fatalf("首次审批失败: %v", err)
	}
	_, err = orch.Approve(context.Background(), sess.SessionID, demoRecord(result))
	if !xerrors.HasCode(err, xerrors.CodeAlreadyApproved) {
		t.Fatalf("重复审批应返回 ALREADY_APPROVED: %v", err)
	}
}

func TestApproveWithoutPlan(t *testing.T) {
	orch := newTestOrchestrator(t, nil)
	sess := startSession(t, orch)

	_, err := orch.Approve(context.Background(), sess.SessionID, approval.Record{
		Signature:     approval.DemoSignaturePrefix,
		SignerAddress: approval.ZeroIdentity,
	})
	if !xerrors.HasCode(err, xerrors.CodeNoPlanToApprove) {
		t.Fatalf("没有在途计划应返回 NO_PLAN_TO_APPROVE: %v", err)
	}
}

func TestApproveExecutorFailureKeepsExecutingState(t *testing.T) {
	events := audit.NewLog(nil)
	orch := newTestOrchestrator(t, func(cfg *Config) {
		cfg.Events = events
		cfg.Executor = failingExecutor{}
	})
	sess := startSession(t, orch)
	result, err := orch.Run(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("run 失败: %v", err)
	}

	_, err = orch.Approve(context.Background(), sess.SessionID, demoRecord(result))
	if !xerrors.HasCode(err, xerrors.CodeExecutorFailure) {
		t.Fatalf("执行失败应返回 EXECUTOR_FAILURE: %v", err)
	}

	stored, _ := orch.Get(context.Background(), sess.SessionID)
	if stored.WorkflowState != workflow.StateExecuting {
		t.Fatalf("部分失败不回滚, 会话应停留在 EXECUTING: %s", stored.WorkflowState)
	}

	var sawError bool
	for _, event := range events.Recent(0) {
		if event.Type == audit.EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("执行失败应发出 ERROR 事件")
	}
}

func TestRejectWithoutPlanIsSoftSuccess(t *testing.T) {
	events := audit.NewLog(nil)
	orch := newTestOrchestrator(t, func(cfg *Config) { cfg.Events = events })
	sess := startSession(t, orch)

	result, err := orch.Reject(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("reject 失败: %v", err)
	}
	if !result.Success {
		t.Fatalf("没有在途计划的 reject 应软成功")
	}
	for _, event := range events.Recent(0) {
		if event.Type == audit.EventError || event.Type == audit.EventRejected {
			t.Fatalf("无计划的 reject 不应发出 %s 事件", event.Type)
		}
	}
}

func TestRejectDiscardsPendingPlan(t *testing.T) {
	events := audit.NewLog(nil)
	orch := newTestOrchestrator(t, func(cfg *Config) { cfg.Events = events })
	sess := startSession(t, orch)
	if _, err := orch.Run(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("run 失败: %v", err)
	}

	result, err := orch.Reject(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("reject 失败: %v", err)
	}
	if !result.Success {
		t.Fatalf("reject 应成功")
	}

	stored, _ := orch.Get(context.Background(), sess.SessionID)
	if stored.WorkflowState != workflow.StateRejected {
		t.Fatalf("拒绝后应处于 REJECTED: %s", stored.WorkflowState)
	}
	if stored.CurrentPlan != nil {
		t.Fatalf("拒绝后应丢弃在途计划")
	}

	var sawRejected bool
	for _, event := range events.Recent(0) {
		if event.Type == audit.EventRejected {
			sawRejected = true
		}
	}
	if !sawRejected {
		t.Fatalf("拒绝在途计划应发出 REJECTED 事件")
	}
}

func TestRejectUnknownSession(t *testing.T) {
	orch := newTestOrchestrator(t, nil)
	result, err := orch.Reject(context.Background(), "missing")
	if err != nil {
		t.Fatalf("未知会话的 reject 不应报错: %v", err)
	}
	if result.Success {
		t.Fatalf("未知会话的 reject 应返回失败标记")
	}
}

func TestSecondRunSupersedesPendingPlan(t *testing.T) {
	orch := newTestOrchestrator(t, nil)
	sess := startSession(t, orch)

	first, err := orch.Run(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("首次 run 失败: %v", err)
	}
	second, err := orch.Run(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("二次 run 失败: %v", err)
	}
	if first.Plan.PlanID == second.Plan.PlanID {
		t.Fatalf("两次 run 应产生不同的计划 ID")
	}
	if second.State != workflow.StateAwaitingApproval {
		t.Fatalf("二次 run 应重新等待审批: %s", second.State)
	}

	stored, _ := orch.Get(context.Background(), sess.SessionID)
	if stored.CurrentPlan.PlanID != second.Plan.PlanID {
		t.Fatalf("在途计划应被新方案取代")
	}
	// 旧方案已被取代, 它的审批不再可行。
	_, err = orch.Approve(context.Background(), sess.SessionID, demoRecord(first))
	if !xerrors.HasCode(err, xerrors.CodeHashMismatch) {
		t.Fatalf("对被取代方案的审批应返回 HASH_MISMATCH: %v", err)
	}
}

func TestRunAfterExecutionStartsFreshCycle(t *testing.T) {
	orch := newTestOrchestrator(t, nil)
	sess := startSession(t, orch)

	result, err := orch.Run(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("run 失败: %v", err)
	}
	if _, err := orch.Approve(context.Background(), sess.SessionID, demoRecord(result)); err != nil {
		t.Fatalf("审批失败: %v", err)
	}

	again, err := orch.Run(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("执行完成后应允许新一轮 run: %v", err)
	}
	if again.State != workflow.StateAwaitingApproval {
		t.Fatalf("新一轮 run 应推进到 AWAITING_APPROVAL: %s", again.State)
	}
}
