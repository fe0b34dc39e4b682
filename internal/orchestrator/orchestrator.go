package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"AdvisorChain/internal/approval"
	"AdvisorChain/internal/audit"
	"AdvisorChain/internal/bookkeeping"
	xerrors "AdvisorChain/internal/errors"
	"AdvisorChain/internal/identity"
	"AdvisorChain/internal/plan"
	"AdvisorChain/internal/schedule"
	"AdvisorChain/internal/session"
	"AdvisorChain/internal/storage"
	"AdvisorChain/internal/workflow"
	"AdvisorChain/pkg/logger"
)

// 三个流水线角色的标识, 用于标注审计事件的来源。
const (
	roleObserver = "observer"
	rolePlanner  = "planner"
	roleExecutor = "executor"
)

// Orchestrator 把计划编码、审批校验、状态机、审计日志与调度跟踪
// 组合成完整的会话生命周期：start、run、approve、reject。
// 同一会话上的操作由按键互斥锁串行化, 不同会话互不竞争。
type Orchestrator struct {
	store      *session.Store
	events     *audit.Log
	verifier   *approval.Verifier
	minter     identity.Minter
	watcher    Watcher
	strategist Strategist
	executor   Executor
	uploader   storage.Uploader
	receipts   bookkeeping.Publisher
	tracker    *schedule.Tracker
	archive    session.Archive
	log        *slog.Logger

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// Config 聚合编排器的全部依赖。Store/Events/Verifier/Watcher/Strategist/
// Executor 为必填, 其余可为 nil（对应能力退化为 no-op）。
type Config struct {
	Store      *session.Store
	Events     *audit.Log
	Verifier   *approval.Verifier
	Minter     identity.Minter
	Watcher    Watcher
	Strategist Strategist
	Executor   Executor
	Uploader   storage.Uploader
	Receipts   bookkeeping.Publisher
	Tracker    *schedule.Tracker
	Archive    session.Archive
}

// New 创建编排器。
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Events == nil || cfg.Verifier == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少存储/审计/校验依赖")
	}
	if cfg.Watcher == nil || cfg.Strategist == nil || cfg.Executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少流水线协作者")
	}
	minter := cfg.Minter
	if minter == nil {
		minter = identity.NewDeterministicMinter()
	}
	return &Orchestrator{
		store:      cfg.Store,
		events:     cfg.Events,
		verifier:   cfg.Verifier,
		minter:     minter,
		watcher:    cfg.Watcher,
		strategist: cfg.Strategist,
		executor:   cfg.Executor,
		uploader:   cfg.Uploader,
		receipts:   cfg.Receipts,
		tracker:    cfg.Tracker,
		archive:    cfg.Archive,
		log:        logger.Named("orchestrator"),
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// RunResult 是 run 操作的返回结构。工作流内部失败不作为 error 返回,
// 而是带着 IDLE 状态与错误消息, 会话本身保持可用。
type RunResult struct {
	State          workflow.State `json:"state"`
	Plan           *plan.Plan     `json:"plan,omitempty"`
	PlanHash       string         `json:"plan_hash,omitempty"`
	AlternatePlans []*plan.Plan   `json:"alternate_plans,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// ApproveResult 是 approve 操作的返回结构。
type ApproveResult struct {
	Success       bool   `json:"success"`
	ExecutionTxID string `json:"execution_tx_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// RejectResult 是 reject 操作的返回结构。
type RejectResult struct {
	Success bool `json:"success"`
}

// Start 创建会话：分配 ID、铸造角色身份、持久化并发出 WATCH 意向事件。
// 此时状态机停留在 IDLE, 推进发生在 run 内。
func (o *Orchestrator) Start(ctx context.Context, goal string, holdings []session.Holding, riskPreference int, walletAddress string) (*session.Session, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "目标不能为空")
	}

	sessionID := uuid.NewString()
	sess := &session.Session{
		SessionID:      sessionID,
		Goal:           goal,
		Holdings:       holdings,
		RiskPreference: riskPreference,
		WalletAddress:  walletAddress,
		WorkflowState:  workflow.StateIdle,
		CreatedAt:      time.Now().Unix(),
	}

	// 身份铸造失败降级为确定性句柄, 不阻塞会话创建。
	roles, err := o.minter.Mint(ctx, sessionID)
	if err != nil {
		o.log.Warn("身份铸造失败, 使用确定性句柄",
			slog.Any("error", err), slog.String("session_id", sessionID))
		roles, _ = identity.NewDeterministicMinter().Mint(ctx, sessionID)
	}
	sess.AgentIdentities = session.RoleIdentities{
		Observer: roles.Observer,
		Planner:  roles.Planner,
		Executor: roles.Executor,
	}

	if err := o.store.Put(ctx, sess); err != nil {
		return nil, err
	}

	event, err := o.events.Append(ctx, audit.Entry{
		Type:         audit.EventWatch,
		SessionID:    sessionID,
		RoleID:       roleObserver,
		RoleIdentity: sess.AgentIdentities.Observer,
		Payload: map[string]any{
			"phase":    "intent",
			"goal":     goal,
			"holdings": len(holdings),
		},
	})
	if err == nil {
		sess.LastAuditTxID = event.LedgerTxID
		_ = o.store.Put(ctx, sess)
	}
	return sess.Clone(), nil
}

// Get 返回指定会话。
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, ok := o.store.Get(ctx, sessionID)
	if !ok {
		return nil, xerrors.New(xerrors.CodeSessionNotFound, "")
	}
	return sess, nil
}

// Run 驱动 watch -> propose 流水线, 将会话推进到 AWAITING_APPROVAL。
// 带着未审批方案重复调用时, 旧方案被新方案取代。
func (o *Orchestrator) Run(ctx context.Context, sessionID string) (*RunResult, error) {
	unlock := o.lockSession(sessionID)
	defer unlock()

	sess, ok := o.store.Get(ctx, sessionID)
	if !ok {
		return nil, xerrors.New(xerrors.CodeSessionNotFound, "")
	}

	machine, err := workflow.Restore(sess.WorkflowState)
	if err != nil {
		return nil, err
	}

	// 推进到 WATCHING。带着未审批计划重入时, 旧计划被取代,
	// 通过管理性 Reset 回到 IDLE 再进入 WATCHING。
	switch machine.Current() {
	case workflow.StateWatching:
		// 上次 run 中断在 WATCHING, 直接继续。
	case workflow.StateProposed, workflow.StateAwaitingApproval:
		machine.Reset()
		if err := machine.Transition(workflow.StateWatching); err != nil {
			return nil, err
		}
	default:
		if err := machine.Transition(workflow.StateWatching); err != nil {
			return nil, err
		}
	}
	sess.WorkflowState = machine.Current()
	sess.CurrentPlan = nil
	sess.AlternatePlans = nil
	// 新一轮提案, 上一轮的审批记录不再适用。
	sess.ApprovedPlanHash = ""
	sess.Signature = ""
	sess.SignerAddress = ""

	// watch 步骤。失败对本次调用是致命的：发 ERROR 事件并回到 IDLE,
	// 会话不会卡在中间状态。
	signal, err := o.watcher.Observe(ctx, sess.Holdings, sess.Goal)
	if err != nil {
		return o.failRun(ctx, sess, machine, roleObserver, err)
	}

	watchEvent, err := o.events.Append(ctx, audit.Entry{
		Type:         audit.EventWatch,
		SessionID:    sess.SessionID,
		RoleID:       roleObserver,
		RoleIdentity: sess.AgentIdentities.Observer,
		Payload: map[string]any{
			"total_value_usd": signal.TotalValueUSD,
			"observations":    len(signal.Observations),
			"alerts":          signal.Alerts,
		},
	})
	if err != nil {
		return o.failRun(ctx, sess, machine, roleObserver, err)
	}
	sess.LastAuditTxID = watchEvent.LedgerTxID

	if err := machine.Transition(workflow.StateProposed); err != nil {
		return nil, err
	}
	sess.WorkflowState = machine.Current()

	// propose 步骤。
	primary, alternates, err := o.strategist.Propose(ctx, signal, sess.Goal, sess.RiskPreference)
	if err != nil {
		return o.failRun(ctx, sess, machine, rolePlanner, err)
	}
	planHash := plan.Hash(primary)

	sess.CurrentPlan = primary
	sess.AlternatePlans = alternates

	if err := machine.Transition(workflow.StateAwaitingApproval); err != nil {
		return nil, err
	}
	sess.WorkflowState = machine.Current()

	// PROPOSE 与 APPROVAL_REQUEST 按程序顺序同步发布。
	proposeEvent, err := o.events.Append(ctx, audit.Entry{
		Type:         audit.EventPropose,
		SessionID:    sess.SessionID,
		PlanID:       primary.PlanID,
		RoleID:       rolePlanner,
		RoleIdentity: sess.AgentIdentities.Planner,
		Payload: map[string]any{
			"plan_hash":      planHash,
			"recommendation": primary.Recommendation,
			"risk_score":     primary.RiskScore,
			"actions":        len(primary.Actions),
			"alternates":     len(alternates),
		},
	})
	if err != nil {
		return o.failRun(ctx, sess, machine, rolePlanner, err)
	}
	sess.LastAuditTxID = proposeEvent.LedgerTxID

	requestEvent, err := o.events.Append(ctx, audit.Entry{
		Type:         audit.EventApprovalRequest,
		SessionID:    sess.SessionID,
		PlanID:       primary.PlanID,
		RoleID:       rolePlanner,
		RoleIdentity: sess.AgentIdentities.Planner,
		Payload: map[string]any{
			"plan_hash":  planHash,
			"expires_at": primary.ExpiresAt,
		},
	})
	if err != nil {
		return o.failRun(ctx, sess, machine, rolePlanner, err)
	}
	sess.LastAuditTxID = requestEvent.LedgerTxID

	if err := o.store.Put(ctx, sess); err != nil {
		return nil, err
	}

	return &RunResult{
		State:          machine.Current(),
		Plan:           primary.Clone(),
		PlanHash:       planHash,
		AlternatePlans: alternates,
	}, nil
}

// failRun 统一处理 run 中的工作流失败：发 ERROR 事件, 丢弃在途计划,
// 会话回到 IDLE 并返回错误消息。
func (o *Orchestrator) failRun(ctx context.Context, sess *session.Session, machine *workflow.Machine, roleID string, cause error) (*RunResult, error) {
	_, appendErr := o.events.Append(ctx, audit.Entry{
		Type:      audit.EventError,
		SessionID: sess.SessionID,
		RoleID:    roleID,
		Payload:   map[string]any{"error": cause.Error()},
	})
	if appendErr != nil {
		o.log.Error("ERROR 事件发布失败", slog.Any("error", appendErr))
	}

	machine.Reset()
	sess.WorkflowState = machine.Current()
	sess.CurrentPlan = nil
	sess.AlternatePlans = nil
	if err := o.store.Put(ctx, sess); err != nil {
		o.log.Error("保存失败会话状态失败", slog.Any("error", err))
	}
	return &RunResult{State: workflow.StateIdle, Error: cause.Error()}, nil
}

// Approve 校验审批并执行计划。校验失败是前置条件失败：
// 返回类型化错误, 不发 ERROR 事件, 不修改会话。
func (o *Orchestrator) Approve(ctx context.Context, sessionID string, rec approval.Record) (*ApproveResult, error) {
	unlock := o.lockSession(sessionID)
	defer unlock()

	sess, ok := o.store.Get(ctx, sessionID)
	if !ok {
		return nil, xerrors.New(xerrors.CodeSessionNotFound, "")
	}

	// 重复审批守卫：比较并设置发生在会话锁内, 两个并发 approve
	// 不可能都通过这里的检查。
	if sess.ApprovedPlanHash != "" {
		return nil, xerrors.New(xerrors.CodeAlreadyApproved, "")
	}
	if sess.CurrentPlan == nil {
		return nil, xerrors.New(xerrors.CodeNoPlanToApprove, "")
	}

	if err := o.verifier.Verify(rec, sess.CurrentPlan, time.Now()); err != nil {
		return nil, err
	}

	machine, err := workflow.Restore(sess.WorkflowState)
	if err != nil {
		return nil, err
	}
	if err := machine.Transition(workflow.StateApproved); err != nil {
		return nil, err
	}

	approvedPlan := sess.CurrentPlan
	planHash := plan.Hash(approvedPlan)
	sess.ApprovedPlanHash = planHash
	sess.Signature = rec.Signature
	sess.SignerAddress = rec.SignerAddress
	sess.WorkflowState = machine.Current()
	if err := o.store.Put(ctx, sess); err != nil {
		return nil, err
	}

	approvedEvent, err := o.events.Append(ctx, audit.Entry{
		Type:         audit.EventApproved,
		SessionID:    sess.SessionID,
		PlanID:       approvedPlan.PlanID,
		RoleID:       roleExecutor,
		RoleIdentity: sess.AgentIdentities.Executor,
		Payload: map[string]any{
			"plan_hash": planHash,
			"signer":    rec.SignerAddress,
		},
	})
	if err == nil {
		sess.LastAuditTxID = approvedEvent.LedgerTxID
	}

	if err := machine.Transition(workflow.StateExecuting); err != nil {
		return nil, err
	}
	sess.WorkflowState = machine.Current()
	_ = o.store.Put(ctx, sess)

	// EXECUTE_STEP 在动作派发之前发布。
	if _, err := o.events.Append(ctx, audit.Entry{
		Type:         audit.EventExecuteStep,
		SessionID:    sess.SessionID,
		PlanID:       approvedPlan.PlanID,
		RoleID:       roleExecutor,
		RoleIdentity: sess.AgentIdentities.Executor,
		Payload: map[string]any{
			"plan_hash": planHash,
			"actions":   len(approvedPlan.Actions),
		},
	}); err != nil {
		o.log.Warn("EXECUTE_STEP 事件发布失败", slog.Any("error", err))
	}

	result, err := o.executor.Execute(ctx, approvedPlan, planHash, rec.Signature)
	if err != nil {
		// 部分失败不回滚：发 ERROR 事件, 会话停留在 EXECUTING。
		if _, appendErr := o.events.Append(ctx, audit.Entry{
			Type:      audit.EventError,
			SessionID: sess.SessionID,
			PlanID:    approvedPlan.PlanID,
			RoleID:    roleExecutor,
			Payload:   map[string]any{"error": err.Error(), "plan_hash": planHash},
		}); appendErr != nil {
			o.log.Error("ERROR 事件发布失败", slog.Any("error", appendErr))
		}
		_ = o.store.Put(ctx, sess)
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "计划执行失败")
	}

	sess.ExecutionTxID = result.ExecutionTxID
	executedEvent, err := o.events.Append(ctx, audit.Entry{
		Type:         audit.EventExecuted,
		SessionID:    sess.SessionID,
		PlanID:       approvedPlan.PlanID,
		RoleID:       roleExecutor,
		RoleIdentity: sess.AgentIdentities.Executor,
		Payload: map[string]any{
			"plan_hash":       planHash,
			"execution_tx_id": result.ExecutionTxID,
			"steps":           len(result.Steps),
		},
	})
	if err == nil {
		sess.LastAuditTxID = executedEvent.LedgerTxID
	}

	if err := machine.Transition(workflow.StateExecuted); err != nil {
		return nil, err
	}
	sess.WorkflowState = machine.Current()
	// 审批并执行成功后清除在途计划, approvedPlanHash 保留作为审计锚点。
	sess.CurrentPlan = nil
	sess.AlternatePlans = nil
	if err := o.store.Put(ctx, sess); err != nil {
		o.log.Error("保存会话失败", slog.Any("error", err))
	}

	// 旁路记账相互独立：任何一项失败都不影响主结果与其他项。
	o.spawnSideChannels(sess.Clone(), approvedPlan, planHash, result)

	return &ApproveResult{Success: true, ExecutionTxID: result.ExecutionTxID}, nil
}

// Reject 拒绝当前方案。未知会话软失败; 没有在途计划时是无害的 no-op,
// 不发 ERROR 事件。
func (o *Orchestrator) Reject(ctx context.Context, sessionID string) (*RejectResult, error) {
	unlock := o.lockSession(sessionID)
	defer unlock()

	sess, ok := o.store.Get(ctx, sessionID)
	if !ok {
		return &RejectResult{Success: false}, nil
	}

	if sess.CurrentPlan == nil {
		return &RejectResult{Success: true}, nil
	}

	rejectedPlanID := sess.CurrentPlan.PlanID
	machine, err := workflow.Restore(sess.WorkflowState)
	if err != nil {
		return nil, err
	}
	if machine.CanTransition(workflow.StateRejected) {
		_ = machine.Transition(workflow.StateRejected)
	} else {
		machine.Reset()
	}

	sess.WorkflowState = machine.Current()
	sess.CurrentPlan = nil
	sess.AlternatePlans = nil
	if err := o.store.Put(ctx, sess); err != nil {
		o.log.Error("保存会话失败", slog.Any("error", err))
	}

	if _, err := o.events.Append(ctx, audit.Entry{
		Type:      audit.EventRejected,
		SessionID: sess.SessionID,
		PlanID:    rejectedPlanID,
		RoleID:    rolePlanner,
		Payload:   map[string]any{"plan_id": rejectedPlanID},
	}); err != nil {
		o.log.Warn("REJECTED 事件发布失败", slog.Any("error", err))
	}

	return &RejectResult{Success: true}, nil
}

// Events 返回进程内环形缓冲中最新的 n 条审计事件。
func (o *Orchestrator) Events(n int) []*audit.Event {
	return o.events.Recent(n)
}

// spawnSideChannels 派发尽力而为的旁路记账：调度跟踪、声誉回执、
// 忠诚度回执、计划文档上传与会话归档。每一项独立捕获错误。
func (o *Orchestrator) spawnSideChannels(sess *session.Session, approvedPlan *plan.Plan, planHash string, result *ExecutionResult) {
	run := func(name string, fn func(ctx context.Context) error) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					o.log.Error("旁路记账 panic", slog.String("channel", name), slog.Any("panic", r))
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := fn(ctx); err != nil {
				o.log.Warn("旁路记账失败", slog.String("channel", name), slog.Any("error", err))
			}
		}()
	}

	if o.tracker != nil {
		run("schedule", func(ctx context.Context) error {
			o.tracker.RecordCreated(planHash, result.ExecutionTxID)
			o.tracker.MarkExecuted(planHash, sess.AgentIdentities.Executor)
			return nil
		})
	}
	if o.receipts != nil {
		run("reputation", func(ctx context.Context) error {
			return o.receipts.Publish(ctx, bookkeeping.Receipt{
				Kind:      bookkeeping.KindReputation,
				SessionID: sess.SessionID,
				PlanHash:  planHash,
				Payload:   map[string]any{"signer": sess.SignerAddress},
			})
		})
		run("loyalty", func(ctx context.Context) error {
			return o.receipts.Publish(ctx, bookkeeping.Receipt{
				Kind:      bookkeeping.KindLoyalty,
				SessionID: sess.SessionID,
				PlanHash:  planHash,
				Payload:   map[string]any{"execution_tx_id": result.ExecutionTxID},
			})
		})
	}
	if o.uploader != nil {
		run("upload", func(ctx context.Context) error {
			_, err := o.uploader.Upload(ctx, map[string]any{
				"session_id": sess.SessionID,
				"plan":       approvedPlan,
				"plan_hash":  planHash,
			})
			return err
		})
	}
	if o.archive != nil {
		run("archive", func(ctx context.Context) error {
			return o.archive.Save(ctx, session.ArchiveRecord{
				SessionID:        sess.SessionID,
				Goal:             sess.Goal,
				ApprovedPlanHash: planHash,
				SignerAddress:    sess.SignerAddress,
				ExecutionTxID:    result.ExecutionTxID,
				LastAuditTxID:    sess.LastAuditTxID,
				ExecutedAt:       time.Now().Unix(),
			})
		})
	}
}

// lockSession 返回指定会话的互斥锁释放函数。
func (o *Orchestrator) lockSession(sessionID string) func() {
	o.lockMu.Lock()
	lock, ok := o.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[sessionID] = lock
	}
	o.lockMu.Unlock()
	lock.Lock()
	return lock.Unlock
}
