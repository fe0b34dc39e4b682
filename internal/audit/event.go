package audit

// EventType 表示审计事件的类型。
type EventType string

const (
	EventWatch           EventType = "WATCH"
	EventPropose         EventType = "PROPOSE"
	EventApprovalRequest EventType = "APPROVAL_REQUEST"
	EventApproved        EventType = "APPROVED"
	EventRejected        EventType = "REJECTED"
	EventExecuteStep     EventType = "EXECUTE_STEP"
	EventExecuted        EventType = "EXECUTED"
	EventError           EventType = "ERROR"
)

// Event 是追加写审计日志中的一条记录。事件一旦发出不再修改。
type Event struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	SessionID    string         `json:"session_id"`
	PlanID       string         `json:"plan_id,omitempty"`
	RoleID       string         `json:"role_id"`
	RoleIdentity string         `json:"role_identity,omitempty"`
	Payload      map[string]any `json:"payload"`
	PayloadHash  string         `json:"payload_hash"`
	PrevHash     string         `json:"prev_hash,omitempty"`
	LedgerTxID   string         `json:"ledger_tx_id,omitempty"`
	Timestamp    int64          `json:"timestamp"`
}

// Entry 描述一次待追加的审计事件。
type Entry struct {
	Type         EventType
	SessionID    string
	PlanID       string
	RoleID       string
	RoleIdentity string
	Payload      map[string]any
}
