package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"AdvisorChain/internal/approval"
	"AdvisorChain/internal/audit"
	"AdvisorChain/internal/orchestrator"
	"AdvisorChain/internal/schedule"
	"AdvisorChain/internal/session"
	"AdvisorChain/internal/storage"
	"AdvisorChain/internal/strategist"
	"AdvisorChain/internal/watch"
	"AdvisorChain/internal/workflow"
)

func newTestServer(t *testing.T) (*Server, *schedule.Tracker) {
	t.Helper()
	store, err := session.NewStore("")
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}
	tracker := schedule.NewTracker()
	orch, err := orchestrator.New(orchestrator.Config{
		Store:      store,
		Events:     audit.NewLog(nil),
		Verifier:   approval.NewVerifier(1),
		Watcher:    watch.NewStaticWatcher(nil),
		Strategist: strategist.New(),
		Executor:   orchestrator.NewDryRunExecutor(),
		Uploader:   storage.NewContentHashUploader(),
		Tracker:    tracker,
	})
	if err != nil {
		t.Fatalf("创建编排器失败: %v", err)
	}
	return NewServer(":0", orch, tracker), tracker
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("编码请求体失败: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func createSession(t *testing.T, handler http.Handler) *session.Session {
	t.Helper()
	resp := doJSON(t, handler, http.MethodPost, "/api/v1/sessions", map[string]any{
		"goal": "稳健增值",
		"holdings": []map[string]any{
			{"symbol": "ETH", "amount": 10, "value_usd": 25000},
			{"symbol": "USDC", "amount": 1000, "value_usd": 1000},
		},
		"risk_preference": 30,
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("创建会话状态码不对: %d, body=%s", resp.Code, resp.Body.String())
	}
	var sess session.Session
	if err := json.Unmarshal(resp.Body.Bytes(), &sess); err != nil {
		t.Fatalf("解析会话失败: %v", err)
	}
	return &sess
}

func TestCreateAndGetSession(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	sess := createSession(t, handler)
	if sess.SessionID == "" {
		t.Fatalf("会话 ID 不能为空")
	}

	resp := doJSON(t, handler, http.MethodGet, "/api/v1/sessions/"+sess.SessionID, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("查询会话状态码不对: %d", resp.Code)
	}
}

func TestCreateSessionRejectsEmptyGoal(t *testing.T) {
	server, _ := newTestServer(t)
	resp := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/sessions", map[string]any{"goal": ""})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("空目标应返回 400: %d", resp.Code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	server, _ := newTestServer(t)
	resp := doJSON(t, server.Handler(), http.MethodGet, "/api/v1/sessions/missing", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("未知会话应返回 404: %d", resp.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("解析错误体失败: %v", err)
	}
	if body.Code != "SESSION_NOT_FOUND" {
		t.Fatalf("错误码不对: %s", body.Code)
	}
}

func TestRunApproveFlow(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()
	sess := createSession(t, handler)

	runResp := doJSON(t, handler, http.MethodPost, "/api/v1/sessions/"+sess.SessionID+"/run", nil)
	if runResp.Code != http.StatusOK {
		t.Fatalf("run 状态码不对: %d, body=%s", runResp.Code, runResp.Body.String())
	}
	var runResult orchestrator.RunResult
	if err := json.Unmarshal(runResp.Body.Bytes(), &runResult); err != nil {
		t.Fatalf("解析 run 结果失败: %v", err)
	}
	if runResult.State != workflow.StateAwaitingApproval {
		t.Fatalf("run 后应等待审批: %s", runResult.State)
	}

	approveResp := doJSON(t, handler, http.MethodPost, "/api/v1/sessions/"+sess.SessionID+"/approve", approval.Record{
		PlanID:        runResult.Plan.PlanID,
		PlanHash:      runResult.PlanHash,
		Signature:     approval.DemoSignaturePrefix,
		SignerAddress: approval.ZeroIdentity,
	})
	if approveResp.Code != http.StatusOK {
		t.Fatalf("approve 状态码不对: %d, body=%s", approveResp.Code, approveResp.Body.String())
	}
	var approveResult orchestrator.ApproveResult
	if err := json.Unmarshal(approveResp.Body.Bytes(), &approveResult); err != nil {
		t.Fatalf("解析 approve 结果失败: %v", err)
	}
	if !approveResult.Success || approveResult.ExecutionTxID == "" {
		t.Fatalf("审批应成功并返回执行交易号: %+v", approveResult)
	}
}

func TestApproveHashMismatchStatus(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()
	sess := createSession(t, handler)

	runResp := doJSON(t, handler, http.MethodPost, "/api/v1/sessions/"+sess.SessionID+"/run", nil)
	var runResult orchestrator.RunResult
	if err := json.Unmarshal(runResp.Body.Bytes(), &runResult); err != nil {
		t.Fatalf("解析 run 结果失败: %v", err)
	}

	resp := doJSON(t, handler, http.MethodPost, "/api/v1/sessions/"+sess.SessionID+"/approve", approval.Record{
		PlanID:        runResult.Plan.PlanID,
		PlanHash:      "0xdeadbeef",
		Signature:     approval.DemoSignaturePrefix,
		SignerAddress: approval.ZeroIdentity,
	})
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("哈希不匹配应返回 422: %d", resp.Code)
	}
}

func TestRejectWithoutPlan(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()
	sess := createSession(t, handler)

	resp := doJSON(t, handler, http.MethodPost, "/api/v1/sessions/"+sess.SessionID+"/reject", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("reject 状态码不对: %d", resp.Code)
	}
	var result orchestrator.RejectResult
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("解析 reject 结果失败: %v", err)
	}
	if !result.Success {
		t.Fatalf("无在途计划的 reject 应软成功")
	}
}

func TestListEvents(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()
	sess := createSession(t, handler)
	doJSON(t, handler, http.MethodPost, "/api/v1/sessions/"+sess.SessionID+"/run", nil)

	resp := doJSON(t, handler, http.MethodGet, "/api/v1/events?limit=2", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("events 状态码不对: %d", resp.Code)
	}
	var events []*audit.Event
	if err := json.Unmarshal(resp.Body.Bytes(), &events); err != nil {
		t.Fatalf("解析事件失败: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("limit 应限制返回数量: %d", len(events))
	}
}

func TestScheduleStatusUnknown(t *testing.T) {
	server, _ := newTestServer(t)
	resp := doJSON(t, server.Handler(), http.MethodGet, "/api/v1/schedules/0xabc", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("schedules 状态码不对: %d", resp.Code)
	}
	var body scheduleStatusResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("解析调度状态失败: %v", err)
	}
	if body.DisplayStatus != schedule.StatusUnknown {
		t.Fatalf("未登记计划应返回 UNKNOWN: %s", body.DisplayStatus)
	}
}

func TestScheduleStatusCreated(t *testing.T) {
	server, tracker := newTestServer(t)
	tracker.RecordCreated("0xplan", "tx-1")

	resp := doJSON(t, server.Handler(), http.MethodGet, "/api/v1/schedules/0xplan", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("schedules 状态码不对: %d", resp.Code)
	}
	var body scheduleStatusResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("解析调度状态失败: %v", err)
	}
	if body.Record == nil || body.DisplayStatus != schedule.StatusCreated {
		t.Fatalf("已登记计划应返回 CREATED: %+v", body)
	}
}
