package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"AdvisorChain/internal/api"
	"AdvisorChain/internal/approval"
	"AdvisorChain/internal/audit"
	"AdvisorChain/internal/orchestrator"
	"AdvisorChain/internal/schedule"
	"AdvisorChain/internal/session"
	"AdvisorChain/internal/storage"
	"AdvisorChain/internal/strategist"
	"AdvisorChain/internal/watch"
	"AdvisorChain/sdk/go/advisor"
)

// Runs a full session lifecycle against an in-process server using the
// demo approval path, so the example needs no external services.
func main() {
	store, err := session.NewStore("")
	if err != nil {
		panic(err)
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
		panic(err)
	}

	srv := httptest.NewServer(api.NewServer(":0", orch, tracker).Handler())
	defer srv.Close()

	client, err := advisor.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := client.StartSession(ctx, advisor.SessionRequest{
		Goal: "steady growth",
		Holdings: []advisor.Holding{
			{Symbol: "ETH", Amount: 10, ValueUSD: 25000},
			{Symbol: "USDC", Amount: 1000, ValueUSD: 1000},
		},
		RiskPreference: 30,
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("session %s opened (state=%s)\n", sess.SessionID, sess.WorkflowState)

	run, err := client.Run(ctx, sess.SessionID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("plan %s proposed: %s (risk=%d)\n", run.Plan.PlanID, run.Plan.Recommendation, run.Plan.RiskScore)

	result, err := client.ApproveDemo(ctx, sess.SessionID, run.Plan.PlanID, run.PlanHash)
	if err != nil {
		panic(err)
	}
	fmt.Printf("executed: %s\n", result.ExecutionTxID)

	events, err := client.Events(ctx, 10)
	if err != nil {
		panic(err)
	}
	for _, event := range events {
		fmt.Printf("  %s %s ledger=%s\n", event.Type, event.SessionID, event.LedgerTxID)
	}
}
