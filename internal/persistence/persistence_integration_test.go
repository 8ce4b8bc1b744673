package persistence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/AccessibilityObservatory/r5/internal/eventbus"
	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
)

func TestMongoIntegrationLifecycle(t *testing.T) {
	uri := os.Getenv("R5_MONGO_URI_INTEGRATION")
	if uri == "" {
		t.Skip("set R5_MONGO_URI_INTEGRATION to run MongoDB integration tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := Connect(ctx, uri, "analysis-itest", nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = db.Close(context.Background()) }()

	jobID := "job-int-" + time.Now().UTC().Format("20060102150405")
	category := clusterapi.WorkerCategory{NetworkID: "network-int", WorkerVersion: "v1"}

	// Drive the record through the same bus wiring cmd/broker uses.
	bus := eventbus.NewLocalBus(nil)
	db.SubscribeTo(bus)

	bus.Send(eventbus.RegionalAnalysisEvent{
		JobID: jobID, State: eventbus.RegionalAnalysisStarted,
		Category: category, NTasksTotal: 16,
		Tags: map[string]string{"user": "itest"},
	})
	rec, ok, err := db.GetRegionalAnalysis(ctx, jobID)
	if err != nil || !ok {
		t.Fatalf("record not created by STARTED event: ok=%v err=%v", ok, err)
	}
	if rec.Status != string(eventbus.RegionalAnalysisStarted) || rec.NTasksTotal != 16 {
		t.Fatalf("unexpected record %+v", rec)
	}

	bus.Send(eventbus.ErrorEvent{Message: "result assembly failed", Detail: "shape mismatch", JobID: jobID})
	bus.Send(eventbus.RegionalAnalysisEvent{JobID: jobID, State: eventbus.RegionalAnalysisCompleted, Category: category})

	rec, ok, err = db.GetRegionalAnalysis(ctx, jobID)
	if err != nil || !ok {
		t.Fatalf("record lookup after updates: ok=%v err=%v", ok, err)
	}
	if rec.Status != string(eventbus.RegionalAnalysisCompleted) {
		t.Fatalf("expected COMPLETED, got %q", rec.Status)
	}
	if len(rec.Errors) != 1 || rec.Errors[0] != "result assembly failed: shape mismatch" {
		t.Fatalf("expected one persisted error, got %v", rec.Errors)
	}

	// A status update for a job whose insert was never seen still lands,
	// via the upsert path.
	orphanID := jobID + "-orphan"
	if err := db.UpdateStatus(ctx, orphanID, string(eventbus.RegionalAnalysisCanceled)); err != nil {
		t.Fatalf("upsert status: %v", err)
	}
	rec, ok, err = db.GetRegionalAnalysis(ctx, orphanID)
	if err != nil || !ok {
		t.Fatalf("upserted record missing: ok=%v err=%v", ok, err)
	}
	if rec.Status != string(eventbus.RegionalAnalysisCanceled) || rec.CreatedAt.IsZero() {
		t.Fatalf("unexpected upserted record %+v", rec)
	}
}
