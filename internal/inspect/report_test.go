package inspect

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/kiln/internal/builds"
	"github.com/mattjoyce/kiln/internal/storage"
)

func seed(t *testing.T) (*builds.Store, string) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "kiln.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := builds.New(db)

	id, err := store.Create(ctx, builds.CreateRequest{Classes: []string{"org.MathTest", "org.IOTest"}, MaxWorkers: 2})
	if err != nil {
		t.Fatalf("create build: %v", err)
	}
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	records := []builds.TestRecord{
		{BuildID: id, TestID: "org.MathTest::adds", Class: "org.MathTest", Name: "adds", Worker: "worker-1", Result: "success", StartedAt: start, EndedAt: start.Add(5 * time.Millisecond)},
		{BuildID: id, TestID: "org.IOTest::reads", Class: "org.IOTest", Name: "reads", Worker: "worker-2", Result: "failure", StartedAt: start, EndedAt: start.Add(40 * time.Millisecond), Failure: "expected 2\ngot 3"},
		{BuildID: id, TestID: "org.MathTest::divides", Class: "org.MathTest", Name: "divides", Worker: "worker-1", Result: "skipped", StartedAt: start.Add(5 * time.Millisecond), EndedAt: start.Add(5 * time.Millisecond)},
	}
	for _, r := range records {
		if err := store.RecordTest(ctx, r); err != nil {
			t.Fatalf("record test: %v", err)
		}
	}
	if err := store.Complete(ctx, id, builds.StatusFailed, builds.Counts{Tests: 3, Passed: 1, Failed: 1, Skipped: 1}, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	return store, id
}

func TestBuildReport(t *testing.T) {
	store, id := seed(t)

	out, err := BuildReport(context.Background(), store, id)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	for _, want := range []string{
		"Build ID    : " + id,
		"Status      : failed",
		"Tests       : 3 (1 passed, 1 failed, 1 skipped)",
		"[worker-1]",
		"SUCCESS  org.MathTest::adds (5ms)",
		"[worker-2]",
		"FAILURE  org.IOTest::reads (40ms)",
		"      expected 2\n      got 3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "[worker-1]") > strings.Index(out, "[worker-2]") {
		t.Errorf("workers not sorted:\n%s", out)
	}
}

func TestBuildJSONReport(t *testing.T) {
	store, id := seed(t)

	out, err := BuildJSONReport(context.Background(), store, id)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var report Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.BuildID != id || report.Status != "failed" {
		t.Errorf("unexpected header: %+v", report)
	}
	if len(report.Workers) != 2 || len(report.Workers[0].Tests) != 2 {
		t.Fatalf("unexpected workers: %+v", report.Workers)
	}
	if report.Workers[0].Tests[1].ID != "org.MathTest::divides" {
		t.Errorf("tests not in start order: %+v", report.Workers[0].Tests)
	}
}

func TestBuildReportUnknownBuild(t *testing.T) {
	store, _ := seed(t)
	if _, err := BuildReport(context.Background(), store, "missing"); err == nil {
		t.Fatal("expected error for unknown build")
	}
}
