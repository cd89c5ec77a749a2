package taskstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/itskum47/fluxguard/internal/server/store"
)

func TestUpsertThenList(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	task := &store.Task{
		TaskID: "T1", Name: "cleanup", ScriptType: store.ScriptBash, ScriptBody: "rm -rf /tmp/x",
		TriggerType: store.TriggerInterval, IntervalSeconds: 60, TargetType: store.TargetDevice,
		Status: store.TaskPending, CreatedAt: time.Now().UTC(),
	}
	if err := s.Upsert(ctx, task); err != nil {
		t.Fatal(err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].TaskID != "T1" {
		t.Fatalf("expected one task T1, got %+v", list)
	}
}

func TestUpsertReplacesByTaskID(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	task := &store.Task{TaskID: "T1", Name: "v1", TriggerType: store.TriggerNow, TargetType: store.TargetAll, Status: store.TaskPending, CreatedAt: time.Now().UTC()}
	s.Upsert(ctx, task)
	task.Name = "v2"
	s.Upsert(ctx, task)

	list, _ := s.List(ctx)
	if len(list) != 1 || list[0].Name != "v2" {
		t.Fatalf("expected single replaced row, got %+v", list)
	}
}

func TestMarkCancelledIsTerminal(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	task := &store.Task{TaskID: "T1", TriggerType: store.TriggerNow, TargetType: store.TargetAll, Status: store.TaskPending, CreatedAt: time.Now().UTC()}
	s.Upsert(ctx, task)
	if err := s.MarkCancelled(ctx, "T1"); err != nil {
		t.Fatal(err)
	}

	list, _ := s.List(ctx)
	if !list[0].Cancelled {
		t.Fatal("expected cancelled flag set")
	}

	// A later upsert of the same task_id must not clear the flag.
	s.Upsert(ctx, task)
	list, _ = s.List(ctx)
	if !list[0].Cancelled {
		t.Fatal("expected cancelled flag to survive a re-upsert")
	}
}

func TestRecordRunPersists(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	task := &store.Task{TaskID: "T1", TriggerType: store.TriggerInterval, IntervalSeconds: 60, TargetType: store.TargetAll, Status: store.TaskPending, CreatedAt: time.Now().UTC()}
	s.Upsert(ctx, task)
	at := time.Now().UTC().Truncate(time.Second)
	if err := s.RecordRun(ctx, "T1", at); err != nil {
		t.Fatal(err)
	}

	list, _ := s.List(ctx)
	if list[0].LastRun == nil || !list[0].LastRun.Equal(at) {
		t.Fatalf("expected last_run %v, got %v", at, list[0].LastRun)
	}
}

func TestRemoveDeletesTask(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Upsert(ctx, &store.Task{TaskID: "T1", TriggerType: store.TriggerNow, TargetType: store.TargetAll, Status: store.TaskPending, CreatedAt: time.Now().UTC()})
	if err := s.Remove(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	list, _ := s.List(ctx)
	if len(list) != 0 {
		t.Fatalf("expected empty cache after remove, got %+v", list)
	}
}

func TestOpenQuarantinesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	if err := os.WriteFile(path, []byte("not a sqlite file at all, definitely corrupt binary junk"), 0600); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("expected Open to recover from corruption, got error: %v", err)
	}
	defer s.Close()

	list, err := s.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty cache after quarantine, got %+v", list)
	}

	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 1 {
		t.Fatalf("expected exactly one quarantined file, found %v", matches)
	}
}
