package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"changes-agent/src/model"
)

func TestMemoryStore_RemoteEntityUnique(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()
	e := &model.RemoteEntity{
		ID:         model.NewID(),
		Provider:   "jenkins",
		Kind:       model.KindJob,
		RemoteID:   "server-123",
		InternalID: "job-1",
		Data:       model.Data{"build_no": "7"},
	}

	if err := store.InsertRemoteEntity(ctx, e); err != nil {
		t.Fatalf("InsertRemoteEntity failed: %v", err)
	}

	dup := *e
	dup.ID = model.NewID()
	dup.InternalID = "job-2"
	if err := store.InsertRemoteEntity(ctx, &dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Expected ErrDuplicate, got %v", err)
	}

	got, err := store.GetRemoteEntity(ctx, "jenkins", model.KindJob, "server-123")
	if err != nil {
		t.Fatalf("GetRemoteEntity failed: %v", err)
	}
	if got.InternalID != "job-1" {
		t.Errorf("Expected internal id job-1, got %s", got.InternalID)
	}

	// Returned copies must not alias stored data.
	got.Data["build_no"] = "99"
	again, _ := store.GetRemoteEntityByInternal(ctx, "jenkins", model.KindJob, "job-1")
	if again.Data["build_no"] != "7" {
		t.Errorf("Stored data was mutated through a returned copy: %v", again.Data)
	}

	if _, err := store.GetRemoteEntity(ctx, "jenkins", model.KindJob, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_InTxRollback(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()
	boom := errors.New("boom")

	err := store.InTx(ctx, func(q Querier) error {
		if err := q.SaveBuild(ctx, &model.Build{ID: "b1", Label: "rolled back"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	if _, err := store.GetBuild(ctx, "b1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected build to be rolled back, got %v", err)
	}

	err = store.InTx(ctx, func(q Querier) error {
		return q.SaveBuild(ctx, &model.Build{ID: "b2", Label: "kept"})
	})
	if err != nil {
		t.Fatalf("InTx failed: %v", err)
	}
	if b, err := store.GetBuild(ctx, "b2"); err != nil || b.Label != "kept" {
		t.Errorf("Expected committed build, got %v, %v", b, err)
	}
}

func TestMemoryStore_InTxRollbackRestoresOverwrites(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()
	if err := store.SaveBuild(ctx, &model.Build{ID: "b1", Label: "original"}); err != nil {
		t.Fatalf("SaveBuild failed: %v", err)
	}
	c := &model.TestCase{ID: "t1", JobID: "j", SuiteID: "s", NameSha: model.NameSha("foo.test_a")}

	boom := errors.New("boom")
	err := store.InTx(ctx, func(q Querier) error {
		if err := q.SaveBuild(ctx, &model.Build{ID: "b1", Label: "overwritten"}); err != nil {
			return err
		}
		if err := q.InsertTestCase(ctx, c); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	if b, err := store.GetBuild(ctx, "b1"); err != nil || b.Label != "original" {
		t.Errorf("Expected original build, got %v, %v", b, err)
	}

	// The case index was rolled back with the case.
	if err := store.InsertTestCase(ctx, c); err != nil {
		t.Fatalf("InsertTestCase after rollback failed: %v", err)
	}
	dup := *c
	dup.ID = "t2"
	if err := store.InsertTestCase(ctx, &dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}
}

func TestMemoryStore_FinishTaskOnce(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()
	task := &model.Task{Name: "sync_job", EntityID: "j1", Status: model.StatusFinished, Result: model.ResultPassed}
	ok, err := store.FinishTask(ctx, task)
	if err != nil || !ok {
		t.Fatalf("first FinishTask = %v, %v; want true", ok, err)
	}

	again := *task
	again.Result = model.ResultFailed
	ok, err = store.FinishTask(ctx, &again)
	if err != nil || ok {
		t.Errorf("second FinishTask = %v, %v; want false", ok, err)
	}
	if got, err := store.GetTask(ctx, "sync_job", "j1"); err != nil || got.Result != model.ResultPassed {
		t.Errorf("Expected first result to stick, got %v, %v", got, err)
	}
}

func TestMemoryStore_ListStaleBuilds(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	builds := []*model.Build{
		{ID: "stale", Status: model.StatusQueued, DateCreated: now.Add(-time.Hour), DateModified: now.Add(-10 * time.Minute)},
		{ID: "fresh", Status: model.StatusInProgress, DateCreated: now.Add(-time.Hour), DateModified: now},
		{ID: "done", Status: model.StatusFinished, DateCreated: now.Add(-time.Hour), DateModified: now.Add(-time.Hour)},
	}
	for _, b := range builds {
		if err := store.SaveBuild(ctx, b); err != nil {
			t.Fatalf("SaveBuild failed: %v", err)
		}
	}

	stale, err := store.ListStaleBuilds(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("ListStaleBuilds failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "stale" {
		t.Errorf("Expected only the stale build, got %+v", stale)
	}
}

func TestMemoryStore_ListJobHistory(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	jobs := []*model.Job{
		{ID: "j1", ProjectID: "p", Status: model.StatusFinished, DateCreated: base},
		{ID: "j2", ProjectID: "p", Status: model.StatusFinished, DateCreated: base.Add(time.Minute)},
		{ID: "patch", ProjectID: "p", Status: model.StatusFinished, PatchID: "diff", DateCreated: base.Add(2 * time.Minute)},
		{ID: "running", ProjectID: "p", Status: model.StatusInProgress, DateCreated: base.Add(3 * time.Minute)},
		{ID: "other", ProjectID: "q", Status: model.StatusFinished, DateCreated: base.Add(4 * time.Minute)},
		{ID: "target", ProjectID: "p", Status: model.StatusFinished, DateCreated: base.Add(5 * time.Minute)},
	}
	for _, j := range jobs {
		if err := store.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob failed: %v", err)
		}
	}

	history, err := store.ListJobHistory(ctx, "p", base.Add(5*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListJobHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(history))
	}
	if history[0].ID != "j2" || history[1].ID != "j1" {
		t.Errorf("Expected newest first [j2 j1], got [%s %s]", history[0].ID, history[1].ID)
	}

	limited, _ := store.ListJobHistory(ctx, "p", base.Add(5*time.Minute), 1)
	if len(limited) != 1 {
		t.Errorf("Expected limit to apply, got %d", len(limited))
	}
}

func TestMemoryStore_InsertTestCaseDuplicate(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()
	c := &model.TestCase{ID: "t1", JobID: "j", SuiteID: "s", NameSha: model.NameSha("foo.test_a")}
	if err := store.InsertTestCase(ctx, c); err != nil {
		t.Fatalf("InsertTestCase failed: %v", err)
	}

	dup := *c
	dup.ID = "t2"
	if err := store.InsertTestCase(ctx, &dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}
}

func TestMemoryStore_ProjectSlugUnique(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()
	if err := store.SaveProject(ctx, &model.Project{ID: "p1", Slug: "server"}); err != nil {
		t.Fatalf("SaveProject failed: %v", err)
	}
	if err := store.SaveProject(ctx, &model.Project{ID: "p2", Slug: "server"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate for slug collision, got %v", err)
	}

	p, err := store.GetProjectBySlug(ctx, "server")
	if err != nil || p.ID != "p1" {
		t.Errorf("GetProjectBySlug = %v, %v", p, err)
	}
}
