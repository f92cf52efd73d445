package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yangwenmai/dailydigest/internal/model"
)

const testDate = "2026-02-01"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(db, opts...)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func rawItems(n int) []model.RawItem {
	items := make([]model.RawItem, n)
	for i := range items {
		items[i] = model.RawItem{
			ExternalID: fmt.Sprintf("ext-%02d", i),
			Title:      fmt.Sprintf("Story %d", i),
			URL:        fmt.Sprintf("https://example.com/%d", i),
			Source:     "test",
		}
	}
	return items
}

// seedTask creates a LIST_FETCHED task with n pending items.
func seedTask(t *testing.T, s *Store, n int) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := s.GetOrCreateTask(ctx, testDate); err != nil {
		t.Fatalf("GetOrCreateTask: %v", err)
	}
	if _, err := s.BulkInsert(ctx, testDate, rawItems(n)); err != nil {
		t.Fatalf("BulkInsert: %v", err)
	}
}

// advanceTo walks the task one stage at a time from its current status to to.
func advanceTo(t *testing.T, s *Store, to model.TaskStatus) {
	t.Helper()
	ctx := context.Background()
	stages := []model.TaskStatus{model.TaskInit, model.TaskListFetched, model.TaskProcessing, model.TaskAggregating, model.TaskPublished}
	task, err := s.GetTask(ctx, testDate)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	walking := false
	for _, st := range stages {
		if walking {
			if err := s.UpdateStatus(ctx, testDate, st); err != nil {
				t.Fatalf("UpdateStatus %s: %v", st, err)
			}
		}
		if st == task.Status {
			walking = true
		}
		if walking && st == to {
			return
		}
	}
}

func assertConsistent(t *testing.T, s *Store) {
	t.Helper()
	snap, err := s.GetTaskSnapshot(context.Background(), testDate)
	if err != nil {
		t.Fatalf("GetTaskSnapshot: %v", err)
	}
	if !snap.Consistent() {
		t.Errorf("snapshot counts do not add up: %+v", snap)
	}
}

func TestGetOrCreateTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, created, err := s.GetOrCreateTask(ctx, testDate)
	if err != nil {
		t.Fatalf("GetOrCreateTask: %v", err)
	}
	if !created {
		t.Error("created = false on first call")
	}
	if task.Status != model.TaskInit {
		t.Errorf("Status = %q, want %q", task.Status, model.TaskInit)
	}

	again, created, err := s.GetOrCreateTask(ctx, testDate)
	if err != nil {
		t.Fatalf("GetOrCreateTask again: %v", err)
	}
	if created {
		t.Error("created = true on second call")
	}
	if again.CreatedAt != task.CreatedAt {
		t.Errorf("CreatedAt changed: %q → %q", task.CreatedAt, again.CreatedAt)
	}
}

func TestGetOrCreateTask_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const callers = 10
	var (
		wg      sync.WaitGroup
		created atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			task, ok, err := s.GetOrCreateTask(ctx, testDate)
			if err != nil {
				t.Errorf("GetOrCreateTask: %v", err)
				return
			}
			if task.Date != testDate || task.Status != model.TaskInit {
				t.Errorf("task = %+v", task)
			}
			if ok {
				created.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if n := created.Load(); n != 1 {
		t.Errorf("created reported by %d callers, want exactly 1", n)
	}
	tasks, _ := s.ListTasks(ctx, 10)
	if len(tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(tasks))
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), "1999-01-01")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBulkInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.GetOrCreateTask(ctx, testDate)

	items := rawItems(5)
	items = append(items, items[2]) // duplicate external id
	n, err := s.BulkInsert(ctx, testDate, items)
	if err != nil {
		t.Fatalf("BulkInsert: %v", err)
	}
	if n != 5 {
		t.Errorf("inserted = %d, want 5", n)
	}

	task, _ := s.GetTask(ctx, testDate)
	if task.Status != model.TaskListFetched {
		t.Errorf("Status = %q, want %q", task.Status, model.TaskListFetched)
	}
	if task.TotalItems != 5 {
		t.Errorf("TotalItems = %d, want 5", task.TotalItems)
	}

	list, err := s.ListItems(ctx, testDate)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	for i, it := range list {
		if it.Rank != i {
			t.Errorf("item %d rank = %d", i, it.Rank)
		}
		if it.Status != model.ItemPending || !it.Result.IsEmpty() {
			t.Errorf("item %d = %+v, want pending with empty result", i, it)
		}
	}

	// A second insert after the task left INIT is rejected without writes.
	if _, err := s.BulkInsert(ctx, testDate, rawItems(8)); !errors.Is(err, ErrStaleTransition) {
		t.Errorf("second BulkInsert err = %v, want ErrStaleTransition", err)
	}
	counts, _ := s.CountsByStatus(ctx, testDate)
	if counts.Total() != 5 {
		t.Errorf("items after rejected insert = %d, want 5", counts.Total())
	}
}

func TestBulkInsert_Empty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.GetOrCreateTask(ctx, testDate)

	n, err := s.BulkInsert(ctx, testDate, nil)
	if err != nil {
		t.Fatalf("BulkInsert: %v", err)
	}
	if n != 0 {
		t.Errorf("inserted = %d, want 0", n)
	}
	snap, _ := s.GetTaskSnapshot(ctx, testDate)
	if snap.Status != model.TaskListFetched || !snap.Drained() {
		t.Errorf("snapshot = %+v, want drained LIST_FETCHED", snap)
	}
}

func TestClaimBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, 10)

	batch, err := s.ClaimBatch(ctx, testDate, 4, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(batch) != 4 {
		t.Fatalf("claimed %d, want 4", len(batch))
	}
	for i, it := range batch {
		if it.Rank != i {
			t.Errorf("batch[%d].Rank = %d, want %d", i, it.Rank, i)
		}
		if it.Status != model.ItemProcessing || it.ClaimedAt == 0 {
			t.Errorf("batch[%d] = %s claimed_at=%d", i, it.Status, it.ClaimedAt)
		}
	}

	next, _ := s.ClaimBatch(ctx, testDate, 4, time.Now().Add(-time.Hour))
	if len(next) != 4 || next[0].Rank != 4 {
		t.Errorf("second claim = %d items starting at rank %d", len(next), next[0].Rank)
	}
	assertConsistent(t, s)
}

func TestClaimBatch_Disjoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, 40)

	const workers = 8
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.ClaimBatch(ctx, testDate, 3, time.Now().Add(-time.Hour))
				if err != nil {
					t.Errorf("ClaimBatch: %v", err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, it := range batch {
					seen[it.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 40 {
		t.Errorf("claimed %d distinct items, want 40", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("item %s claimed %d times", id, n)
		}
	}
}

func TestClaimBatch_StaleReclaim(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)}
	s := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()
	seedTask(t, s, 2)

	first, _ := s.ClaimBatch(ctx, testDate, 2, clock.Now().Add(-10*time.Minute))
	if len(first) != 2 {
		t.Fatalf("claimed %d, want 2", len(first))
	}

	// Nothing is stale yet.
	clock.Advance(5 * time.Minute)
	if got, _ := s.ClaimBatch(ctx, testDate, 2, clock.Now().Add(-10*time.Minute)); len(got) != 0 {
		t.Fatalf("reclaimed %d fresh items", len(got))
	}

	clock.Advance(10 * time.Minute)
	again, err := s.ClaimBatch(ctx, testDate, 2, clock.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(again) != 2 {
		t.Fatalf("reclaimed %d, want 2", len(again))
	}
	for _, it := range again {
		if it.RetryCount != 1 {
			t.Errorf("RetryCount after stale reclaim = %d, want 1", it.RetryCount)
		}
	}

	// The original holder lost its claim.
	_, err = s.RecordResult(ctx, first[0], model.Succeeded(model.ResultFields{Summary: "late"}, false))
	if !errors.Is(err, ErrClaimLost) {
		t.Errorf("late RecordResult err = %v, want ErrClaimLost", err)
	}
	if _, err := s.RecordResult(ctx, again[0], model.Succeeded(model.ResultFields{Summary: "ok"}, false)); err != nil {
		t.Errorf("RecordResult with current claim: %v", err)
	}
	assertConsistent(t, s)
}

func TestRecordResult_Success(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, 1)

	batch, _ := s.ClaimBatch(ctx, testDate, 1, time.Now().Add(-time.Hour))
	result := model.ResultFields{
		TranslatedTitle: "标题",
		Summary:         "summary",
		CommentDigest:   model.EmptyField,
		Category:        model.CategoryAI,
	}
	status, err := s.RecordResult(ctx, batch[0], model.Succeeded(result, true))
	if err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if status != model.ItemCompleted {
		t.Errorf("status = %q, want COMPLETED", status)
	}

	items, _ := s.ListItems(ctx, testDate, model.ItemCompleted)
	if len(items) != 1 {
		t.Fatalf("completed items = %d, want 1", len(items))
	}
	if items[0].Result != result || !items[0].Degraded || items[0].ClaimedAt != 0 {
		t.Errorf("stored item = %+v", items[0])
	}

	task, _ := s.GetTask(ctx, testDate)
	if task.CompletedItems != 1 {
		t.Errorf("CompletedItems = %d, want 1", task.CompletedItems)
	}
	assertConsistent(t, s)
}

func TestRecordResult_RetryExhaustion(t *testing.T) {
	s := newTestStore(t, WithMaxRetries(3))
	ctx := context.Background()
	seedTask(t, s, 1)

	fail := model.Failed(model.NewErrorInfo("summarize", errors.New("boom"), true))
	for attempt := 1; attempt <= 3; attempt++ {
		batch, err := s.ClaimBatch(ctx, testDate, 1, time.Now().Add(-time.Hour))
		if err != nil || len(batch) != 1 {
			t.Fatalf("attempt %d: claim = %d items, err %v", attempt, len(batch), err)
		}
		status, err := s.RecordResult(ctx, batch[0], fail)
		if err != nil {
			t.Fatalf("attempt %d: RecordResult: %v", attempt, err)
		}
		want := model.ItemPending
		if attempt == 3 {
			want = model.ItemFailed
		}
		if status != want {
			t.Errorf("attempt %d: status = %q, want %q", attempt, status, want)
		}
		assertConsistent(t, s)
	}

	items, _ := s.ListItems(ctx, testDate)
	it := items[0]
	if it.Status != model.ItemFailed || it.RetryCount != 3 {
		t.Errorf("item = %s retry=%d, want FAILED retry=3", it.Status, it.RetryCount)
	}
	if !it.Result.IsEmpty() {
		t.Errorf("failed item result = %+v, want empty sentinels", it.Result)
	}
	if it.ErrorInfo == "" {
		t.Error("ErrorInfo not recorded")
	}
	task, _ := s.GetTask(ctx, testDate)
	if task.FailedItems != 1 {
		t.Errorf("FailedItems = %d, want 1", task.FailedItems)
	}
}

func TestRecordResult_Deferred(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, 1)

	batch, _ := s.ClaimBatch(ctx, testDate, 1, time.Now().Add(-time.Hour))
	status, err := s.RecordResult(ctx, batch[0], model.Deferred())
	if err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if status != model.ItemPending {
		t.Errorf("status = %q, want PENDING", status)
	}
	items, _ := s.ListItems(ctx, testDate)
	if items[0].RetryCount != 0 || items[0].ClaimedAt != 0 {
		t.Errorf("deferred item retry=%d claimed_at=%d, want 0/0", items[0].RetryCount, items[0].ClaimedAt)
	}
}

func TestUpdateStatus_ForwardOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, 1)

	if err := s.UpdateStatus(ctx, testDate, model.TaskProcessing); err != nil {
		t.Fatalf("UpdateStatus PROCESSING: %v", err)
	}
	if err := s.UpdateStatus(ctx, testDate, model.TaskListFetched); !errors.Is(err, ErrStaleTransition) {
		t.Errorf("backwards UpdateStatus err = %v, want ErrStaleTransition", err)
	}
	if err := s.UpdateStatus(ctx, testDate, model.TaskProcessing); !errors.Is(err, ErrStaleTransition) {
		t.Errorf("repeated UpdateStatus err = %v, want ErrStaleTransition", err)
	}
	if err := s.UpdateStatus(ctx, testDate, model.TaskPublished); !errors.Is(err, ErrStaleTransition) {
		t.Errorf("PROCESSING → PUBLISHED err = %v, want ErrStaleTransition", err)
	}
	if err := s.UpdateStatus(ctx, "1999-01-01", model.TaskProcessing); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing task err = %v, want ErrNotFound", err)
	}
	task, _ := s.GetTask(ctx, testDate)
	if task.Status != model.TaskProcessing {
		t.Errorf("Status = %q, want PROCESSING", task.Status)
	}
}

func TestArchiveStaleTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, 3)

	changed, err := s.ArchiveStaleTask(ctx, testDate)
	if err != nil || !changed {
		t.Fatalf("ArchiveStaleTask = %v, %v", changed, err)
	}
	task, _ := s.GetTask(ctx, testDate)
	if task.Status != model.TaskArchived {
		t.Errorf("Status = %q, want ARCHIVED", task.Status)
	}

	changed, _ = s.ArchiveStaleTask(ctx, testDate)
	if changed {
		t.Error("archiving an archived task reported a change")
	}

	next := "2026-02-02"
	nt, created, _ := s.GetOrCreateTask(ctx, next)
	if !created || nt.Status != model.TaskInit {
		t.Errorf("next day task = %+v created=%v", nt, created)
	}
	unfinished, _ := s.ListUnfinishedBefore(ctx, next)
	if len(unfinished) != 0 {
		t.Errorf("unfinished before %s = %d, want 0", next, len(unfinished))
	}
}

func TestArchiveStaleTask_KeepsPublished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, 0)
	advanceTo(t, s, model.TaskPublished)
	if changed, _ := s.ArchiveStaleTask(ctx, testDate); changed {
		t.Error("published task was archived")
	}
}

func TestResetFailed(t *testing.T) {
	s := newTestStore(t, WithMaxRetries(1))
	ctx := context.Background()
	seedTask(t, s, 2)

	batch, _ := s.ClaimBatch(ctx, testDate, 2, time.Now().Add(-time.Hour))
	s.RecordResult(ctx, batch[0], model.Failed(model.NewErrorInfo("fetch", errors.New("x"), true)))
	s.RecordResult(ctx, batch[1], model.Succeeded(model.ResultFields{Summary: "s"}, false))
	advanceTo(t, s, model.TaskAggregating)
	if err := s.SaveDocument(ctx, testDate, "# old"); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	n, err := s.ResetFailed(ctx, testDate)
	if err != nil {
		t.Fatalf("ResetFailed: %v", err)
	}
	if n != 1 {
		t.Errorf("reset = %d, want 1", n)
	}
	task, _ := s.GetTask(ctx, testDate)
	if task.Status != model.TaskProcessing || task.Document != "" || task.FailedItems != 0 {
		t.Errorf("task after reset = %+v", task)
	}
	pending, _ := s.ListItems(ctx, testDate, model.ItemPending)
	if len(pending) != 1 || pending[0].RetryCount != 0 {
		t.Errorf("pending after reset = %+v", pending)
	}
	assertConsistent(t, s)

	// The invocation that was publishing the old document can no longer finish.
	if err := s.UpdateStatus(ctx, testDate, model.TaskPublished); !errors.Is(err, ErrStaleTransition) {
		t.Errorf("publish after reset err = %v, want ErrStaleTransition", err)
	}
	if err := s.SaveDocument(ctx, testDate, "# stale"); !errors.Is(err, ErrStaleTransition) {
		t.Errorf("SaveDocument after reset err = %v, want ErrStaleTransition", err)
	}
	if task, _ := s.GetTask(ctx, testDate); task.Document != "" || task.Status != model.TaskProcessing {
		t.Errorf("task after stale writes = %+v", task)
	}

	batch, _ = s.ClaimBatch(ctx, testDate, 1, time.Now().Add(-time.Hour))
	s.RecordResult(ctx, batch[0], model.Succeeded(model.ResultFields{Summary: "again"}, false))
	advanceTo(t, s, model.TaskPublished)
	if _, err := s.ResetFailed(ctx, testDate); !errors.Is(err, ErrStaleTransition) {
		t.Errorf("ResetFailed on published err = %v, want ErrStaleTransition", err)
	}
}

func TestGetTaskSnapshot_ConsistentUnderWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, 30)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			batch, err := s.ClaimBatch(ctx, testDate, 2, time.Now().Add(-time.Hour))
			if err != nil || len(batch) == 0 {
				return
			}
			for _, it := range batch {
				s.RecordResult(ctx, it, model.Succeeded(model.ResultFields{Summary: "s"}, false))
			}
		}
	}()

	for {
		snap, err := s.GetTaskSnapshot(ctx, testDate)
		if err != nil {
			t.Fatalf("GetTaskSnapshot: %v", err)
		}
		if !snap.Consistent() {
			t.Fatalf("inconsistent snapshot: %+v", snap)
		}
		select {
		case <-done:
			return
		default:
		}
	}
}

func TestDeliveries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, 0)

	if err := s.RecordDelivery(ctx, testDate, "file", "abc"); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	if err := s.RecordDelivery(ctx, testDate, "file", "abc"); err != nil {
		t.Fatalf("RecordDelivery duplicate: %v", err)
	}
	s.RecordDelivery(ctx, testDate, "telegram", "old")

	sent, err := s.DeliveredChannels(ctx, testDate, "abc")
	if err != nil {
		t.Fatalf("DeliveredChannels: %v", err)
	}
	if len(sent) != 1 || !sent["file"] {
		t.Errorf("delivered = %v, want only file", sent)
	}
}

func TestMigration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "migrate.db")
	db, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if _, err := New(db); err != nil {
		t.Fatalf("first New: %v", err)
	}
	// Re-opening an up-to-date database runs no migration.
	if _, err := New(db); err != nil {
		t.Fatalf("second New: %v", err)
	}

	var version int
	if err := db.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("schema version = %d, want %d", version, currentSchemaVersion)
	}
	var doc sql.NullString
	if err := db.QueryRow(`SELECT document FROM tasks LIMIT 1`).Scan(&doc); err != nil && !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("document column missing: %v", err)
	}
}
