package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/festival/internal/model"
	"github.com/hitoshi/festival/internal/repository"
	"github.com/hitoshi/festival/internal/session"
)

// mockDeleter はExpiredSessionDeleterのモック実装。
type mockDeleter struct {
	calls   atomic.Int32
	deleted int64
	err     error
}

func (m *mockDeleter) DeleteExpired(ctx context.Context) (int64, error) {
	m.calls.Add(1)
	return m.deleted, m.err
}

type mockRecorder struct {
	total int64
}

func (m *mockRecorder) RecordSessionsCleaned(count int64) {
	m.total += count
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestCleanupJob_Run_ReturnsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	recorder := &mockRecorder{}
	job := NewCleanupJob(&mockDeleter{deleted: 5}, newTestLogger(&buf), recorder)

	n, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if n != 5 {
		t.Errorf("deleted = %d, want 5", n)
	}
	if recorder.total != 5 {
		t.Errorf("recorded = %d, want 5", recorder.total)
	}
}

func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockDeleter{deleted: 42}, newTestLogger(&buf), nil)

	_, _ = job.Run(context.Background())

	found := false
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if count, ok := entry["deleted_count"]; ok && count == float64(42) {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("ログに deleted_count=42 が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_ReturnsErrorOnStorageFailure(t *testing.T) {
	var buf bytes.Buffer
	storageErr := &model.StorageError{Op: "delete expired sessions", Err: errors.New("connection refused")}
	recorder := &mockRecorder{}
	job := NewCleanupJob(&mockDeleter{err: storageErr}, newTestLogger(&buf), recorder)

	_, err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DB障害時に Run() がエラーを返さなかった")
	}
	if !model.IsStorageError(err) {
		t.Errorf("StorageErrorがラップされていない: %v", err)
	}
	if recorder.total != 0 {
		t.Errorf("失敗時に削除件数を記録してはならない: %d", recorder.total)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラーログが出力されていない: %s", buf.String())
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	deleter := &mockDeleter{}
	job := NewCleanupJob(deleter, newTestLogger(&buf), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for deleter.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("Run was called %d times, want >= 2", deleter.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start がキャンセル後に終了しなかった")
	}
}

// TestCleanupJob_WithSessionStore はsession.Storeと組み合わせて期限切れのみ削除されることを検証する。
func TestCleanupJob_WithSessionStore(t *testing.T) {
	var buf bytes.Buffer
	repo := repository.NewMemorySessionRepo()
	now := time.Now()
	ctx := context.Background()

	if err := repo.Create(ctx, &model.Session{ID: "old", UserID: "u", ExpiresAt: now.Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, &model.Session{ID: "live", UserID: "u", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	store := session.NewStore(repo, session.DefaultPolicy(), session.WithClock(func() time.Time { return now }))
	job := NewCleanupJob(store, newTestLogger(&buf), nil)

	n, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if repo.Count() != 1 {
		t.Errorf("remaining = %d, want 1", repo.Count())
	}
}
