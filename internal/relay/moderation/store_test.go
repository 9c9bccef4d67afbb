package moderation

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/karashiiro/mogmog/internal/errors"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T, clock *manualClock) *Store {
	t.Helper()
	store, err := Open(Config{Dir: t.TempDir(), Clock: clock.Now})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestBanAndUnban(t *testing.T) {
	store := openTestStore(t, newManualClock())
	ctx := context.Background()

	store.BanAccount(ctx, 1, 100)
	if !store.IsBanned(100) {
		t.Fatal("expected account 100 to be banned")
	}
	store.UnbanAccount(ctx, 1, 100)
	if store.IsBanned(100) {
		t.Fatal("expected unban to clear the ban")
	}
}

func TestBanForcesDisconnect(t *testing.T) {
	store := openTestStore(t, newManualClock())

	var disconnected []uint64
	store.SetDisconnector(func(accountID uint64) {
		disconnected = append(disconnected, accountID)
	})

	store.BanAccount(context.Background(), 1, 100)
	if len(disconnected) != 1 || disconnected[0] != 100 {
		t.Fatalf("expected disconnect for account 100, got %v", disconnected)
	}
}

func TestKickDisconnectsWithoutState(t *testing.T) {
	store := openTestStore(t, newManualClock())

	var disconnected []uint64
	store.SetDisconnector(func(accountID uint64) {
		disconnected = append(disconnected, accountID)
	})

	store.KickAccount(context.Background(), 1, 100)
	if len(disconnected) != 1 {
		t.Fatalf("expected one disconnect, got %v", disconnected)
	}
	if store.IsBanned(100) || store.IsMuted(100) {
		t.Fatal("expected kick to leave no persisted state")
	}
}

func TestTempBanSweepRestoresOriginalState(t *testing.T) {
	clock := newManualClock()
	store := openTestStore(t, clock)
	ctx := context.Background()

	until := clock.Now().Add(time.Minute)
	if err := store.TempBanAccount(ctx, 1, 100, "Mog", 23, until); err != nil {
		t.Fatalf("temp ban: %v", err)
	}
	if !store.IsBanned(100) {
		t.Fatal("expected temp-ban to imply a ban")
	}
	if len(store.TempBans()) != 1 {
		t.Fatal("expected one temp-ban record")
	}

	store.sweepExpired(ctx)
	if !store.IsBanned(100) {
		t.Fatal("expected ban to survive a sweep before expiry")
	}

	clock.Advance(2 * time.Minute)
	store.sweepExpired(ctx)
	if store.IsBanned(100) {
		t.Fatal("expected sweep to lift the expired ban")
	}
	if len(store.TempBans()) != 0 {
		t.Fatal("expected sweep to remove the temp-ban record")
	}
}

func TestUnTempBanLiftsImmediately(t *testing.T) {
	clock := newManualClock()
	store := openTestStore(t, clock)
	ctx := context.Background()

	if err := store.TempBanAccount(ctx, 1, 100, "Mog", 23, clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("temp ban: %v", err)
	}
	store.UnTempBanAccount(ctx, 1, 100)
	if store.IsBanned(100) || len(store.TempBans()) != 0 {
		t.Fatal("expected untempban to remove both ban and record")
	}
}

func TestUnbanRemovesTempBanRecord(t *testing.T) {
	clock := newManualClock()
	store := openTestStore(t, clock)
	ctx := context.Background()

	if err := store.TempBanAccount(ctx, 1, 100, "Mog", 23, clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("temp ban: %v", err)
	}
	store.UnbanAccount(ctx, 1, 100)
	if len(store.TempBans()) != 0 {
		t.Fatal("expected unban to remove the dangling temp-ban record")
	}
}

func TestTempBanRejectsPastExpiry(t *testing.T) {
	clock := newManualClock()
	store := openTestStore(t, clock)

	err := store.TempBanAccount(context.Background(), 1, 100, "Mog", 23, clock.Now().Add(-time.Minute))
	if !apperrors.IsCode(err, apperrors.CodeInvalidExpiry) {
		t.Fatalf("expected INVALID_EXPIRY, got %v", err)
	}
	if store.IsBanned(100) {
		t.Fatal("expected rejected temp-ban to leave no state")
	}
}

func TestAuthorize(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, operatorsSnapshotFile), []uint64{7})

	store, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	if err := store.Authorize(7); err != nil {
		t.Fatalf("expected operator 7 to pass, got %v", err)
	}
	if err := store.Authorize(8); !apperrors.IsCode(err, apperrors.CodeForbidden) {
		t.Fatalf("expected FORBIDDEN for non-operator, got %v", err)
	}
	if err := store.Authorize(0); !apperrors.IsCode(err, apperrors.CodeNoAuthentication) {
		t.Fatalf("expected NO_AUTHENTICATION for unresolved caller, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	clock := newManualClock()
	store, err := Open(Config{Dir: dir, Clock: clock.Now})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()

	store.BanAccount(ctx, 1, 100)
	store.MuteAccount(ctx, 1, 200)
	if err := store.TempBanAccount(ctx, 1, 300, "Mog", 23, clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("temp ban: %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reopened, err := Open(Config{Dir: dir, Clock: clock.Now})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if !reopened.IsBanned(100) || !reopened.IsMuted(200) {
		t.Fatal("expected bans and mutes to survive a restart")
	}
	if !reopened.IsBanned(300) {
		t.Fatal("expected temp-banned account to stay banned after restart")
	}
	records := reopened.TempBans()
	if len(records) != 1 || records[0].DisplayName != "Mog" || records[0].WorldID != 23 {
		t.Fatalf("unexpected temp-ban records after restart: %+v", records)
	}
}

func TestOpenWithMissingSnapshotsIsEmpty(t *testing.T) {
	store, err := Open(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open store with no snapshots: %v", err)
	}
	if store.IsBanned(1) || store.IsMuted(1) || store.IsOperator(1) {
		t.Fatal("expected empty sets when snapshot files are missing")
	}
}

func TestRunFlushesOnShutdown(t *testing.T) {
	dir := t.TempDir()
	clock := newManualClock()
	store, err := Open(Config{
		Dir:             dir,
		Clock:           clock.Now,
		SweepInterval:   time.Hour,
		PersistInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.Run(ctx)
		close(done)
	}()

	store.BanAccount(context.Background(), 1, 100)
	// Force the dirty flag back on so shutdown has something left to flush.
	store.bannedDirty.Store(true)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("store did not stop after cancellation")
	}

	data, err := os.ReadFile(filepath.Join(dir, bannedSnapshotFile))
	if err != nil {
		t.Fatalf("read banned snapshot: %v", err)
	}
	var ids []uint64
	if err := json.Unmarshal(data, &ids); err != nil {
		t.Fatalf("parse banned snapshot: %v", err)
	}
	if len(ids) != 1 || ids[0] != 100 {
		t.Fatalf("expected banned snapshot [100], got %v", ids)
	}
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (r *recordingAudit) Record(_ context.Context, entry AuditEntry) error {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
	return nil
}

func TestAuditRecordsActions(t *testing.T) {
	audit := &recordingAudit{}
	clock := newManualClock()
	store, err := Open(Config{Dir: t.TempDir(), Clock: clock.Now, Audit: audit})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()

	store.BanAccount(ctx, 7, 100)
	store.UnbanAccount(ctx, 7, 100)

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.entries) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(audit.entries))
	}
	if audit.entries[0].Action != "ban" || audit.entries[0].ActorAccountID != 7 {
		t.Fatalf("unexpected first audit entry: %+v", audit.entries[0])
	}
}

func writeJSON(t *testing.T, path string, value any) {
	t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
