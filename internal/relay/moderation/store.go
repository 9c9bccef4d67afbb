// Package moderation owns the relay's durable ban/mute/operator state.
//
// The store is the single writer for the persisted sets. Admin frames, the
// expiry sweep and the snapshot writer all mutate it under one lock, and
// readers always observe a fully-applied entry.
package moderation

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/karashiiro/mogmog/internal/errors"
	"github.com/karashiiro/mogmog/internal/relay/identity"
)

const (
	defaultSweepInterval   = 3 * time.Second
	defaultPersistInterval = 5 * time.Second
)

// TempBan is a ban with a scheduled automatic expiry.
type TempBan struct {
	AccountID   uint64    `json:"account_id"`
	DisplayName string    `json:"display_name"`
	WorldID     int       `json:"world_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AuditEntry describes one applied moderation action.
type AuditEntry struct {
	Action          string
	ActorAccountID  uint64
	TargetAccountID uint64
	DisplayName     string
	WorldID         int
	ExpiresAt       time.Time
	At              time.Time
}

// AuditLog records applied moderation actions. Failures are logged, never
// escalated; the moderation state itself is authoritative.
type AuditLog interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// Config defines the inputs for the moderation store.
type Config struct {
	// Dir is the directory holding the snapshot files.
	Dir string
	// SweepInterval is the cadence of the temp-ban expiry sweep.
	SweepInterval time.Duration
	// PersistInterval is the cadence of the periodic snapshot writer.
	PersistInterval time.Duration
	// Audit optionally records applied actions.
	Audit AuditLog
	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Store is the durable registry of banned, muted and operator account ids.
type Store struct {
	dir             string
	sweepInterval   time.Duration
	persistInterval time.Duration
	audit           AuditLog
	clock           func() time.Time

	mu        sync.RWMutex
	banned    map[uint64]struct{}
	muted     map[uint64]struct{}
	operators map[uint64]struct{}
	tempBans  map[uint64]TempBan

	bannedDirty atomic.Bool
	mutedDirty  atomic.Bool
	tempDirty   atomic.Bool

	// disconnect force-closes live sessions for a banned account.
	disconnect atomic.Pointer[func(accountID uint64)]
}

// Open loads the moderation store from its snapshot directory. Missing
// snapshot files mean empty sets, not an error.
func Open(config Config) (*Store, error) {
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaultSweepInterval
	}
	if config.PersistInterval <= 0 {
		config.PersistInterval = defaultPersistInterval
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	store := &Store{
		dir:             config.Dir,
		sweepInterval:   config.SweepInterval,
		persistInterval: config.PersistInterval,
		audit:           config.Audit,
		clock:           config.Clock,
		banned:          make(map[uint64]struct{}),
		muted:           make(map[uint64]struct{}),
		operators:       make(map[uint64]struct{}),
		tempBans:        make(map[uint64]TempBan),
	}
	if err := store.loadSnapshots(); err != nil {
		return nil, err
	}
	return store, nil
}

// SetDisconnector wires the registry hook that force-closes live sessions
// when their account is banned.
func (s *Store) SetDisconnector(disconnect func(accountID uint64)) {
	if disconnect == nil {
		return
	}
	s.disconnect.Store(&disconnect)
}

// IsBanned reports whether the account is currently banned.
func (s *Store) IsBanned(accountID uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.banned[accountID]
	return ok
}

// IsMuted reports whether the account is currently muted.
func (s *Store) IsMuted(accountID uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.muted[accountID]
	return ok
}

// IsOperator reports whether the account may perform moderation actions.
func (s *Store) IsOperator(accountID uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.operators[accountID]
	return ok
}

// TempBans returns a snapshot of the active temp-ban records.
func (s *Store) TempBans() []TempBan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]TempBan, 0, len(s.tempBans))
	for _, record := range s.tempBans {
		records = append(records, record)
	}
	return records
}

// BanAccount bans an account and force-closes any live session for it.
func (s *Store) BanAccount(ctx context.Context, actor, accountID uint64) {
	s.mu.Lock()
	s.banned[accountID] = struct{}{}
	s.mu.Unlock()
	s.bannedDirty.Store(true)
	s.persistDirty()

	s.disconnectAccount(accountID)
	s.record(ctx, AuditEntry{Action: "ban", ActorAccountID: actor, TargetAccountID: accountID})
}

// UnbanAccount removes a ban. Any temp-ban record for the account is removed
// with it so no temp-ban dangles without a ban.
func (s *Store) UnbanAccount(ctx context.Context, actor, accountID uint64) {
	s.mu.Lock()
	delete(s.banned, accountID)
	_, hadTemp := s.tempBans[accountID]
	delete(s.tempBans, accountID)
	s.mu.Unlock()
	s.bannedDirty.Store(true)
	if hadTemp {
		s.tempDirty.Store(true)
	}
	s.persistDirty()

	s.record(ctx, AuditEntry{Action: "unban", ActorAccountID: actor, TargetAccountID: accountID})
}

// MuteAccount mutes an account; its published messages are silently dropped.
func (s *Store) MuteAccount(ctx context.Context, actor, accountID uint64) {
	s.mu.Lock()
	s.muted[accountID] = struct{}{}
	s.mu.Unlock()
	s.mutedDirty.Store(true)
	s.persistDirty()

	s.record(ctx, AuditEntry{Action: "mute", ActorAccountID: actor, TargetAccountID: accountID})
}

// UnmuteAccount lifts a mute.
func (s *Store) UnmuteAccount(ctx context.Context, actor, accountID uint64) {
	s.mu.Lock()
	delete(s.muted, accountID)
	s.mu.Unlock()
	s.mutedDirty.Store(true)
	s.persistDirty()

	s.record(ctx, AuditEntry{Action: "unmute", ActorAccountID: actor, TargetAccountID: accountID})
}

// KickAccount force-closes live sessions without persisting any state.
func (s *Store) KickAccount(ctx context.Context, actor, accountID uint64) {
	s.disconnectAccount(accountID)
	s.record(ctx, AuditEntry{Action: "kick", ActorAccountID: actor, TargetAccountID: accountID})
}

// TempBanAccount bans an account until the given time. The sweep removes both
// the ban and the temp-ban record once the expiry passes.
func (s *Store) TempBanAccount(ctx context.Context, actor, accountID uint64, displayName string, worldID int, until time.Time) error {
	if !until.After(s.clock()) {
		return apperrors.New(apperrors.CodeInvalidExpiry, "temp-ban expiry must be in the future")
	}

	s.mu.Lock()
	s.banned[accountID] = struct{}{}
	s.tempBans[accountID] = TempBan{
		AccountID:   accountID,
		DisplayName: displayName,
		WorldID:     worldID,
		ExpiresAt:   until.UTC(),
	}
	s.mu.Unlock()
	s.bannedDirty.Store(true)
	s.tempDirty.Store(true)
	s.persistDirty()

	s.disconnectAccount(accountID)
	s.record(ctx, AuditEntry{
		Action:          "tempban",
		ActorAccountID:  actor,
		TargetAccountID: accountID,
		DisplayName:     displayName,
		WorldID:         worldID,
		ExpiresAt:       until.UTC(),
	})
	return nil
}

// UnTempBanAccount lifts a temp-ban before its expiry, removing the ban with it.
func (s *Store) UnTempBanAccount(ctx context.Context, actor, accountID uint64) {
	s.mu.Lock()
	delete(s.tempBans, accountID)
	delete(s.banned, accountID)
	s.mu.Unlock()
	s.tempDirty.Store(true)
	s.bannedDirty.Store(true)
	s.persistDirty()

	s.record(ctx, AuditEntry{Action: "untempban", ActorAccountID: actor, TargetAccountID: accountID})
}

// RequireTarget gates a moderation action on the target identity. Identities
// that never validated an authorization code cannot be moderation targets.
func RequireTarget(ctx context.Context, target *identity.Identity) (uint64, error) {
	if target == nil || !target.HasAuthToken() {
		return 0, apperrors.New(apperrors.CodeNoAuthentication, "target has no resolvable account")
	}
	return target.AccountID(ctx)
}

// Authorize gates an admin-invoked action on operator membership. A typed
// failure means the underlying action must not run.
func (s *Store) Authorize(accountID uint64) error {
	if accountID == 0 {
		return apperrors.New(apperrors.CodeNoAuthentication, "caller has no resolvable account")
	}
	if !s.IsOperator(accountID) {
		return apperrors.New(apperrors.CodeForbidden, "caller is not an operator")
	}
	return nil
}

// Run drives the expiry sweep and the periodic snapshot writer until the
// context ends, then flushes pending snapshots synchronously.
func (s *Store) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.runSweep(ctx)
	}()
	go func() {
		defer wg.Done()
		s.runPersist(ctx)
	}()
	wg.Wait()

	if err := s.Flush(); err != nil {
		log.Printf("relay: moderation final flush: %v", err)
	}
}

func (s *Store) runSweep(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired(ctx)
		}
	}
}

func (s *Store) runPersist(ctx context.Context) {
	ticker := time.NewTicker(s.persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.persistDirty()
		}
	}
}

// sweepExpired removes every temp-ban past its expiry together with the
// matching ban entry, restoring the state to as if the account had never
// been banned.
func (s *Store) sweepExpired(ctx context.Context) {
	now := s.clock()

	s.mu.Lock()
	var expired []TempBan
	for accountID, record := range s.tempBans {
		if now.After(record.ExpiresAt) {
			expired = append(expired, record)
			delete(s.tempBans, accountID)
			delete(s.banned, accountID)
		}
	}
	s.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	s.tempDirty.Store(true)
	s.bannedDirty.Store(true)
	s.persistDirty()

	for _, record := range expired {
		s.record(ctx, AuditEntry{
			Action:          "tempban-expired",
			TargetAccountID: record.AccountID,
			DisplayName:     record.DisplayName,
			WorldID:         record.WorldID,
			ExpiresAt:       record.ExpiresAt,
		})
	}
}

func (s *Store) disconnectAccount(accountID uint64) {
	if disconnect := s.disconnect.Load(); disconnect != nil {
		(*disconnect)(accountID)
	}
}

func (s *Store) record(ctx context.Context, entry AuditEntry) {
	if s.audit == nil {
		return
	}
	entry.At = s.clock().UTC()
	if err := s.audit.Record(ctx, entry); err != nil {
		log.Printf("relay: record moderation audit: %v", err)
	}
}
