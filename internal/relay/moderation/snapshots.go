package moderation

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"slices"
)

// Snapshot file names inside the store directory. Operators are managed out
// of band and only ever read.
const (
	bannedSnapshotFile    = "banned.json"
	mutedSnapshotFile     = "muted.json"
	tempBanSnapshotFile   = "tempbans.json"
	operatorsSnapshotFile = "operators.json"
)

func (s *Store) loadSnapshots() error {
	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create moderation dir: %w", err)
	}

	banned, err := loadIDSet(filepath.Join(s.dir, bannedSnapshotFile))
	if err != nil {
		return err
	}
	muted, err := loadIDSet(filepath.Join(s.dir, mutedSnapshotFile))
	if err != nil {
		return err
	}
	operators, err := loadIDSet(filepath.Join(s.dir, operatorsSnapshotFile))
	if err != nil {
		return err
	}
	tempBans, err := loadTempBans(filepath.Join(s.dir, tempBanSnapshotFile))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.banned = banned
	s.muted = muted
	s.operators = operators
	s.tempBans = tempBans
	// Re-establish the invariant that every temp-ban has a ban entry, in
	// case the snapshots were written out of step.
	for accountID := range tempBans {
		s.banned[accountID] = struct{}{}
	}
	s.mu.Unlock()
	return nil
}

// persistDirty writes every set flagged dirty. Write failures leave the flag
// set so the next timer tick retries.
func (s *Store) persistDirty() {
	if s.dir == "" {
		return
	}
	if s.bannedDirty.Swap(false) {
		if err := s.saveBanned(); err != nil {
			log.Printf("relay: persist banned snapshot: %v", err)
			s.bannedDirty.Store(true)
		}
	}
	if s.mutedDirty.Swap(false) {
		if err := s.saveMuted(); err != nil {
			log.Printf("relay: persist muted snapshot: %v", err)
			s.mutedDirty.Store(true)
		}
	}
	if s.tempDirty.Swap(false) {
		if err := s.saveTempBans(); err != nil {
			log.Printf("relay: persist temp-ban snapshot: %v", err)
			s.tempDirty.Store(true)
		}
	}
}

// Flush writes all pending snapshots and reports the first failure.
func (s *Store) Flush() error {
	if s.dir == "" {
		return nil
	}
	var errs []error
	if s.bannedDirty.Swap(false) {
		if err := s.saveBanned(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.mutedDirty.Swap(false) {
		if err := s.saveMuted(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.tempDirty.Swap(false) {
		if err := s.saveTempBans(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) saveBanned() error {
	s.mu.RLock()
	ids := sortedIDs(s.banned)
	s.mu.RUnlock()
	return writeSnapshot(filepath.Join(s.dir, bannedSnapshotFile), ids)
}

func (s *Store) saveMuted() error {
	s.mu.RLock()
	ids := sortedIDs(s.muted)
	s.mu.RUnlock()
	return writeSnapshot(filepath.Join(s.dir, mutedSnapshotFile), ids)
}

func (s *Store) saveTempBans() error {
	s.mu.RLock()
	records := make([]TempBan, 0, len(s.tempBans))
	for _, record := range s.tempBans {
		records = append(records, record)
	}
	s.mu.RUnlock()
	slices.SortFunc(records, func(a, b TempBan) int {
		return cmp.Compare(a.AccountID, b.AccountID)
	})
	return writeSnapshot(filepath.Join(s.dir, tempBanSnapshotFile), records)
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func loadIDSet(path string) (map[uint64]struct{}, error) {
	set := make(map[uint64]struct{})
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", filepath.Base(path), err)
	}

	var ids []uint64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", filepath.Base(path), err)
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func loadTempBans(path string) (map[uint64]TempBan, error) {
	records := make(map[uint64]TempBan)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return records, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", filepath.Base(path), err)
	}

	var list []TempBan
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", filepath.Base(path), err)
	}
	for _, record := range list {
		records[record.AccountID] = record
	}
	return records, nil
}

// writeSnapshot writes the value to a temp file and renames it into place so
// a crash mid-write never leaves a torn snapshot.
func writeSnapshot(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write snapshot %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close snapshot %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace snapshot %s: %w", filepath.Base(path), err)
	}
	return nil
}
