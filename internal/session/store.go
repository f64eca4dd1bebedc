package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"mentorcall/internal/securestore"
)

// Storage keys. The whole session set lives under one key and is rewritten
// as a unit; the current pointer and the three flags are separate entries.
const (
	keySessions   = "enhanced_sessions"
	keyCurrentID  = "current_session_id"
	keyBiometric  = "biometric_enabled"
	keyRememberMe = "remember_me_enabled"
	keyAutoLogin  = "auto_login_enabled"
)

// MaxSessionsPerUser bounds retained sessions per user. Inserting beyond it
// evicts the least recently accessed entries.
const MaxSessionsPerUser = 5

var (
	ErrNotFound        = errors.New("session: not found")
	ErrInvalidArgument = errors.New("session: invalid argument")
)

// Store arbitrates authenticated sessions across devices on top of a secure
// key-value store.
//
// Concurrency: every operation is a read-modify-write of the full persisted
// set, serialized by an internal mutex. Callers never touch the underlying
// storage keys directly.
type Store struct {
	kv  securestore.Store
	log *slog.Logger

	// Now is injectable for deterministic tests.
	Now func() time.Time

	mu sync.Mutex
}

func NewStore(kv securestore.Store, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{kv: kv, log: log, Now: time.Now}
}

// StoreSession wraps a fresh sign-in with device metadata, supersedes any
// prior entry for the same (user, device), enforces the per-user cap, and
// makes the new entry current.
func (s *Store) StoreSession(ctx context.Context, auth AuthSession, device Device) (EnhancedSession, error) {
	if auth.UserID == "" || device.ID == "" {
		return EnhancedSession{}, ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.loadSessions(ctx)
	if err != nil {
		return EnhancedSession{}, err
	}

	now := s.Now().UTC()
	entry := EnhancedSession{
		SessionID:    deriveSessionID(now, device.ID),
		Auth:         auth,
		DeviceID:     device.ID,
		DeviceName:   device.Name,
		LoginAt:      now,
		LastAccessAt: now,
	}

	out := make([]EnhancedSession, 0, len(list)+1)
	for _, e := range list {
		if e.Auth.UserID == auth.UserID && e.DeviceID == device.ID {
			continue
		}
		out = append(out, e)
	}
	out = append(out, entry)
	out = s.evict(out, auth.UserID)

	if err := s.saveSessions(ctx, out); err != nil {
		return EnhancedSession{}, err
	}
	if err := s.kv.Set(ctx, keyCurrentID, []byte(entry.SessionID)); err != nil {
		return EnhancedSession{}, fmt.Errorf("session: set current: %w", err)
	}
	return entry, nil
}

// CurrentSession resolves the current-session pointer and refreshes the
// entry's last-access timestamp. Any restore failure, including a pointer
// referencing a missing entry, reports "no session" rather than an error;
// a dangling pointer is cleared on the way out.
func (s *Store) CurrentSession(ctx context.Context) (EnhancedSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok, err := s.kv.Get(ctx, keyCurrentID)
	if err != nil {
		s.log.Warn("session restore failed", "error", err)
		return EnhancedSession{}, false
	}
	if !ok || len(raw) == 0 {
		return EnhancedSession{}, false
	}
	id := string(raw)

	list, err := s.loadSessions(ctx)
	if err != nil {
		s.log.Warn("session restore failed", "error", err)
		return EnhancedSession{}, false
	}
	for i := range list {
		if list[i].SessionID != id {
			continue
		}
		list[i].LastAccessAt = s.Now().UTC()
		if err := s.saveSessions(ctx, list); err != nil {
			// Refresh is bookkeeping; the session itself is still valid.
			s.log.Warn("session last-access refresh failed", "error", err)
		}
		return list[i], true
	}

	s.log.Warn("current session missing from set, clearing pointer", "session_id", id)
	if err := s.kv.Delete(ctx, keyCurrentID); err != nil {
		s.log.Warn("clearing dangling session pointer failed", "error", err)
	}
	return EnhancedSession{}, false
}

// SwitchSession repoints the current session and refreshes the target's
// last-access timestamp. Fails with ErrNotFound when the id is absent.
func (s *Store) SwitchSession(ctx context.Context, sessionID string) (EnhancedSession, error) {
	if sessionID == "" {
		return EnhancedSession{}, ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.loadSessions(ctx)
	if err != nil {
		return EnhancedSession{}, err
	}
	for i := range list {
		if list[i].SessionID != sessionID {
			continue
		}
		list[i].LastAccessAt = s.Now().UTC()
		if err := s.saveSessions(ctx, list); err != nil {
			return EnhancedSession{}, err
		}
		if err := s.kv.Set(ctx, keyCurrentID, []byte(sessionID)); err != nil {
			return EnhancedSession{}, fmt.Errorf("session: set current: %w", err)
		}
		return list[i], nil
	}
	return EnhancedSession{}, ErrNotFound
}

// ClearSession removes one entry by id. Clearing an absent id is a no-op.
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearMatching(ctx, func(e EnhancedSession) bool { return e.SessionID == sessionID })
}

// ClearUserSessions removes every entry belonging to userID.
func (s *Store) ClearUserSessions(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearMatching(ctx, func(e EnhancedSession) bool { return e.Auth.UserID == userID })
}

// ClearAllSessions removes the whole set and the current pointer. The
// biometric/remember-me/auto-login flags are preserved; they describe the
// device, not a session.
func (s *Store) ClearAllSessions(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Delete(ctx, keySessions); err != nil {
		return fmt.Errorf("session: clear all: %w", err)
	}
	if err := s.kv.Delete(ctx, keyCurrentID); err != nil {
		return fmt.Errorf("session: clear pointer: %w", err)
	}
	return nil
}

// Sessions returns every stored session ordered by last access, most recent
// first. Ties keep the later-inserted entry first.
func (s *Store) Sessions(ctx context.Context) ([]EnhancedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.loadSessions(ctx)
	if err != nil {
		return nil, err
	}
	sortByAccess(list)
	return list, nil
}

// UserSessions returns userID's sessions ordered by last access descending.
func (s *Store) UserSessions(ctx context.Context, userID string) ([]EnhancedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.loadSessions(ctx)
	if err != nil {
		return nil, err
	}
	mine := make([]EnhancedSession, 0, len(list))
	for _, e := range list {
		if e.Auth.UserID == userID {
			mine = append(mine, e)
		}
	}
	sortByAccess(mine)
	return mine, nil
}

/* ===================== FLAGS ===================== */

// Flags fail safe: any storage error reads as false, pushing the app toward
// a full re-authentication instead of trusting a corrupted value.

func (s *Store) BiometricEnabled(ctx context.Context) bool { return s.flag(ctx, keyBiometric) }

func (s *Store) SetBiometricEnabled(ctx context.Context, enabled bool) error {
	return s.setFlag(ctx, keyBiometric, enabled)
}

func (s *Store) RememberMeEnabled(ctx context.Context) bool { return s.flag(ctx, keyRememberMe) }

func (s *Store) SetRememberMeEnabled(ctx context.Context, enabled bool) error {
	return s.setFlag(ctx, keyRememberMe, enabled)
}

func (s *Store) AutoLoginEnabled(ctx context.Context) bool { return s.flag(ctx, keyAutoLogin) }

func (s *Store) SetAutoLoginEnabled(ctx context.Context, enabled bool) error {
	return s.setFlag(ctx, keyAutoLogin, enabled)
}

func (s *Store) flag(ctx context.Context, key string) bool {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.log.Warn("flag read failed, defaulting to false", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	v, err := strconv.ParseBool(string(raw))
	if err != nil {
		s.log.Warn("flag value unreadable, defaulting to false", "key", key, "error", err)
		return false
	}
	return v
}

func (s *Store) setFlag(ctx context.Context, key string, v bool) error {
	if err := s.kv.Set(ctx, key, []byte(strconv.FormatBool(v))); err != nil {
		return fmt.Errorf("session: set flag %s: %w", key, err)
	}
	return nil
}

/* ===================== INTERNAL ===================== */

// loadSessions reads the persisted set. A set that fails to parse is treated
// as empty; storage errors propagate so mutations cannot run blind and wipe
// entries written by another process.
func (s *Store) loadSessions(ctx context.Context) ([]EnhancedSession, error) {
	raw, ok, err := s.kv.Get(ctx, keySessions)
	if err != nil {
		return nil, fmt.Errorf("session: load set: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var list []EnhancedSession
	if err := json.Unmarshal(raw, &list); err != nil {
		s.log.Warn("session set unreadable, starting empty", "error", err)
		return nil, nil
	}
	return list, nil
}

func (s *Store) saveSessions(ctx context.Context, list []EnhancedSession) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("session: encode set: %w", err)
	}
	if err := s.kv.Set(ctx, keySessions, raw); err != nil {
		return fmt.Errorf("session: save set: %w", err)
	}
	return nil
}

func (s *Store) clearMatching(ctx context.Context, match func(EnhancedSession) bool) error {
	list, err := s.loadSessions(ctx)
	if err != nil {
		return err
	}

	removedCurrent := false
	currentID := s.currentID(ctx)
	kept := make([]EnhancedSession, 0, len(list))
	for _, e := range list {
		if match(e) {
			if e.SessionID == currentID {
				removedCurrent = true
			}
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == len(list) {
		return nil
	}

	if err := s.saveSessions(ctx, kept); err != nil {
		return err
	}
	if removedCurrent {
		if err := s.kv.Delete(ctx, keyCurrentID); err != nil {
			return fmt.Errorf("session: clear pointer: %w", err)
		}
	}
	return nil
}

func (s *Store) currentID(ctx context.Context) string {
	raw, ok, err := s.kv.Get(ctx, keyCurrentID)
	if err != nil || !ok {
		return ""
	}
	return string(raw)
}

// evict trims userID's entries to the MaxSessionsPerUser most recently
// accessed. The list is in insertion order; ties on the access timestamp
// keep the later-inserted entry, which makes eviction deterministic.
func (s *Store) evict(list []EnhancedSession, userID string) []EnhancedSession {
	type slot struct {
		idx  int
		last time.Time
	}
	var mine []slot
	for i, e := range list {
		if e.Auth.UserID == userID {
			mine = append(mine, slot{idx: i, last: e.LastAccessAt})
		}
	}
	if len(mine) <= MaxSessionsPerUser {
		return list
	}

	sort.Slice(mine, func(a, b int) bool {
		if !mine[a].last.Equal(mine[b].last) {
			return mine[a].last.After(mine[b].last)
		}
		return mine[a].idx > mine[b].idx
	})

	drop := make(map[int]bool, len(mine)-MaxSessionsPerUser)
	for _, sl := range mine[MaxSessionsPerUser:] {
		drop[sl.idx] = true
	}

	kept := make([]EnhancedSession, 0, len(list)-len(drop))
	for i, e := range list {
		if drop[i] {
			s.log.Info("evicting session beyond per-user cap",
				"session_id", e.SessionID, "user_id", e.Auth.UserID, "device_id", e.DeviceID)
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

func sortByAccess(list []EnhancedSession) {
	idx := make(map[string]int, len(list))
	for i, e := range list {
		idx[e.SessionID] = i
	}
	sort.SliceStable(list, func(a, b int) bool {
		if !list[a].LastAccessAt.Equal(list[b].LastAccessAt) {
			return list[a].LastAccessAt.After(list[b].LastAccessAt)
		}
		return idx[list[a].SessionID] > idx[list[b].SessionID]
	})
}

func deriveSessionID(now time.Time, deviceID string) string {
	return fmt.Sprintf("sess_%d_%s", now.UnixNano(), deviceID)
}
