package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kalambet/finadvisor/internal/storage"
)

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store and storage.FileStore.
type Store interface {
	GetProfile(userID string) (string, error)
	PutProfile(userID, data string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cacheEntry struct {
	profile  Profile
	cachedAt time.Time
}

// Manager provides cached access to per-user profiles. Every profile is one
// whole record in the Store; a write replaces the previous record.
type Manager struct {
	store Store
	clock Clock
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry

	// writeMu serialises Upsert so concurrent merges in this process
	// cannot drop each other's fields.
	writeMu sync.Mutex
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store Store) *Manager {
	return NewManagerWithClock(store, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// Load returns the user's profile. A user with no stored record gets an
// empty profile and no error.
func (m *Manager) Load(userID string) (Profile, error) {
	m.mu.RLock()
	if e, ok := m.cache[userID]; ok && m.fresh(e) {
		p := e.profile.Clone()
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.cache[userID]; ok && m.fresh(e) {
		return e.profile.Clone(), nil
	}

	data, err := m.store.GetProfile(userID)
	if errors.Is(err, storage.ErrNotFound) {
		return Profile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading profile for %q: %w", userID, err)
	}

	p := Profile{}
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		slog.Warn("malformed profile record, treating as empty", "user_id", userID, "error", err)
		p = Profile{}
	}

	m.cache[userID] = cacheEntry{profile: p, cachedAt: m.clock.Now()}
	return p.Clone(), nil
}

// Save stamps a copy of p with the current time and writes it as the user's
// whole record. It returns the profile as saved.
func (m *Manager) Save(userID string, p Profile) (Profile, error) {
	saved := p.Clone()
	saved[UpdatedAtKey] = m.clock.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(saved)
	if err != nil {
		return nil, fmt.Errorf("marshalling profile for %q: %w", userID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.PutProfile(userID, string(data)); err != nil {
		delete(m.cache, userID)
		return nil, fmt.Errorf("saving profile for %q: %w", userID, err)
	}

	m.cache[userID] = cacheEntry{profile: saved, cachedAt: m.clock.Now()}
	return saved.Clone(), nil
}

// Upsert overlays incoming on the stored profile field by field (incoming
// wins, absent fields are kept), saves the result and returns it.
func (m *Manager) Upsert(userID string, incoming map[string]any) (Profile, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	current, err := m.Load(userID)
	if err != nil {
		return nil, err
	}
	for k, v := range incoming {
		current[k] = deepCopyValue(v)
	}
	return m.Save(userID, current)
}

// Summary returns a compact string representation of the profile suitable
// for injection into a system prompt. Targets < 500 tokens (~2000 chars).
func (m *Manager) Summary(userID string) (string, error) {
	p, err := m.Load(userID)
	if err != nil {
		return "", fmt.Errorf("getting profile for summary: %w", err)
	}
	return summarize(p), nil
}

func (m *Manager) fresh(e cacheEntry) bool {
	return m.clock.Now().Before(e.cachedAt.Add(m.ttl))
}

// maxSummaryChars caps the summary to stay under ~500 tokens (4 chars/token).
const maxSummaryChars = 2000

func summarize(p Profile) string {
	fields := p.Fields()
	if len(fields) == 0 {
		return "User profile: not yet provided."
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, formatValue(fields[k])))
	}

	summary := "User profile: " + strings.Join(parts, "; ") + "."
	if len(summary) > maxSummaryChars {
		// Ensure we don't split a multi-byte UTF-8 character.
		end := maxSummaryChars
		for end > 0 && !utf8.RuneStart(summary[end]) {
			end--
		}
		if idx := strings.LastIndex(summary[:end], " "); idx > 0 {
			summary = summary[:idx]
		} else {
			summary = summary[:end]
		}
	}
	return summary
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
