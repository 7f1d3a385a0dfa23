package state

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"feedgram/internal/feed"
	"feedgram/pkg/logx"
)

// MaxSeenPerSource caps the number of remembered entry IDs per source.
// Feeds rarely expose more than a few dozen entries at once, so the cap
// keeps the state bounded while still covering the visible window.
const MaxSeenPerSource = 100

// Config selects and configures the persistence backend.
type Config struct {
	Driver      string        `json:"driver"`
	Path        string        `json:"path"`
	BusyTimeout time.Duration `json:"busy_timeout"`
}

// sourceRecord is the serialized form shared by all backends.
type sourceRecord struct {
	SeenIDs      []string  `json:"seen_ids"`
	LastPoll     time.Time `json:"last_poll,omitzero"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
}

// backend loads and saves snapshots of the serialized state.
type backend interface {
	load() (map[string]sourceRecord, error)
	// save persists the snapshot. dirty names the sources changed since the
	// previous save; a dirty source absent from the snapshot was removed.
	save(snapshot map[string]sourceRecord, dirty []string) error
	close() error
}

type sourceState struct {
	seen         []string // oldest first
	seenSet      map[string]struct{}
	lastPoll     time.Time
	etag         string
	lastModified string
}

// Store keeps ingestion state in memory and writes changes back through the
// configured backend. All methods are safe for concurrent use.
type Store struct {
	log logx.Logger

	mu      sync.Mutex
	sources map[string]*sourceState
	dirty   map[string]struct{}

	be backend
}

// Open initializes the configured store and loads the persisted snapshot.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		be  backend
		err error
	)
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		be, err = openFile(cfg)
	case "sqlite", "sqlite3":
		be, err = openSQLite(cfg)
	default:
		return nil, errors.New("unknown state driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	snap, err := be.load()
	if err != nil {
		_ = be.close()
		return nil, err
	}

	sources := make(map[string]*sourceState, len(snap))
	for id, rec := range snap {
		sources[id] = fromRecord(rec)
	}
	log.Debug("state loaded", logx.String("driver", cfg.Driver), logx.Int("sources", len(sources)))

	return &Store{
		log:     log,
		sources: sources,
		dirty:   map[string]struct{}{},
		be:      be,
	}, nil
}

// HasSource reports whether any state exists for the source. A source
// without state is being polled for the first time.
func (s *Store) HasSource(sourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sources[sourceID]
	return ok
}

// Seen reports whether the entry was already processed for the source.
func (s *Store) Seen(sourceID, entryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sources[sourceID]
	if !ok {
		return false
	}
	_, seen := st.seenSet[entryID]
	return seen
}

// Mark records entry IDs as processed for the source, evicting the oldest
// IDs beyond the cap. Marking is idempotent.
func (s *Store) Mark(sourceID string, entryIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureLocked(sourceID)
	changed := false
	for _, id := range entryIDs {
		if id == "" {
			continue
		}
		if _, ok := st.seenSet[id]; ok {
			continue
		}
		st.seen = append(st.seen, id)
		st.seenSet[id] = struct{}{}
		changed = true
	}
	if n := len(st.seen) - MaxSeenPerSource; n > 0 {
		for _, id := range st.seen[:n] {
			delete(st.seenSet, id)
		}
		st.seen = append(st.seen[:0], st.seen[n:]...)
		changed = true
	}
	if changed {
		s.dirty[sourceID] = struct{}{}
	}
}

// SeenCount returns the number of remembered IDs for the source.
func (s *Store) SeenCount(sourceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sources[sourceID]; ok {
		return len(st.seen)
	}
	return 0
}

// Conditional returns the stored conditional request headers for the source.
func (s *Store) Conditional(sourceID string) feed.Conditional {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sources[sourceID]; ok {
		return feed.Conditional{ETag: st.etag, LastModified: st.lastModified}
	}
	return feed.Conditional{}
}

// SetConditional stores the conditional headers returned by the source.
// Empty values clear the stored ones.
func (s *Store) SetConditional(sourceID string, cond feed.Conditional) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureLocked(sourceID)
	if st.etag == cond.ETag && st.lastModified == cond.LastModified {
		return
	}
	st.etag = cond.ETag
	st.lastModified = cond.LastModified
	s.dirty[sourceID] = struct{}{}
}

// LastPoll returns the time of the last completed poll, zero when unknown.
func (s *Store) LastPoll(sourceID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sources[sourceID]; ok {
		return st.lastPoll
	}
	return time.Time{}
}

// SetLastPoll records the time of the last completed poll.
func (s *Store) SetLastPoll(sourceID string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureLocked(sourceID)
	st.lastPoll = t
	s.dirty[sourceID] = struct{}{}
}

// Remove drops all state for the source.
func (s *Store) Remove(sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[sourceID]; !ok {
		return
	}
	delete(s.sources, sourceID)
	s.dirty[sourceID] = struct{}{}
}

// Flush writes pending changes through the backend. Sources stay dirty when
// the save fails, so the next Flush retries them.
func (s *Store) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}
	snap := make(map[string]sourceRecord, len(s.sources))
	for id, st := range s.sources {
		snap[id] = toRecord(st)
	}
	dirty := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		dirty = append(dirty, id)
	}
	s.mu.Unlock()

	if err := s.be.save(snap, dirty); err != nil {
		return err
	}

	s.mu.Lock()
	for _, id := range dirty {
		delete(s.dirty, id)
	}
	s.mu.Unlock()
	return nil
}

// Close flushes pending changes and releases the backend.
func (s *Store) Close() error {
	err := s.Flush(context.Background())
	if cerr := s.be.close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Store) ensureLocked(sourceID string) *sourceState {
	st, ok := s.sources[sourceID]
	if !ok {
		st = &sourceState{seenSet: map[string]struct{}{}}
		s.sources[sourceID] = st
		s.dirty[sourceID] = struct{}{}
	}
	return st
}

func toRecord(st *sourceState) sourceRecord {
	ids := make([]string, len(st.seen))
	copy(ids, st.seen)
	return sourceRecord{
		SeenIDs:      ids,
		LastPoll:     st.lastPoll,
		ETag:         st.etag,
		LastModified: st.lastModified,
	}
}

func fromRecord(rec sourceRecord) *sourceState {
	st := &sourceState{
		seen:         make([]string, 0, len(rec.SeenIDs)),
		seenSet:      make(map[string]struct{}, len(rec.SeenIDs)),
		lastPoll:     rec.LastPoll,
		etag:         rec.ETag,
		lastModified: rec.LastModified,
	}
	for _, id := range rec.SeenIDs {
		if id == "" {
			continue
		}
		if _, ok := st.seenSet[id]; ok {
			continue
		}
		st.seen = append(st.seen, id)
		st.seenSet[id] = struct{}{}
	}
	return st
}
