package clientstate

import (
	"sync"
	"time"

	"go-civitai-library/internal/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultSnapshotTTL is how long a fast-return snapshot stays restorable.
const DefaultSnapshotTTL = 2 * time.Minute

// Snapshot is the gallery as it was when the user opened a detail view.
type Snapshot struct {
	Session             string                 `json:"session"`
	State               models.ClientViewState `json:"state"`
	Records             []models.ModelRecord   `json:"records"`
	ScrollPosition      float64                `json:"scrollPosition"`
	SavedAt             time.Time              `json:"savedAt"`
	SkipImageProcessing bool                   `json:"skipImageProcessing"`
}

// SnapshotStore keeps fast-return snapshots in memory with an absolute expiry.
type SnapshotStore struct {
	mu    sync.Mutex
	items map[string]Snapshot
	ttl   time.Duration
	now   func() time.Time
}

// NewSnapshotStore returns a store whose snapshots expire ttl after being saved.
func NewSnapshotStore(ttl time.Duration) *SnapshotStore {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &SnapshotStore{items: map[string]Snapshot{}, ttl: ttl, now: time.Now}
}

// Save stores snap under its session, generating a session id when empty.
// Returns the session id.
func (s *SnapshotStore) Save(snap Snapshot) string {
	if snap.Session == "" {
		snap.Session = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.SavedAt = s.now()
	snap.SkipImageProcessing = false
	s.items[snap.Session] = snap
	s.pruneLocked()
	log.WithField("session", snap.Session).Debugf("Saved snapshot with %d records", len(snap.Records))
	return snap.Session
}

// Restore returns the snapshot for session if it has not expired. Restored
// snapshots are marked so the caller skips image processing.
func (s *SnapshotStore) Restore(session string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.items[session]
	if !ok {
		return Snapshot{}, false
	}
	if s.expired(snap) {
		delete(s.items, session)
		log.WithField("session", session).Debug("Snapshot expired")
		return Snapshot{}, false
	}
	snap.SkipImageProcessing = true
	return snap, true
}

// Discard drops the snapshot for session.
func (s *SnapshotStore) Discard(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, session)
}

// Len returns the number of snapshots held, expired ones included until pruned.
func (s *SnapshotStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *SnapshotStore) expired(snap Snapshot) bool {
	return s.now().Sub(snap.SavedAt) > s.ttl
}

func (s *SnapshotStore) pruneLocked() {
	for k, snap := range s.items {
		if s.expired(snap) {
			delete(s.items, k)
		}
	}
}
