package session

import (
	"sort"
	"sync"

	"voicepoints/internal/models"
)

// Store holds the in-memory session state. Callers serialize all
// read-modify-write sequences for one user with Lock.
type Store interface {
	Active(userID string) (models.ActiveSessionEntry, bool)
	SetActive(e models.ActiveSessionEntry)
	DeleteActive(userID string)
	ActiveEntries() []models.ActiveSessionEntry

	Grace(userID string) (models.GracePeriodEntry, bool)
	SetGrace(e models.GracePeriodEntry)
	DeleteGrace(userID string)
	GraceEntries() []models.GracePeriodEntry

	// Lock acquires the user's lock and returns its release function.
	Lock(userID string) (unlock func())
	Counts() (active, grace int)
}

// MemoryStore is the map-backed Store.
type MemoryStore struct {
	mu     sync.RWMutex
	active map[string]models.ActiveSessionEntry
	grace  map[string]models.GracePeriodEntry
	locks  keyedMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		active: make(map[string]models.ActiveSessionEntry),
		grace:  make(map[string]models.GracePeriodEntry),
		locks:  keyedMutex{locks: make(map[string]*refLock)},
	}
}

func (s *MemoryStore) Active(userID string) (models.ActiveSessionEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.active[userID]
	return e, ok
}

func (s *MemoryStore) SetActive(e models.ActiveSessionEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[e.UserID] = e
}

func (s *MemoryStore) DeleteActive(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, userID)
}

// ActiveEntries returns a snapshot ordered by user id.
func (s *MemoryStore) ActiveEntries() []models.ActiveSessionEntry {
	s.mu.RLock()
	out := make([]models.ActiveSessionEntry, 0, len(s.active))
	for _, e := range s.active {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *MemoryStore) Grace(userID string) (models.GracePeriodEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.grace[userID]
	if ok && e.PendingClose != nil {
		pc := *e.PendingClose
		e.PendingClose = &pc
	}
	return e, ok
}

func (s *MemoryStore) SetGrace(e models.GracePeriodEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grace[e.UserID] = e
}

func (s *MemoryStore) DeleteGrace(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grace, userID)
}

// GraceEntries returns a snapshot ordered by user id.
func (s *MemoryStore) GraceEntries() []models.GracePeriodEntry {
	s.mu.RLock()
	out := make([]models.GracePeriodEntry, 0, len(s.grace))
	for _, e := range s.grace {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *MemoryStore) Lock(userID string) func() {
	return s.locks.lock(userID)
}

func (s *MemoryStore) Counts() (active, grace int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active), len(s.grace)
}

// keyedMutex hands out one mutex per key and forgets it once nobody holds or
// waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.Unlock()
			k.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}
