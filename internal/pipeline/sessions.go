package pipeline

import (
	"bytes"
	"sync"
	"time"
)

// session is one in-flight chunked upload. Its fields are guarded by mu, never by the store lock.
type session struct {
	mu sync.Mutex

	uploadID    string
	ownerID     uint
	recipientID uint
	messageID   string
	fileName    string
	mimeType    string
	limit       int64

	chunks   [][]byte
	received int
	size     int64
	touched  time.Time
	// closed is set exactly once, by completion, cancellation or eviction
	closed bool
}

func (s *session) progress() int {
	if len(s.chunks) == 0 {
		return 0
	}
	return s.received * 100 / len(s.chunks)
}

// put stores chunk i, replacing any earlier copy, and returns the new running size.
func (s *session) put(i int, data []byte) int64 {
	if old := s.chunks[i]; old != nil {
		s.size -= int64(len(old))
	} else {
		s.received++
	}
	s.chunks[i] = append([]byte(nil), data...)
	s.size += int64(len(data))
	return s.size
}

func (s *session) complete() bool {
	return s.received == len(s.chunks)
}

func (s *session) assemble() []byte {
	return bytes.Join(s.chunks, nil)
}

type tombstoneState int

const (
	// 已完整接收并交给 worker
	stateQueued tombstoneState = iota
	stateCancelled
	stateFailed
)

type tombstone struct {
	state   tombstoneState
	ownerID uint
	at      time.Time
}

// sessionStore maps upload ids to live sessions and to tombstones of finished ones.
// The store lock only covers the maps; chunk writes lock the session itself.
type sessionStore struct {
	mu         sync.RWMutex
	sessions   map[string]*session
	tombstones map[string]tombstone
	now        func() time.Time
}

func newSessionStore(now func() time.Time) *sessionStore {
	return &sessionStore{
		sessions:   make(map[string]*session),
		tombstones: make(map[string]tombstone),
		now:        now,
	}
}

func (st *sessionStore) get(uploadID string) (*session, tombstone, bool, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s := st.sessions[uploadID]
	t, dead := st.tombstones[uploadID]
	return s, t, s != nil, dead
}

// getOrCreate returns the live session, creating it with init when absent. created reports
// whether init ran. A tombstoned id never gets a new session.
func (st *sessionStore) getOrCreate(uploadID string, init func() *session) (s *session, t tombstone, created, dead bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if t, dead = st.tombstones[uploadID]; dead {
		return nil, t, false, true
	}
	if s = st.sessions[uploadID]; s != nil {
		return s, t, false, false
	}
	s = init()
	s.touched = st.now()
	st.sessions[uploadID] = s
	return s, t, true, false
}

// bury replaces the live session, if any, with a tombstone. A cancellation is never
// overwritten by a later queued state.
func (st *sessionStore) bury(uploadID string, state tombstoneState, ownerID uint) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, uploadID)
	if prev, ok := st.tombstones[uploadID]; ok && prev.state == stateCancelled && state == stateQueued {
		return
	}
	st.tombstones[uploadID] = tombstone{state: state, ownerID: ownerID, at: st.now()}
}

// drop removes s if it is still the live session for uploadID.
func (st *sessionStore) drop(uploadID string, s *session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sessions[uploadID] == s {
		delete(st.sessions, uploadID)
	}
}

func (st *sessionStore) state(uploadID string) (tombstoneState, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	t, ok := st.tombstones[uploadID]
	return t.state, ok
}

// expire drops tombstones older than cutoff and returns a snapshot of the live sessions.
// Each session's touched time is checked by the caller under the session's own lock.
func (st *sessionStore) expire(cutoff time.Time) []*session {
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, t := range st.tombstones {
		if t.at.Before(cutoff) {
			delete(st.tombstones, id)
		}
	}
	out := make([]*session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

func (st *sessionStore) len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
