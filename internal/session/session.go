// Package session implements the connection session table (a
// fixed-capacity, open-addressed record table keyed by session id) and
// the worker→handler response rendezvous.
package session

import (
	"net"
	"sync"
	"time"
)

// Capacity is the fixed number of slots in the session table, per
// a fixed capacity of 256 concurrent connections.
const Capacity = 256

// Record is a single client connection's session state. A task carries
// the record's Response, through which the worker delivers its result;
// the worker looks the record up by id only to update its bookkeeping
// via Touch.
type Record struct {
	mu sync.Mutex

	ID            uint64
	Conn          net.Conn
	Username      string
	Authenticated bool
	active        bool

	CreatedAt       time.Time
	AuthenticatedAt time.Time
	LastActivityAt  time.Time
	OpCount         uint64

	Resp *Response
}

// SetUsername records the authenticated username under the record's
// own mutex guarding its mutable counter/field state.
func (r *Record) SetUsername(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Username = username
	r.Authenticated = true
	r.AuthenticatedAt = time.Now()
}

// Touch bumps the operation counter and last-activity timestamp, but only
// if the record is still active. Returns false if it had already gone
// inactive, in which case nothing was bumped.
func (r *Record) Touch() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return false
	}
	r.OpCount++
	r.LastActivityAt = time.Now()
	return true
}

// User returns the authenticated username, or "" if not yet authenticated.
func (r *Record) User() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Username, r.Authenticated
}

// Active reports whether the record is still live, i.e. workers should
// still deliver results to it rather than silently dropping them.
func (r *Record) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Manager is the fixed-capacity, open-addressed session table of
// slots are probed linearly from hash(id) mod Capacity,
// all under a single manager mutex; Record-local state is additionally
// guarded by each Record's own mutex.
type Manager struct {
	mu      sync.Mutex
	slots   [Capacity]*Record
	nextID  uint64
	active  int
	peak    int
	created uint64
}

// NewManager returns an empty session table.
func NewManager() *Manager {
	return &Manager{}
}

// Create allocates a new session id from a monotonic counter and places
// the record at the first empty slot probed linearly from
// hash(id) mod Capacity. Returns nil and false if the table is full.
func (m *Manager) Create(conn net.Conn) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID

	idx := int(id % Capacity)
	for i := 0; i < Capacity; i++ {
		slot := (idx + i) % Capacity
		if m.slots[slot] == nil {
			now := time.Now()
			rec := &Record{ID: id, Conn: conn, active: true, Resp: NewResponse(), CreatedAt: now, LastActivityAt: now}
			m.slots[slot] = rec
			m.created++
			m.active++
			if m.active > m.peak {
				m.peak = m.active
			}
			return rec, true
		}
	}
	return nil, false
}

// Get performs a linear-probe lookup for id, returning the record only
// if found and still active; a record located but marked inactive is
// reported as "not found".
func (m *Manager) Get(id uint64) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, _ := m.find(id)
	if rec == nil || !rec.Active() {
		return nil, false
	}
	return rec, true
}

// find performs the raw linear probe without checking Active, so
// MarkInactive and Destroy can locate a record regardless of its state.
// Caller must hold m.mu.
func (m *Manager) find(id uint64) (*Record, int) {
	idx := int(id % Capacity)
	for i := 0; i < Capacity; i++ {
		slot := (idx + i) % Capacity
		rec := m.slots[slot]
		if rec == nil {
			return nil, -1
		}
		if rec.ID == id {
			return rec, slot
		}
	}
	return nil, -1
}

// MarkInactive flips is_active to false but leaves the slot populated,
// so late-arriving workers see "inactive, drop" rather than an empty
// slot they might confuse with a never-created session.
func (m *Manager) MarkInactive(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, _ := m.find(id)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	wasActive := rec.active
	rec.active = false
	rec.mu.Unlock()
	if wasActive {
		m.active--
	}
}

// Touch re-looks-up id and, only if the record is still present and
// active, bumps its operation counter and last-activity timestamp.
// Returns false if the session was destroyed or marked inactive in the
// meantime, in which case the caller's result is discarded rather than
// recorded against bookkeeping for a session that is no longer live.
func (m *Manager) Touch(id uint64) bool {
	m.mu.Lock()
	rec, _ := m.find(id)
	m.mu.Unlock()

	if rec == nil {
		return false
	}
	return rec.Touch()
}

// Destroy marks the record inactive, closes its connection if still
// open, and empties its slot so the space can be reused.
func (m *Manager) Destroy(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, slot := m.find(id)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	wasActive := rec.active
	rec.active = false
	conn := rec.Conn
	rec.mu.Unlock()
	if wasActive {
		m.active--
	}
	if conn != nil {
		_ = conn.Close()
	}
	m.slots[slot] = nil
}

// Stats reports the table's live counters. Nothing in the server feeds
// them to internal/metrics.
type Stats struct {
	TotalCreated uint64
	ActiveCount  int
	Peak         int
}

// Stats returns a snapshot of the table's counters. ActiveCount equals
// the number of records with active=true; Peak never falls below the
// historical maximum of ActiveCount.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{TotalCreated: m.created, ActiveCount: m.active, Peak: m.peak}
}
