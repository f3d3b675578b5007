package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/craftlink/craftlink/proto"
)

// DefaultHeartbeat is the liveness probe period. A connection that misses
// three consecutive beats is considered stale.
const DefaultHeartbeat = 30 * time.Second

// Registry tracks every live connection, its role and its liveness. It owns
// the transport handles: nothing else closes a Conn once it is registered.
type Registry struct {
	mu        sync.RWMutex
	records   map[string]*Record
	order     []string // insertion order for List iteration
	heartbeat time.Duration

	stop chan struct{}
	done chan struct{}
}

// Stats is a point-in-time snapshot of the connection table.
type Stats struct {
	Total   int `json:"total"`
	Viewers int `json:"viewers"`
	Devices int `json:"devices"`
	Alive   int `json:"alive"`
}

func NewRegistry(heartbeat time.Duration) *Registry {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Registry{
		records:   make(map[string]*Record),
		heartbeat: heartbeat,
	}
}

// Register stores a new record for conn and returns its generated id. The id
// is unique for the process lifetime. No network I/O happens here.
func (r *Registry) Register(conn Conn, role Role, prefix string) string {
	now := time.Now()
	rec := &Record{
		ID:          generateConnID(prefix),
		Conn:        conn,
		Role:        role,
		ConnectedAt: now,
	}

	r.mu.Lock()
	r.records[rec.ID] = rec
	r.order = append(r.order, rec.ID)
	r.mu.Unlock()

	slog.Debug("Connection registered", "id", rec.ID, "role", role)
	return rec.ID
}

// Unregister removes a record. Idempotent: unknown ids are a no-op. The
// transport handle is not closed here; closing is the caller's concern on
// the teardown paths that own it (reap, Shutdown).
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) {
	if _, ok := r.records[id]; !ok {
		return
	}
	delete(r.records, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ListByRole returns copies of every record with the given role, in
// insertion order.
func (r *Registry) ListByRole(role Role) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		rec := r.records[id]
		if rec.Role == role {
			out = append(out, *rec)
		}
	}
	return out
}

// FindDeviceByName scans device records in insertion order and returns the
// first whose ComputerName matches. Duplicate names shadow later entries.
func (r *Registry) FindDeviceByName(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		rec := r.records[id]
		if rec.Role == RoleDevice && rec.ComputerName == name {
			return *rec, true
		}
	}
	return Record{}, false
}

// Update merges the non-nil fields of upd into the record. Unknown ids are
// a no-op. Used to promote a viewer to device on registration.
func (r *Registry) Update(id string, upd RecordUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return
	}
	if upd.Role != nil {
		rec.Role = *upd.Role
	}
	if upd.ComputerName != nil {
		rec.ComputerName = *upd.ComputerName
	}
	if upd.ComputerType != nil {
		rec.ComputerType = *upd.ComputerType
	}
	if upd.Functions != nil {
		rec.Functions = upd.Functions
	}
	if upd.LastPing != nil {
		rec.LastPing = *upd.LastPing
	}
}

// Touch refreshes the record's lastPing, e.g. when a pong arrives.
func (r *Registry) Touch(id string) {
	now := time.Now()
	r.Update(id, RecordUpdate{LastPing: &now})
}

// IsAlive reports whether the connection has been heard from within three
// heartbeat periods. Falls back to ConnectedAt for never-pinged records.
func (r *Registry) IsAlive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return false
	}
	return r.aliveLocked(rec)
}

func (r *Registry) aliveLocked(rec *Record) bool {
	last := rec.LastPing
	if last.IsZero() {
		last = rec.ConnectedAt
	}
	return time.Since(last) < 3*r.heartbeat
}

// SendTo delivers env to the connection iff it exists and its transport is
// open. Failures are swallowed here and reported as false, never an error.
func (r *Registry) SendTo(id string, env *proto.Envelope) bool {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()

	if !ok || !rec.Conn.IsOpen() {
		return false
	}
	if err := rec.Conn.Send(env); err != nil {
		slog.Warn("Delivery failed", "id", id, "kind", env.Kind, "error", err.Error())
		return false
	}
	return true
}

// Broadcast delivers env to every open connection of the given role and
// returns the successful-delivery count. Each delivery is attempted
// independently: one failure never aborts the rest.
func (r *Registry) Broadcast(role Role, env *proto.Envelope) int {
	r.mu.RLock()
	targets := make([]*Record, 0, len(r.order))
	for _, id := range r.order {
		rec := r.records[id]
		if rec.Role == role && rec.Conn.IsOpen() {
			targets = append(targets, rec)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, rec := range targets {
		if err := rec.Conn.Send(env); err != nil {
			slog.Warn("Broadcast delivery failed", "id", rec.ID, "kind", env.Kind, "error", err.Error())
			continue
		}
		sent++
	}
	return sent
}

// Stats returns snapshot counts over the connection table.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Total: len(r.records)}
	for _, rec := range r.records {
		switch rec.Role {
		case RoleViewer:
			s.Viewers++
		case RoleDevice:
			s.Devices++
		}
		if r.aliveLocked(rec) {
			s.Alive++
		}
	}
	return s
}

// StartHeartbeat launches the liveness loop: each tick reaps every stale or
// closed connection in one batch, then probes the survivors.
func (r *Registry) StartHeartbeat() {
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.tick()
			case <-r.stop:
				return
			}
		}
	}()
}

func (r *Registry) tick() {
	// Reap first, in one batch, so a stale connection never receives a
	// probe that would re-stamp its lastPing.
	r.mu.Lock()
	var reaped []*Record
	for _, id := range append([]string(nil), r.order...) {
		rec := r.records[id]
		if !r.aliveLocked(rec) || !rec.Conn.IsOpen() {
			r.removeLocked(id)
			reaped = append(reaped, rec)
		}
	}
	survivors := make([]*Record, 0, len(r.order))
	for _, id := range r.order {
		survivors = append(survivors, r.records[id])
	}
	r.mu.Unlock()

	for _, rec := range reaped {
		slog.Info("Reaped stale connection", "id", rec.ID, "role", rec.Role, "computer", rec.ComputerName)
		rec.Conn.Close()
	}

	// Probe and stamp lastPing optimistically at send time. A pong only
	// refreshes it again when it arrives.
	for _, rec := range survivors {
		if !rec.Conn.IsOpen() {
			continue
		}
		if err := rec.Conn.Ping(); err != nil {
			slog.Debug("Ping failed", "id", rec.ID, "error", err.Error())
			continue
		}
		r.Touch(rec.ID)
	}
}

// Shutdown stops the heartbeat loop, closes every tracked transport
// best-effort and clears the table. Call once, at process shutdown.
func (r *Registry) Shutdown() {
	if r.stop != nil {
		close(r.stop)
		<-r.done
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if err := rec.Conn.Close(); err != nil {
			slog.Debug("Error closing connection", "id", rec.ID, "error", err.Error())
		}
	}
	r.records = make(map[string]*Record)
	r.order = nil
}
