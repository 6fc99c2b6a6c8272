package environment

import (
	"context"
	"sort"
	"sync"
	"time"

	"cofer/internal/constants"
	"cofer/internal/errors"
)

// Environment is a registry entry. Its record is guarded by its own mutex;
// its Lock serializes the operations that touch the worktree.
type Environment struct {
	lock *Lock
	seq  uint64

	mu       sync.Mutex
	record   Record
	released bool
}

// ID returns the environment id
func (e *Environment) ID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.ID
}

// Lock acquires the environment lock
func (e *Environment) Lock(ctx context.Context) (*Guard, error) {
	return e.lock.Acquire(ctx)
}

// Locker adapts the environment lock to a release-func signature
func (e *Environment) Locker(ctx context.Context) (func(), error) {
	g, err := e.lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return g.Release, nil
}

// Snapshot returns a copy of the current record
func (e *Environment) Snapshot() Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.Clone()
}

// Status returns the current lifecycle stage
func (e *Environment) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.Status
}

// SetStatus moves the environment to s
func (e *Environment) SetStatus(s Status) {
	e.Update(func(r *Record) { r.Status = s })
}

// Update mutates the record in place. The id cannot change.
func (e *Environment) Update(fn func(r *Record)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.record.ID
	fn(&e.record)
	e.record.ID = id
}

// Registry maps environment ids to live environments and enforces the
// environment cap. No I/O happens under its lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Environment
	limit   int
	seq     uint64
}

// NewRegistry creates a registry admitting at most limit live environments
func NewRegistry(limit int) *Registry {
	if limit <= 0 {
		limit = constants.DefaultMaxEnvironments
	}
	return &Registry{
		entries: make(map[string]*Environment),
		limit:   limit,
	}
}

// Limit returns the maximum number of live environments
func (r *Registry) Limit() int {
	return r.limit
}

// Reservation is a registered slot that disappears again unless committed.
// Defer Abort right after Reserve; Commit turns it into a no-op.
type Reservation struct {
	registry *Registry
	env      *Environment

	mu   sync.Mutex
	done bool
}

// Environment returns the reserved entry
func (res *Reservation) Environment() *Environment {
	return res.env
}

// Commit keeps the reservation
func (res *Reservation) Commit() {
	res.mu.Lock()
	res.done = true
	res.mu.Unlock()
}

// Abort drops the reservation if it was not committed
func (res *Reservation) Abort() {
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.done {
		return
	}
	res.done = true
	res.registry.drop(res.env)
}

// Reserve registers rec in the Creating state. The duplicate check, the
// cap check and the insert are one atomic step.
func (r *Registry) Reserve(rec Record) (*Reservation, error) {
	if rec.ID == "" {
		return nil, errors.InvalidArgument("id", "cannot be empty")
	}
	rec = rec.Clone()
	rec.Status = StatusCreating
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[rec.ID]; ok {
		return nil, errors.EnvironmentExists(rec.ID)
	}
	if r.liveLocked() >= r.limit {
		return nil, errors.LimitReached(r.limit)
	}
	r.seq++
	env := &Environment{lock: NewLock(), seq: r.seq, record: rec}
	r.entries[rec.ID] = env
	return &Reservation{registry: r, env: env}, nil
}

func (r *Registry) drop(env *Environment) {
	id := env.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[id] == env {
		delete(r.entries, id)
	}
}

// Lookup returns the live entry for id
func (r *Registry) Lookup(id string) (*Environment, error) {
	r.mu.RLock()
	env, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.EnvironmentNotFound(id)
	}
	return env, nil
}

// Get returns a snapshot of the record for id
func (r *Registry) Get(id string) (Record, error) {
	env, err := r.Lookup(id)
	if err != nil {
		return Record{}, err
	}
	return env.Snapshot(), nil
}

// Release stops counting id against the cap. The record stays visible
// until Remove.
func (r *Registry) Release(id string) error {
	env, err := r.Lookup(id)
	if err != nil {
		return err
	}
	env.mu.Lock()
	env.released = true
	env.mu.Unlock()
	return nil
}

// Remove deletes id after teardown. Unknown ids yield NotFound.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return errors.EnvironmentNotFound(id)
	}
	delete(r.entries, id)
	return nil
}

// Count returns the number of live, unreleased environments
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.liveLocked()
}

func (r *Registry) liveLocked() int {
	n := 0
	for _, env := range r.entries {
		env.mu.Lock()
		if !env.released {
			n++
		}
		env.mu.Unlock()
	}
	return n
}

// List returns snapshots of every record, oldest first
func (r *Registry) List() []Record {
	r.mu.RLock()
	envs := make([]*Environment, 0, len(r.entries))
	for _, env := range r.entries {
		envs = append(envs, env)
	}
	r.mu.RUnlock()

	sort.Slice(envs, func(i, j int) bool { return envs[i].seq < envs[j].seq })
	out := make([]Record, len(envs))
	for i, env := range envs {
		out[i] = env.Snapshot()
	}
	return out
}

// IDs returns the registered ids, oldest first
func (r *Registry) IDs() []string {
	records := r.List()
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	return ids
}
