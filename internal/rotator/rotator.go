// Package rotator cycles through a fixed pool of provider credentials,
// skipping the ones recently classified as failing.
package rotator

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// DefaultAmnestyInterval is how long an exclusion survives before the whole
// pool is presumed recovered.
const DefaultAmnestyInterval = time.Hour

// Rotator owns the credential pool and its rotation state. All state lives
// behind mu; callers never touch the cursor or exclusion set directly.
type Rotator struct {
	mu      sync.Mutex
	pool    []string
	amnesty time.Duration
	now     func() time.Time

	cursor        int
	excluded      map[int]struct{}
	excludedSince time.Time

	observer Observer
}

// Observer receives rotation events; used for metrics.
type Observer interface {
	CredentialExcluded(index int, excluded int)
	PoolReset(reason string)
}

// Snapshot is a point-in-time copy of the rotation state.
type Snapshot struct {
	PoolSize      int
	Working       int
	Cursor        int
	Excluded      []int
	ExcludedSince time.Time
}

// Option customises a Rotator.
type Option func(*Rotator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Rotator) {
		if now != nil {
			r.now = now
		}
	}
}

// WithAmnestyInterval overrides DefaultAmnestyInterval.
func WithAmnestyInterval(d time.Duration) Option {
	return func(r *Rotator) {
		if d > 0 {
			r.amnesty = d
		}
	}
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(r *Rotator) {
		r.observer = o
	}
}

// New builds a rotator over the given credentials. The pool is copied and
// must not be empty.
func New(credentials []string, opts ...Option) (*Rotator, error) {
	if len(credentials) == 0 {
		return nil, errors.New("rotator: credential pool must not be empty")
	}
	r := &Rotator{
		pool:     append([]string(nil), credentials...),
		amnesty:  DefaultAmnestyInterval,
		now:      time.Now,
		excluded: make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.excludedSince = r.now()
	return r, nil
}

// Size returns the number of credentials in the pool.
func (r *Rotator) Size() int {
	return len(r.pool)
}

// Select returns the credential at or after the cursor that is not excluded.
// It does not advance the cursor. When every credential is excluded the pool
// is reset and index 0 is returned.
func (r *Rotator) Select() (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.excludedSince) > r.amnesty {
		r.excluded = make(map[int]struct{})
		r.excludedSince = now
		r.notifyReset("amnesty")
	}

	size := len(r.pool)
	idx := r.cursor
	for probes := 0; probes < size; probes++ {
		if _, bad := r.excluded[idx]; !bad {
			return r.pool[idx], idx
		}
		idx = (idx + 1) % size
	}

	r.excluded = make(map[int]struct{})
	r.cursor = 0
	r.notifyReset("exhausted")
	return r.pool[0], 0
}

// ReportFailure excludes index and moves the cursor just past it.
func (r *Rotator) ReportFailure(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.validLocked(index) {
		return
	}
	r.excluded[index] = struct{}{}
	r.cursor = (index + 1) % len(r.pool)
	if r.observer != nil {
		r.observer.CredentialExcluded(index, len(r.excluded))
	}
}

// ReportSuccess lifts an exclusion on index, if any. Other indices are untouched.
func (r *Rotator) ReportSuccess(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.validLocked(index) {
		return
	}
	delete(r.excluded, index)
}

// AllExcluded reports whether the exclusion set covers the whole pool.
func (r *Rotator) AllExcluded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.excluded) >= len(r.pool)
}

// ClearExcluded forgets every exclusion without touching the cursor.
func (r *Rotator) ClearExcluded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.excluded = make(map[int]struct{})
}

// Reset clears exclusions and rewinds the cursor. It returns how many
// credentials were excluded beforehand. The amnesty window is left running.
func (r *Rotator) Reset() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := len(r.excluded)
	r.excluded = make(map[int]struct{})
	r.cursor = 0
	r.notifyReset("manual")
	return previous
}

// Snapshot copies the current state.
func (r *Rotator) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	excluded := make([]int, 0, len(r.excluded))
	for idx := range r.excluded {
		excluded = append(excluded, idx)
	}
	sort.Ints(excluded)
	return Snapshot{
		PoolSize:      len(r.pool),
		Working:       len(r.pool) - len(excluded),
		Cursor:        r.cursor,
		Excluded:      excluded,
		ExcludedSince: r.excludedSince,
	}
}

// Credential returns the credential at index.
func (r *Rotator) Credential(index int) (string, bool) {
	if index < 0 || index >= len(r.pool) {
		return "", false
	}
	return r.pool[index], true
}

func (r *Rotator) validLocked(index int) bool {
	return index >= 0 && index < len(r.pool)
}

func (r *Rotator) notifyReset(reason string) {
	if r.observer != nil {
		r.observer.PoolReset(reason)
	}
}

// Mask renders a credential safe for logs: first four and last three characters.
func Mask(credential string) string {
	if len(credential) <= 8 {
		return "****"
	}
	return credential[:4] + "…" + credential[len(credential)-3:]
}
