// Package memory provides an in-process implementation of the store interfaces
// for tests and single-node development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store keeps every entity in maps guarded by a single mutex. Transactions
// hold the mutex for their whole duration, which serialises them against each
// other and against plain calls; a failed transaction restores a snapshot.
type Store struct {
	mu    sync.Mutex
	state *state
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{state: newState()}
}

type state struct {
	ships       map[string]*models.Ship
	deployments map[string]*models.Deployment
	fleets      map[string]*models.FleetDeployment
	releases    map[string]*models.Release
	metrics     []*models.ShipMetrics

	// seq records deployment insertion order for created_at ties.
	seq     map[string]uint64
	nextSeq uint64
}

func newState() *state {
	return &state{
		ships:       make(map[string]*models.Ship),
		deployments: make(map[string]*models.Deployment),
		fleets:      make(map[string]*models.FleetDeployment),
		releases:    make(map[string]*models.Release),
		seq:         make(map[string]uint64),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.ships {
		c.ships[k] = copyShip(v)
	}
	for k, v := range s.deployments {
		c.deployments[k] = copyDeployment(v)
	}
	for k, v := range s.fleets {
		c.fleets[k] = copyFleet(v)
	}
	for k, v := range s.releases {
		r := *v
		c.releases[k] = &r
	}
	for k, v := range s.seq {
		c.seq[k] = v
	}
	c.nextSeq = s.nextSeq
	c.metrics = append(c.metrics, s.metrics...)
	return c
}

// locker runs fn with the state, taking the store mutex unless the caller
// already holds it as part of a transaction.
type locker struct {
	s    *Store
	inTx bool
}

func (l locker) do(fn func(st *state) error) error {
	if !l.inTx {
		l.s.mu.Lock()
		defer l.s.mu.Unlock()
	}
	return fn(l.s.state)
}

// Ships returns the ShipStore.
func (s *Store) Ships() store.ShipStore { return &shipStore{locker{s: s}} }

// Deployments returns the DeploymentStore.
func (s *Store) Deployments() store.DeploymentStore { return &deploymentStore{locker{s: s}} }

// FleetDeployments returns the FleetDeploymentStore.
func (s *Store) FleetDeployments() store.FleetDeploymentStore { return &fleetStore{locker{s: s}} }

// Releases returns the ReleaseStore.
func (s *Store) Releases() store.ReleaseStore { return &releaseStore{locker{s: s}} }

// Metrics returns the MetricsStore.
func (s *Store) Metrics() store.MetricsStore { return &metricsStore{locker{s: s}} }

// WithTx executes fn while holding the store lock. Changes made by fn are
// discarded if it returns an error.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := s.state.clone()
	if err := fn(&txStore{s: s}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// txStore is the view handed to a transaction function.
type txStore struct {
	s *Store
}

func (t *txStore) Ships() store.ShipStore { return &shipStore{locker{s: t.s, inTx: true}} }
func (t *txStore) Deployments() store.DeploymentStore {
	return &deploymentStore{locker{s: t.s, inTx: true}}
}
func (t *txStore) FleetDeployments() store.FleetDeploymentStore {
	return &fleetStore{locker{s: t.s, inTx: true}}
}
func (t *txStore) Releases() store.ReleaseStore { return &releaseStore{locker{s: t.s, inTx: true}} }
func (t *txStore) Metrics() store.MetricsStore  { return &metricsStore{locker{s: t.s, inTx: true}} }

// WithTx on a transaction view runs fn inside the enclosing transaction.
func (t *txStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(t)
}

func (t *txStore) Ping(ctx context.Context) error { return ctx.Err() }
func (t *txStore) Close() error                   { return nil }

// ---- ships ----

type shipStore struct{ l locker }

func copyShip(s *models.Ship) *models.Ship {
	c := *s
	c.Capabilities = append([]string(nil), s.Capabilities...)
	c.MaintenanceWindows = append([]models.MaintenanceWindow(nil), s.MaintenanceWindows...)
	return &c
}

func (s *shipStore) Register(ctx context.Context, ship *models.Ship) error {
	return s.l.do(func(st *state) error {
		now := time.Now().UTC()
		existing, ok := st.ships[ship.ID]
		if !ok {
			if ship.CreatedAt.IsZero() {
				ship.CreatedAt = now
			}
			if ship.Status == "" {
				ship.Status = models.ShipStatusOnline
			}
			ship.UpdatedAt = now
			st.ships[ship.ID] = copyShip(ship)
			return nil
		}

		merged := copyShip(ship)
		merged.CreatedAt = existing.CreatedAt
		// health-derived status survives registration; offline does not
		if existing.Status != models.ShipStatusOffline {
			merged.Status = existing.Status
		}
		merged.TargetVersion = existing.TargetVersion
		if merged.CurrentVersion == "" {
			merged.CurrentVersion = existing.CurrentVersion
		}
		merged.UpdatedAt = now
		st.ships[ship.ID] = merged
		*ship = *copyShip(merged)
		return nil
	})
}

func (s *shipStore) Get(ctx context.Context, id string) (*models.Ship, error) {
	var out *models.Ship
	err := s.l.do(func(st *state) error {
		ship, ok := st.ships[id]
		if !ok {
			return store.ErrNotFound
		}
		out = copyShip(ship)
		return nil
	})
	return out, err
}

func (s *shipStore) List(ctx context.Context) ([]*models.Ship, error) {
	var out []*models.Ship
	err := s.l.do(func(st *state) error {
		for _, ship := range st.ships {
			out = append(out, copyShip(ship))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *shipStore) Update(ctx context.Context, ship *models.Ship) error {
	return s.l.do(func(st *state) error {
		if _, ok := st.ships[ship.ID]; !ok {
			return store.ErrNotFound
		}
		ship.UpdatedAt = time.Now().UTC()
		st.ships[ship.ID] = copyShip(ship)
		return nil
	})
}

func (s *shipStore) UpdateStatus(ctx context.Context, id string, status models.ShipStatus, lastSeen time.Time) error {
	return s.l.do(func(st *state) error {
		ship, ok := st.ships[id]
		if !ok {
			return store.ErrNotFound
		}
		ship.Status = status
		ship.LastSeen = lastSeen
		ship.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *shipStore) MarkOffline(ctx context.Context, id string, seenBefore time.Time) (bool, error) {
	var marked bool
	err := s.l.do(func(st *state) error {
		ship, ok := st.ships[id]
		if !ok {
			return store.ErrNotFound
		}
		if ship.Status == models.ShipStatusOffline || !ship.LastSeen.Before(seenBefore) {
			return nil
		}
		ship.Status = models.ShipStatusOffline
		ship.UpdatedAt = time.Now().UTC()
		marked = true
		return nil
	})
	return marked, err
}

func (s *shipStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.l.do(func(st *state) error {
		n = len(st.ships)
		return nil
	})
	return n, err
}

// ---- deployments ----

type deploymentStore struct{ l locker }

func copyDeployment(d *models.Deployment) *models.Deployment {
	c := *d
	return &c
}

func (s *deploymentStore) Create(ctx context.Context, d *models.Deployment) error {
	return s.l.do(func(st *state) error {
		if _, ok := st.deployments[d.ID]; ok {
			return store.ErrDuplicateKey
		}
		now := time.Now().UTC()
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		if d.UpdatedAt.IsZero() {
			d.UpdatedAt = d.CreatedAt
		}
		st.deployments[d.ID] = copyDeployment(d)
		st.nextSeq++
		st.seq[d.ID] = st.nextSeq
		return nil
	})
}

func (s *deploymentStore) Get(ctx context.Context, id string) (*models.Deployment, error) {
	var out *models.Deployment
	err := s.l.do(func(st *state) error {
		d, ok := st.deployments[id]
		if !ok {
			return store.ErrNotFound
		}
		out = copyDeployment(d)
		return nil
	})
	return out, err
}

func (s *deploymentStore) Update(ctx context.Context, d *models.Deployment) error {
	return s.l.do(func(st *state) error {
		if _, ok := st.deployments[d.ID]; !ok {
			return store.ErrNotFound
		}
		st.deployments[d.ID] = copyDeployment(d)
		return nil
	})
}

// filter returns matching deployments oldest first.
func (s *deploymentStore) filter(match func(*models.Deployment) bool) ([]*models.Deployment, error) {
	var out []*models.Deployment
	err := s.l.do(func(st *state) error {
		for _, d := range st.deployments {
			if match(d) {
				out = append(out, copyDeployment(d))
			}
		}
		createdAsc(out, st.seq)
		return nil
	})
	return out, err
}

// createdAsc orders by created_at, falling back to insertion order.
func createdAsc(out []*models.Deployment, seq map[string]uint64) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return seq[out[i].ID] < seq[out[j].ID]
	})
}

func (s *deploymentStore) ListByShip(ctx context.Context, shipID string) ([]*models.Deployment, error) {
	out, err := s.filter(func(d *models.Deployment) bool { return d.ShipID == shipID })
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, err
}

func (s *deploymentStore) ListPendingByShip(ctx context.Context, shipID string) ([]*models.Deployment, error) {
	out, err := s.filter(func(d *models.Deployment) bool {
		return d.ShipID == shipID && d.Status == models.DeploymentStatusPending
	})
	return out, err
}

func (s *deploymentStore) ListByFleet(ctx context.Context, fleetID string) ([]*models.Deployment, error) {
	out, err := s.filter(func(d *models.Deployment) bool { return d.FleetDeploymentID == fleetID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].Batch < out[j].Batch })
	return out, err
}

func (s *deploymentStore) ListByStatus(ctx context.Context, status models.DeploymentStatus) ([]*models.Deployment, error) {
	out, err := s.filter(func(d *models.Deployment) bool { return d.Status == status })
	return out, err
}

func (s *deploymentStore) ListSince(ctx context.Context, since time.Time) ([]*models.Deployment, error) {
	out, err := s.filter(func(d *models.Deployment) bool { return !d.CreatedAt.Before(since) })
	return out, err
}

// ---- fleet deployments ----

type fleetStore struct{ l locker }

func copyFleet(f *models.FleetDeployment) *models.FleetDeployment {
	c := *f
	c.ShipFilter.Regions = append([]string(nil), f.ShipFilter.Regions...)
	c.ShipFilter.IncludeShips = append([]string(nil), f.ShipFilter.IncludeShips...)
	c.ShipFilter.ExcludeShips = append([]string(nil), f.ShipFilter.ExcludeShips...)
	return &c
}

func (s *fleetStore) Create(ctx context.Context, f *models.FleetDeployment) error {
	return s.l.do(func(st *state) error {
		if _, ok := st.fleets[f.ID]; ok {
			return store.ErrDuplicateKey
		}
		now := time.Now().UTC()
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		if f.UpdatedAt.IsZero() {
			f.UpdatedAt = f.CreatedAt
		}
		st.fleets[f.ID] = copyFleet(f)
		return nil
	})
}

func (s *fleetStore) Get(ctx context.Context, id string) (*models.FleetDeployment, error) {
	var out *models.FleetDeployment
	err := s.l.do(func(st *state) error {
		f, ok := st.fleets[id]
		if !ok {
			return store.ErrNotFound
		}
		out = copyFleet(f)
		return nil
	})
	return out, err
}

// GetForUpdate needs no extra locking: a transaction already holds the store mutex.
func (s *fleetStore) GetForUpdate(ctx context.Context, id string) (*models.FleetDeployment, error) {
	return s.Get(ctx, id)
}

func (s *fleetStore) Update(ctx context.Context, f *models.FleetDeployment) error {
	return s.l.do(func(st *state) error {
		if _, ok := st.fleets[f.ID]; !ok {
			return store.ErrNotFound
		}
		st.fleets[f.ID] = copyFleet(f)
		return nil
	})
}

func (s *fleetStore) list(match func(*models.FleetDeployment) bool) ([]*models.FleetDeployment, error) {
	var out []*models.FleetDeployment
	err := s.l.do(func(st *state) error {
		for _, f := range st.fleets {
			if match(f) {
				out = append(out, copyFleet(f))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (s *fleetStore) List(ctx context.Context) ([]*models.FleetDeployment, error) {
	return s.list(func(*models.FleetDeployment) bool { return true })
}

func (s *fleetStore) ListActive(ctx context.Context) ([]*models.FleetDeployment, error) {
	return s.list(func(f *models.FleetDeployment) bool { return f.CompletedAt == nil })
}

// ---- releases ----

type releaseStore struct{ l locker }

func (s *releaseStore) Create(ctx context.Context, r *models.Release) error {
	return s.l.do(func(st *state) error {
		if _, ok := st.releases[r.ID]; ok {
			return store.ErrDuplicateKey
		}
		now := time.Now().UTC()
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = r.CreatedAt
		}
		c := *r
		st.releases[r.ID] = &c
		return nil
	})
}

func (s *releaseStore) Get(ctx context.Context, id string) (*models.Release, error) {
	var out *models.Release
	err := s.l.do(func(st *state) error {
		r, ok := st.releases[id]
		if !ok {
			return store.ErrNotFound
		}
		c := *r
		out = &c
		return nil
	})
	return out, err
}

func (s *releaseStore) GetByVersion(ctx context.Context, version string) (*models.Release, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.Version == version {
			return r, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *releaseStore) List(ctx context.Context) ([]*models.Release, error) {
	var out []*models.Release
	err := s.l.do(func(st *state) error {
		for _, r := range st.releases {
			c := *r
			out = append(out, &c)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (s *releaseStore) ListAvailable(ctx context.Context, now time.Time) ([]*models.Release, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*models.Release
	for _, r := range all {
		if r.IsAvailable(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *releaseStore) UpdateStatus(ctx context.Context, id string, status models.ReleaseStatus) error {
	return s.l.do(func(st *state) error {
		r, ok := st.releases[id]
		if !ok {
			return store.ErrNotFound
		}
		r.Status = status
		r.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *releaseStore) ExpireBefore(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.l.do(func(st *state) error {
		for _, r := range st.releases {
			if r.Status == models.ReleaseStatusPending && !r.ExpiresAt.After(now) {
				r.Status = models.ReleaseStatusExpired
				r.UpdatedAt = now
				n++
			}
		}
		return nil
	})
	return n, err
}

// ---- metrics ----

type metricsStore struct{ l locker }

func (s *metricsStore) Record(ctx context.Context, m *models.ShipMetrics) error {
	return s.l.do(func(st *state) error {
		c := *m
		st.metrics = append(st.metrics, &c)
		return nil
	})
}

func (s *metricsStore) ListByShip(ctx context.Context, shipID string, since time.Time, limit int) ([]*models.ShipMetrics, error) {
	var out []*models.ShipMetrics
	err := s.l.do(func(st *state) error {
		for _, m := range st.metrics {
			if m.ShipID == shipID && !m.Timestamp.Before(since) {
				c := *m
				out = append(out, &c)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (s *metricsStore) LatestPerShip(ctx context.Context, since time.Time) ([]*models.ShipMetrics, error) {
	latest := make(map[string]*models.ShipMetrics)
	err := s.l.do(func(st *state) error {
		for _, m := range st.metrics {
			if m.Timestamp.Before(since) {
				continue
			}
			if cur, ok := latest[m.ShipID]; !ok || m.Timestamp.After(cur.Timestamp) {
				c := *m
				latest[m.ShipID] = &c
			}
		}
		return nil
	})
	out := make([]*models.ShipMetrics, 0, len(latest))
	for _, m := range latest {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShipID < out[j].ShipID })
	return out, err
}

func (s *metricsStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.l.do(func(st *state) error {
		kept := st.metrics[:0]
		for _, m := range st.metrics {
			if m.Timestamp.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, m)
		}
		st.metrics = kept
		return nil
	})
	return n, err
}
