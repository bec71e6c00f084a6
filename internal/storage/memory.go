package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dhconnelly/rtreego"

	"github.com/example/ride-escrow/internal/geo"
	"github.com/example/ride-escrow/internal/models"
)

// MemoryStore is a process-local Store used for tests and single-node runs.
// A single mutex serialises every operation; InTx holds it for the whole
// unit and restores a snapshot if the unit fails. Code running inside InTx
// must only use the Repos it was handed.
type MemoryStore struct {
	mu    sync.Mutex
	st    *memState
	index *rtreego.Rtree
}

type memState struct {
	rides     map[string]*models.RideRequest
	wallets   map[string]*models.Wallet
	txns      map[string][]models.Transaction
	extRefs   map[string]bool
	drivers   map[string]*models.Driver
	snapshots map[string]models.LocationRecord
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{st: &memState{
		rides:     make(map[string]*models.RideRequest),
		wallets:   make(map[string]*models.Wallet),
		txns:      make(map[string][]models.Transaction),
		extRefs:   make(map[string]bool),
		drivers:   make(map[string]*models.Driver),
		snapshots: make(map[string]models.LocationRecord),
	}}
	m.rebuildIndex()
	return m
}

func (m *MemoryStore) Rides() RideRepo         { return memRides{memRepos{m: m}} }
func (m *MemoryStore) Wallets() WalletRepo     { return memWallets{memRepos{m: m}} }
func (m *MemoryStore) Drivers() DriverRepo     { return memDrivers{memRepos{m: m}} }
func (m *MemoryStore) Locations() LocationRepo { return memLocations{memRepos{m: m}} }

func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Repos) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.st.clone()
	if err := fn(ctx, memRepos{m: m, inTx: true}); err != nil {
		m.st = snap
		m.rebuildIndex()
		return err
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                   { return nil }

func (m *MemoryStore) rebuildIndex() {
	m.index = rtreego.NewTree(2, 25, 50)
	for _, r := range m.st.rides {
		m.index.Insert(newPickupItem(r))
	}
}

// pickupItem indexes a ride by its pickup point. Pickups never move, so an
// item is inserted once at creation.
type pickupItem struct {
	rideID string
	rect   rtreego.Rect
}

func newPickupItem(r *models.RideRequest) *pickupItem {
	return &pickupItem{rideID: r.ID, rect: rtreego.Point{r.Pickup.Lat, r.Pickup.Lng}.ToRect(1e-7)}
}

func (p *pickupItem) Bounds() rtreego.Rect { return p.rect }

func (s *memState) clone() *memState {
	c := &memState{
		rides:     make(map[string]*models.RideRequest, len(s.rides)),
		wallets:   make(map[string]*models.Wallet, len(s.wallets)),
		txns:      make(map[string][]models.Transaction, len(s.txns)),
		extRefs:   make(map[string]bool, len(s.extRefs)),
		drivers:   make(map[string]*models.Driver, len(s.drivers)),
		snapshots: make(map[string]models.LocationRecord, len(s.snapshots)),
	}
	for k, v := range s.rides {
		c.rides[k] = copyRide(v)
	}
	for k, v := range s.wallets {
		c.wallets[k] = copyWallet(v, true)
	}
	for k, v := range s.txns {
		c.txns[k] = append([]models.Transaction(nil), v...)
	}
	for k, v := range s.extRefs {
		c.extRefs[k] = v
	}
	for k, v := range s.drivers {
		c.drivers[k] = copyDriver(v)
	}
	for k, v := range s.snapshots {
		c.snapshots[k] = v
	}
	return c
}

func copyRide(r *models.RideRequest) *models.RideRequest {
	c := *r
	c.Stops = append([]models.Coord(nil), r.Stops...)
	return &c
}

func copyWallet(w *models.Wallet, withReleased bool) *models.Wallet {
	c := *w
	c.Locks = make([]models.LockEntry, 0, len(w.Locks))
	for _, l := range w.Locks {
		if withReleased || !l.Released {
			c.Locks = append(c.Locks, l)
		}
	}
	return &c
}

func copyDriver(d *models.Driver) *models.Driver {
	c := *d
	c.AcceptedClasses = append([]models.VehicleClass(nil), d.AcceptedClasses...)
	return &c
}

func timePtr(t time.Time) *time.Time { return &t }

type memRepos struct {
	m    *MemoryStore
	inTx bool
}

func (r memRepos) Rides() RideRepo         { return memRides{r} }
func (r memRepos) Wallets() WalletRepo     { return memWallets{r} }
func (r memRepos) Drivers() DriverRepo     { return memDrivers{r} }
func (r memRepos) Locations() LocationRepo { return memLocations{r} }

func (r memRepos) do(fn func(st *memState) error) error {
	if !r.inTx {
		r.m.mu.Lock()
		defer r.m.mu.Unlock()
	}
	return fn(r.m.st)
}

// cas applies mutate to a copy of the ride when pred holds.
func (r memRepos) cas(rideID string, pred func(*models.RideRequest) bool, mutate func(*models.RideRequest)) (bool, error) {
	var ok bool
	err := r.do(func(st *memState) error {
		cur, found := st.rides[rideID]
		if !found || !pred(cur) {
			return nil
		}
		next := copyRide(cur)
		mutate(next)
		next.Normalize()
		st.rides[rideID] = next
		ok = true
		return nil
	})
	return ok, err
}

type memRides struct{ memRepos }

func (r memRides) Create(ctx context.Context, ride *models.RideRequest) error {
	return r.do(func(st *memState) error {
		if _, ok := st.rides[ride.ID]; ok {
			return ErrDuplicate
		}
		c := copyRide(ride)
		c.Normalize()
		st.rides[ride.ID] = c
		r.m.index.Insert(newPickupItem(c))
		return nil
	})
}

func (r memRides) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	var out *models.RideRequest
	err := r.do(func(st *memState) error {
		cur, ok := st.rides[id]
		if !ok {
			return ErrNotFound
		}
		out = copyRide(cur)
		return nil
	})
	return out, err
}

func (r memRides) Claim(ctx context.Context, rideID, driverID string, at time.Time) (bool, error) {
	return r.cas(rideID,
		func(c *models.RideRequest) bool { return c.Status == models.StatusSearching },
		func(n *models.RideRequest) {
			n.Status = models.StatusDriverAssigned
			n.DriverID = driverID
			n.AcceptedAt = timePtr(at)
			n.UpdatedAt = at
		})
}

func (r memRides) MarkArrived(ctx context.Context, rideID, driverID string, at time.Time) (bool, error) {
	return r.cas(rideID,
		func(c *models.RideRequest) bool {
			return c.Status == models.StatusDriverAssigned && c.DriverID == driverID
		},
		func(n *models.RideRequest) {
			n.Status = models.StatusDriverArrived
			n.ArrivedAt = timePtr(at)
			n.UpdatedAt = at
		})
}

func (r memRides) StartTrip(ctx context.Context, rideID, driverID, otp string, at time.Time) (bool, error) {
	return r.cas(rideID,
		func(c *models.RideRequest) bool {
			return c.Status == models.StatusDriverArrived && c.DriverID == driverID &&
				!c.OTPVerified && c.StartOTP == otp
		},
		func(n *models.RideRequest) {
			n.Status = models.StatusTripStarted
			n.OTPVerified = true
			n.StartedAt = timePtr(at)
			n.UpdatedAt = at
		})
}

func (r memRides) Complete(ctx context.Context, rideID, driverID string, c Completion) (bool, error) {
	return r.cas(rideID,
		func(cur *models.RideRequest) bool {
			return cur.Status == models.StatusTripStarted && cur.DriverID == driverID
		},
		func(n *models.RideRequest) {
			n.Status = models.StatusTripCompleted
			n.ExtraFare = c.ExtraFare
			n.TotalAmount = c.TotalAmount
			n.CompletedAt = timePtr(c.At)
			n.UpdatedAt = c.At
		})
}

func (r memRides) Cancel(ctx context.Context, rideID string, c Cancellation) (bool, error) {
	return r.cas(rideID,
		func(cur *models.RideRequest) bool {
			if c.DriverID != "" && cur.DriverID != c.DriverID {
				return false
			}
			return statusIn(cur.Status, c.From)
		},
		func(n *models.RideRequest) {
			n.Status = c.Status
			n.CancelReason = c.Reason
			n.CancellationCharge = c.Charge
			n.CancelledAt = timePtr(c.At)
			n.UpdatedAt = c.At
		})
}

func (r memRides) Unassign(ctx context.Context, rideID, driverID string, at time.Time) (bool, error) {
	return r.cas(rideID,
		func(c *models.RideRequest) bool {
			return c.Status == models.StatusDriverAssigned && c.DriverID == driverID
		},
		func(n *models.RideRequest) {
			n.Status = models.StatusSearching
			n.DriverID = ""
			n.AcceptedAt = nil
			n.UpdatedAt = at
		})
}

func (r memRides) Expire(ctx context.Context, rideID string, at time.Time) (bool, error) {
	return r.cas(rideID,
		func(c *models.RideRequest) bool { return c.Status == models.StatusSearching },
		func(n *models.RideRequest) {
			n.Status = models.StatusNoDriverFound
			n.UpdatedAt = at
		})
}

func (r memRides) candidates(st *memState, q SearchQuery) []*models.RideRequest {
	if q.Center == nil {
		out := make([]*models.RideRequest, 0, len(st.rides))
		for _, ride := range st.rides {
			out = append(out, ride)
		}
		return out
	}
	box := geo.BoundingBox(*q.Center, q.RadiusKm)
	seen := make(map[string]bool)
	var out []*models.RideRequest
	for _, lr := range box.LngRanges() {
		rect, err := rtreego.NewRectFromPoints(rtreego.Point{box.MinLat, lr[0]}, rtreego.Point{box.MaxLat, lr[1]})
		if err != nil {
			return r.candidates(st, SearchQuery{})
		}
		for _, h := range r.m.index.SearchIntersect(rect) {
			id := h.(*pickupItem).rideID
			if seen[id] {
				continue
			}
			seen[id] = true
			if ride, ok := st.rides[id]; ok {
				out = append(out, ride)
			}
		}
	}
	return out
}

func openForSearch(ride *models.RideRequest, q SearchQuery) bool {
	if ride.Status != models.StatusSearching || ride.PickupAt.Before(q.Now) {
		return false
	}
	return q.ExcludePostedBy == "" || ride.PostedBy != q.ExcludePostedBy
}

func classIn(c models.VehicleClass, set []models.VehicleClass) bool {
	for _, s := range set {
		if s == c {
			return true
		}
	}
	return false
}

func statusIn(s models.RideStatus, set []models.RideStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func (r memRides) SearchNearby(ctx context.Context, q SearchQuery) ([]NearbyRide, error) {
	var out []NearbyRide
	err := r.do(func(st *memState) error {
		for _, ride := range r.candidates(st, q) {
			if !openForSearch(ride, q) || !classIn(ride.VehicleClass, q.Classes) {
				continue
			}
			nr := NearbyRide{Ride: copyRide(ride)}
			if q.Center != nil {
				d := geo.DistanceKm(*q.Center, ride.Pickup)
				if d > q.RadiusKm {
					continue
				}
				nr.DistanceKm = &d
			}
			out = append(out, nr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortNearby(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func sortNearby(rs []NearbyRide) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if !a.Ride.PickupAt.Equal(b.Ride.PickupAt) {
			return a.Ride.PickupAt.Before(b.Ride.PickupAt)
		}
		if a.DistanceKm != nil && b.DistanceKm != nil && *a.DistanceKm != *b.DistanceKm {
			return *a.DistanceKm < *b.DistanceKm
		}
		return a.Ride.ID < b.Ride.ID
	})
}

func (r memRides) CountSearching(ctx context.Context, q SearchQuery) (SearchCounts, error) {
	var c SearchCounts
	err := r.do(func(st *memState) error {
		for _, ride := range st.rides {
			if !openForSearch(ride, q) {
				continue
			}
			c.TotalSearching++
			if classIn(ride.VehicleClass, q.Classes) {
				c.MatchingVehicle++
			}
		}
		return nil
	})
	return c, err
}

func (r memRides) collect(limit int, pred func(*models.RideRequest) bool, less func(a, b *models.RideRequest) bool) ([]*models.RideRequest, error) {
	var out []*models.RideRequest
	err := r.do(func(st *memState) error {
		for _, ride := range st.rides {
			if pred(ride) {
				out = append(out, copyRide(ride))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r memRides) StaleClaims(ctx context.Context, acceptedBefore time.Time, limit int) ([]*models.RideRequest, error) {
	return r.collect(limit,
		func(ride *models.RideRequest) bool {
			return ride.Status == models.StatusDriverAssigned && ride.AcceptedAt != nil && ride.AcceptedAt.Before(acceptedBefore)
		},
		func(a, b *models.RideRequest) bool { return a.AcceptedAt.Before(*b.AcceptedAt) })
}

func (r memRides) ExpiredSearching(ctx context.Context, now time.Time, limit int) ([]*models.RideRequest, error) {
	return r.collect(limit,
		func(ride *models.RideRequest) bool {
			return ride.Status == models.StatusSearching && ride.PickupAt.Before(now)
		},
		func(a, b *models.RideRequest) bool { return a.PickupAt.Before(b.PickupAt) })
}

type memWallets struct{ memRepos }

func (r memWallets) Ensure(ctx context.Context, driverID string, at time.Time) (bool, error) {
	var created bool
	err := r.do(func(st *memState) error {
		if _, ok := st.wallets[driverID]; ok {
			return nil
		}
		st.wallets[driverID] = &models.Wallet{DriverID: driverID, CreatedAt: at, UpdatedAt: at}
		created = true
		return nil
	})
	return created, err
}

func (r memWallets) Get(ctx context.Context, driverID string, forUpdate bool) (*models.Wallet, error) {
	var out *models.Wallet
	err := r.do(func(st *memState) error {
		w, ok := st.wallets[driverID]
		if !ok {
			return ErrNotFound
		}
		out = copyWallet(w, false)
		return nil
	})
	return out, err
}

func (r memWallets) Adjust(ctx context.Context, driverID string, d BalanceDelta) (bool, error) {
	var ok bool
	err := r.do(func(st *memState) error {
		w, found := st.wallets[driverID]
		if !found {
			return ErrNotFound
		}
		next := w.Balance.Add(d.Balance)
		if next.IsNegative() {
			return nil
		}
		w.Balance = next
		w.TotalEarnings = w.TotalEarnings.Add(d.Earnings)
		w.TotalWithdrawals = w.TotalWithdrawals.Add(d.Withdrawals)
		w.PendingSettlement = w.PendingSettlement.Add(d.PendingSettlement)
		w.UpdatedAt = d.At
		ok = true
		return nil
	})
	return ok, err
}

func (r memWallets) AddLock(ctx context.Context, l models.LockEntry) error {
	return r.do(func(st *memState) error {
		w, ok := st.wallets[l.DriverID]
		if !ok {
			return ErrNotFound
		}
		if activeLock(st, l.RideID) != nil {
			return ErrDuplicate
		}
		w.Locks = append(w.Locks, l)
		return nil
	})
}

func activeLock(st *memState, rideID string) *models.LockEntry {
	for _, w := range st.wallets {
		for i := range w.Locks {
			if w.Locks[i].RideID == rideID && !w.Locks[i].Released {
				return &w.Locks[i]
			}
		}
	}
	return nil
}

func (r memWallets) ReleaseLock(ctx context.Context, driverID, rideID string, at time.Time) (*models.LockEntry, error) {
	var out *models.LockEntry
	err := r.do(func(st *memState) error {
		w, ok := st.wallets[driverID]
		if !ok {
			return ErrNotFound
		}
		for i := range w.Locks {
			l := &w.Locks[i]
			if l.RideID == rideID && !l.Released {
				l.Released = true
				l.ReleasedAt = timePtr(at)
				c := *l
				out = &c
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (r memWallets) ActiveLock(ctx context.Context, rideID string) (*models.LockEntry, error) {
	var out *models.LockEntry
	err := r.do(func(st *memState) error {
		l := activeLock(st, rideID)
		if l == nil {
			return ErrNotFound
		}
		c := *l
		out = &c
		return nil
	})
	return out, err
}

func (r memWallets) AppendTransaction(ctx context.Context, t models.Transaction) error {
	return r.do(func(st *memState) error {
		if t.ExternalRef != "" {
			if st.extRefs[t.ExternalRef] {
				return ErrDuplicate
			}
			st.extRefs[t.ExternalRef] = true
		}
		st.txns[t.DriverID] = append(st.txns[t.DriverID], t)
		return nil
	})
}

func (r memWallets) RecentTransactions(ctx context.Context, driverID string, limit int) ([]models.Transaction, error) {
	var out []models.Transaction
	err := r.do(func(st *memState) error {
		all := st.txns[driverID]
		for i := len(all) - 1; i >= 0; i-- {
			if limit > 0 && len(out) == limit {
				break
			}
			out = append(out, all[i])
		}
		return nil
	})
	return out, err
}

type memDrivers struct{ memRepos }

func (r memDrivers) Get(ctx context.Context, id string) (*models.Driver, error) {
	var out *models.Driver
	err := r.do(func(st *memState) error {
		d, ok := st.drivers[id]
		if !ok {
			return ErrNotFound
		}
		out = copyDriver(d)
		return nil
	})
	return out, err
}

func (r memDrivers) Upsert(ctx context.Context, d *models.Driver) error {
	return r.do(func(st *memState) error {
		st.drivers[d.ID] = copyDriver(d)
		return nil
	})
}

func (r memDrivers) UpdatePreferences(ctx context.Context, id string, radiusKm float64, classes []models.VehicleClass, at time.Time) error {
	return r.do(func(st *memState) error {
		d, ok := st.drivers[id]
		if !ok {
			return ErrNotFound
		}
		d.SearchRadiusKm = radiusKm
		d.AcceptedClasses = append([]models.VehicleClass(nil), classes...)
		d.UpdatedAt = at
		return nil
	})
}

func (r memDrivers) SetOnline(ctx context.Context, id string, online bool, at time.Time) error {
	return r.do(func(st *memState) error {
		d, ok := st.drivers[id]
		if !ok {
			return ErrNotFound
		}
		d.Online = online
		d.UpdatedAt = at
		return nil
	})
}

func (r memDrivers) DispatchCandidates(ctx context.Context, cells []string, precision int) ([]Candidate, error) {
	var out []Candidate
	err := r.do(func(st *memState) error {
		busy := make(map[string]bool)
		for _, ride := range st.rides {
			if ride.DriverID != "" && ride.Status.Active() {
				busy[ride.DriverID] = true
			}
		}
		want := make(map[string]bool, len(cells))
		for _, c := range cells {
			want[c] = true
		}
		for id, d := range st.drivers {
			if !d.Online || !d.Active || d.PushToken == "" || busy[id] {
				continue
			}
			snap, ok := st.snapshots[id]
			if !ok || len(snap.Geohash) < precision || !want[snap.Geohash[:precision]] {
				continue
			}
			out = append(out, Candidate{Driver: *copyDriver(d), Position: snap})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Driver.ID < out[j].Driver.ID })
	return out, err
}

type memLocations struct{ memRepos }

func (r memLocations) Snapshot(ctx context.Context, driverID string) (*models.LocationRecord, error) {
	var out *models.LocationRecord
	err := r.do(func(st *memState) error {
		rec, ok := st.snapshots[driverID]
		if !ok {
			return ErrNotFound
		}
		out = &rec
		return nil
	})
	return out, err
}

func (r memLocations) SaveSnapshot(ctx context.Context, rec models.LocationRecord) error {
	return r.do(func(st *memState) error {
		rec.Source = models.SourceDurable
		st.snapshots[rec.DriverID] = rec
		return nil
	})
}
