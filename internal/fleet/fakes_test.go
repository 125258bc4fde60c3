package fleet

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"relay-fleet/config"
	"relay-fleet/internal/cloud"
	"relay-fleet/internal/domain/server"
	"relay-fleet/internal/domain/viewer"
	"relay-fleet/internal/events"
	"relay-fleet/internal/queue"
	"relay-fleet/internal/repository"
	relay_errors "relay-fleet/pkg/errors"
	"relay-fleet/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 9, 1, 20, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	if t.After(c.now) {
		c.now = t
	}
	c.mu.Unlock()
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// store backs the fake repositories with plain maps.
type store struct {
	mu       sync.Mutex
	clock    *fakeClock
	servers  map[uint]*server.Server
	users    map[uint]*viewer.User
	sessions map[uint]*viewer.Session
	events   []server.ScalingEvent
	seq      uint
}

func newStore(clock *fakeClock) *store {
	return &store{
		clock:    clock,
		servers:  make(map[uint]*server.Server),
		users:    make(map[uint]*viewer.User),
		sessions: make(map[uint]*viewer.Session),
	}
}

func (s *store) nextID() uint {
	s.seq++
	return s.seq
}

type fakeServers struct{ *store }

func (f fakeServers) Create(_ context.Context, srv *server.Server) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.servers {
		if existing.SharedSecret == srv.SharedSecret {
			return relay_errors.ErrAlreadyExists
		}
		if srv.Type == server.TypeOrigin && existing.Type == server.TypeOrigin && existing.Live() && srv.Live() {
			return relay_errors.ErrConflict
		}
	}
	srv.ID = f.nextID()
	srv.CreatedAt = f.clock.Now()
	srv.UpdatedAt = srv.CreatedAt
	cp := *srv
	f.servers[srv.ID] = &cp
	return nil
}

func (f fakeServers) GetByID(_ context.Context, id uint) (server.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	srv, ok := f.servers[id]
	if !ok {
		return server.Server{}, relay_errors.ErrNotFound
	}
	return *srv, nil
}

func (f fakeServers) GetBySharedSecret(_ context.Context, secret string) (server.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, srv := range f.servers {
		if secret != "" && srv.SharedSecret == secret && srv.Status != server.StatusDeleted {
			return *srv, nil
		}
	}
	return server.Server{}, relay_errors.ErrNotFound
}

func (f fakeServers) List(_ context.Context, filter repository.ServerFilter) ([]server.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []server.Server
	for _, srv := range f.servers {
		if len(filter.Types) > 0 && !containsType(filter.Types, srv.Type) {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, srv.Status) {
			continue
		}
		out = append(out, *srv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func containsType(list []server.Type, t server.Type) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsStatus(list []server.Status, st server.Status) bool {
	for _, v := range list {
		if v == st {
			return true
		}
	}
	return false
}

func (f fakeServers) update(id uint, fn func(*server.Server)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	srv, ok := f.servers[id]
	if !ok {
		return relay_errors.ErrNotFound
	}
	fn(srv)
	srv.UpdatedAt = f.clock.Now()
	return nil
}

func (f fakeServers) SaveInstance(_ context.Context, id uint, instanceID, hostname string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	srv, ok := f.servers[id]
	if !ok || srv.Status != server.StatusProvisioning {
		return false, nil
	}
	srv.InstanceID = sql.NullString{String: instanceID, Valid: instanceID != ""}
	srv.Hostname = hostname
	srv.UpdatedAt = f.clock.Now()
	return true, nil
}

func (f fakeServers) SaveAddresses(_ context.Context, id uint, addr server.Addresses) error {
	return f.update(id, func(s *server.Server) {
		s.IP = addr.IP
		s.InternalIP = addr.InternalIP
		s.Port = addr.Port
		s.MaxClients = addr.MaxClients
	})
}

func (f fakeServers) SetStep(_ context.Context, id uint, step server.Step) error {
	return f.update(id, func(s *server.Server) { s.Step = step })
}

func (f fakeServers) TransitionStatus(_ context.Context, id uint, to server.Status) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	srv, ok := f.servers[id]
	if !ok || !srv.Status.CanTransition(to) {
		return false, nil
	}
	srv.Status = to
	srv.UpdatedAt = f.clock.Now()
	return true, nil
}

func (f fakeServers) MarkFailed(_ context.Context, id uint, step server.Step, reason string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	srv, ok := f.servers[id]
	if !ok || !srv.Status.CanTransition(server.StatusError) {
		return nil
	}
	srv.Status = server.StatusError
	srv.Step = step
	srv.FailureReason = reason
	srv.FailedAt = sql.NullTime{Time: at, Valid: true}
	return nil
}

func (f fakeServers) RecordHealth(_ context.Context, id uint, status server.HealthStatus, message string, at time.Time) error {
	return f.update(id, func(s *server.Server) {
		s.HealthStatus = status
		s.HealthCheckMessage = message
		s.LastHealthCheckAt = sql.NullTime{Time: at, Valid: true}
	})
}

func (f fakeServers) RecordHeartbeat(_ context.Context, id uint, viewerCount *int, at time.Time) error {
	return f.update(id, func(s *server.Server) {
		s.LastHeartbeat = sql.NullTime{Time: at, Valid: true}
		if viewerCount != nil {
			s.ViewerCount = max(*viewerCount, 0)
		}
	})
}

func (f fakeServers) SetViewerCounts(_ context.Context, counts map[uint]int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, srv := range f.servers {
		if n, ok := counts[id]; ok {
			srv.ViewerCount = int(n)
		} else if srv.Type == server.TypeEdge && srv.Status == server.StatusActive {
			srv.ViewerCount = 0
		}
	}
	return nil
}

type fakeViewers struct{ *store }

func (f fakeViewers) GetUser(_ context.Context, id uint) (viewer.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return viewer.User{}, relay_errors.ErrNotFound
	}
	return *u, nil
}

func (f fakeViewers) sortedUsers(keep func(*viewer.User) bool) []viewer.User {
	var out []viewer.User
	for _, u := range f.users {
		if keep(u) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f fakeViewers) ListUsersByServer(_ context.Context, serverID uint) ([]viewer.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedUsers(func(u *viewer.User) bool { return u.ServerID != nil && *u.ServerID == serverID }), nil
}

func (f fakeViewers) ListQueuedUsers(_ context.Context) ([]viewer.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sortedUsers(func(u *viewer.User) bool { return u.Queued() })
	sort.SliceStable(out, func(i, j int) bool { return queuedBefore(out[i], out[j]) })
	return out, nil
}

func queuedBefore(a, b viewer.User) bool {
	switch {
	case a.ProvisioningSince.Valid && !b.ProvisioningSince.Valid:
		return true
	case !a.ProvisioningSince.Valid && b.ProvisioningSince.Valid:
		return false
	case a.ProvisioningSince.Valid && !a.ProvisioningSince.Time.Equal(b.ProvisioningSince.Time):
		return a.ProvisioningSince.Time.Before(b.ProvisioningSince.Time)
	}
	return a.ID < b.ID
}

func (f fakeViewers) ListUsersOnInactiveServers(_ context.Context) ([]viewer.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedUsers(func(u *viewer.User) bool {
		if u.ServerID == nil {
			return false
		}
		srv, ok := f.servers[*u.ServerID]
		return !ok || srv.Status != server.StatusActive
	}), nil
}

func (f fakeViewers) ListIdleAssignedUsers(_ context.Context, since time.Time) ([]viewer.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedUsers(func(u *viewer.User) bool {
		if u.ServerID == nil || !u.UpdatedAt.Before(since) {
			return false
		}
		for _, s := range f.sessions {
			if s.UserID == u.ID && (!s.EndedAt.Valid || s.EndedAt.Time.After(since)) {
				return false
			}
		}
		return true
	}), nil
}

func (f fakeViewers) updateUser(id uint, fn func(*viewer.User)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return relay_errors.ErrNotFound
	}
	fn(u)
	u.UpdatedAt = f.clock.Now()
	return nil
}

func (f fakeViewers) AssignServer(_ context.Context, userID, serverID uint, streamkey string) error {
	return f.updateUser(userID, func(u *viewer.User) {
		id := serverID
		u.ServerID = &id
		u.Streamkey = streamkey
		u.IsProvisioning = false
		u.ProvisioningSince = sql.NullTime{}
	})
}

func (f fakeViewers) Enqueue(_ context.Context, userID uint, at time.Time) (bool, error) {
	newly := false
	err := f.updateUser(userID, func(u *viewer.User) {
		newly = !u.IsProvisioning
		u.ServerID = nil
		u.Streamkey = ""
		u.IsProvisioning = true
		if !u.ProvisioningSince.Valid {
			u.ProvisioningSince = sql.NullTime{Time: at, Valid: true}
		}
	})
	return newly, err
}

func (f fakeViewers) Unassign(_ context.Context, userID uint) error {
	return f.updateUser(userID, func(u *viewer.User) {
		u.ServerID = nil
		u.Streamkey = ""
		u.IsProvisioning = false
		u.ProvisioningSince = sql.NullTime{}
	})
}

func (f fakeViewers) ClearServer(_ context.Context, serverID uint) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, u := range f.users {
		if u.ServerID != nil && *u.ServerID == serverID {
			u.ServerID = nil
			u.Streamkey = ""
			n++
		}
	}
	return n, nil
}

func (f fakeViewers) QueuePosition(_ context.Context, userID uint) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return 0, relay_errors.ErrNotFound
	}
	if !u.Queued() {
		return 0, nil
	}
	var ahead int64
	for _, other := range f.users {
		if other.ID != u.ID && other.Queued() && queuedBefore(*other, *u) {
			ahead++
		}
	}
	return ahead + 1, nil
}

func (f fakeViewers) QueueLength(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, u := range f.users {
		if u.Queued() {
			n++
		}
	}
	return n, nil
}

func (f fakeViewers) AssignedCounts(_ context.Context) (map[uint]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint]int64)
	for _, u := range f.users {
		if u.ServerID != nil {
			out[*u.ServerID]++
		}
	}
	return out, nil
}

func (f fakeViewers) OpenSessionCounts(_ context.Context) (map[uint]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint]int64)
	for _, s := range f.sessions {
		if s.Open() {
			out[s.ServerID]++
		}
	}
	return out, nil
}

func (f fakeViewers) CountActiveViewers(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[uint]bool)
	for _, s := range f.sessions {
		u, ok := f.users[s.UserID]
		if s.Open() && ok && u.ServerID != nil {
			seen[s.UserID] = true
		}
	}
	return int64(len(seen)), nil
}

func (f fakeViewers) OpenSession(_ context.Context, s *viewer.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.ID = f.nextID()
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f fakeViewers) updateSession(id, serverID uint, fn func(*viewer.Session)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.ServerID != serverID || !s.Open() {
		return relay_errors.ErrNotFound
	}
	fn(s)
	return nil
}

func (f fakeViewers) TouchSession(_ context.Context, id, serverID uint, at time.Time) error {
	return f.updateSession(id, serverID, func(s *viewer.Session) { s.LastHeartbeatAt = sql.NullTime{Time: at, Valid: true} })
}

func (f fakeViewers) CloseSession(_ context.Context, id, serverID uint, at time.Time) error {
	return f.updateSession(id, serverID, func(s *viewer.Session) { s.EndedAt = sql.NullTime{Time: at, Valid: true} })
}

func (f fakeViewers) CloseStaleSessions(_ context.Context, heartbeatBefore, startedBefore, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.sessions {
		if !s.Open() {
			continue
		}
		stale := (s.LastHeartbeatAt.Valid && s.LastHeartbeatAt.Time.Before(heartbeatBefore)) ||
			(!s.LastHeartbeatAt.Valid && s.StartedAt.Before(startedBefore))
		if stale {
			s.EndedAt = sql.NullTime{Time: at, Valid: true}
			n++
		}
	}
	return n, nil
}

type fakeScaling struct{ *store }

func (f fakeScaling) Create(_ context.Context, e *server.ScalingEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ID = f.nextID()
	f.events = append(f.events, *e)
	return nil
}

func (f fakeScaling) ListRecent(_ context.Context, limit int) ([]server.ScalingEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]server.ScalingEvent, 0, limit)
	for i := len(f.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.events[i])
	}
	return out, nil
}

type fakeVMs struct {
	mu       sync.Mutex
	created  []cloud.InstanceSpec
	deleted  []string
	gets     int
	// addressAfter is how many GetInstance calls report no address first.
	addressAfter int
	createErr    error
	// duringCreate and duringGet run once, outside the lock, while the call is in flight.
	duringCreate func()
	duringGet    func()
}

func (f *fakeVMs) CreateInstance(_ context.Context, spec cloud.InstanceSpec) (string, error) {
	f.mu.Lock()
	if f.createErr != nil {
		f.mu.Unlock()
		return "", f.createErr
	}
	f.created = append(f.created, spec)
	id := fmt.Sprintf("i-%04d", len(f.created))
	hook := f.duringCreate
	f.duringCreate = nil
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return id, nil
}

func (f *fakeVMs) GetInstance(_ context.Context, id string) (cloud.Instance, error) {
	f.mu.Lock()
	hook := f.duringGet
	f.duringGet = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.gets <= f.addressAfter {
		return cloud.Instance{ID: id, State: "pending"}, nil
	}
	var n int
	fmt.Sscanf(id, "i-%d", &n)
	return cloud.Instance{
		ID:        id,
		PublicIP:  fmt.Sprintf("203.0.113.%d", n),
		PrivateIP: fmt.Sprintf("10.0.0.%d", n),
		State:     "running",
	}, nil
}

func (f *fakeVMs) DeleteInstance(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

type dnsCall struct {
	op       string
	hostname string
	ip       string
}

type fakeDNS struct {
	mu    sync.Mutex
	calls []dnsCall
}

func (f *fakeDNS) UpsertRecord(_ context.Context, hostname, ip string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dnsCall{"upsert", hostname, ip})
	return nil
}

func (f *fakeDNS) DeleteRecord(_ context.Context, hostname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dnsCall{"delete", hostname, ""})
	return nil
}

func (f *fakeDNS) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

type fakeProbe struct {
	mu         sync.Mutex
	clock      *fakeClock
	ready      bool
	healthy    map[uint]bool
	readyCalls []time.Time
}

func (f *fakeProbe) IsReady(context.Context, *server.Server) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyCalls = append(f.readyCalls, f.clock.Now())
	return f.ready
}

func (f *fakeProbe) CheckHealth(_ context.Context, s *server.Server) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthy[s.ID] {
		return true, "ok"
	}
	return false, "connection refused"
}

type fakeState struct {
	mu         sync.Mutex
	clock      *fakeClock
	stream     string
	autoscaler bool
	cooldowns  map[string]time.Time
}

func (f *fakeState) StreamState(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stream, nil
}

func (f *fakeState) SetStreamState(_ context.Context, state string) error {
	f.mu.Lock()
	f.stream = state
	f.mu.Unlock()
	return nil
}

func (f *fakeState) AutoscalerEnabled(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.autoscaler, nil
}

func (f *fakeState) SetAutoscalerEnabled(_ context.Context, enabled bool) error {
	f.mu.Lock()
	f.autoscaler = enabled
	f.mu.Unlock()
	return nil
}

func (f *fakeState) TryCooldown(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	if until, ok := f.cooldowns[key]; ok && now.Before(until) {
		return false, nil
	}
	f.cooldowns[key] = now.Add(ttl)
	return true, nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (f *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		return nil, relay_errors.ErrLocked
	}
	f.held[key] = true
	return func(context.Context) error {
		f.mu.Lock()
		delete(f.held, key)
		f.mu.Unlock()
		return nil
	}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Envelope
}

func (r *recordingPublisher) Publish(_ context.Context, env events.Envelope) error {
	r.mu.Lock()
	r.events = append(r.events, env)
	r.mu.Unlock()
	return nil
}

func (r *recordingPublisher) ofType(eventType string) []events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Envelope
	for _, e := range r.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeBootstrap struct{}

func (fakeBootstrap) Build(_ context.Context, p cloud.BootstrapParams) ([]byte, error) {
	return []byte(fmt.Sprintf("#cloud-config\n# server %d\n", p.ServerID)), nil
}

// instantTimer fires immediately and remembers the waits it was asked for.
type instantTimer struct {
	c     chan time.Time
	waits *[]time.Duration
}

func (t *instantTimer) Start(d time.Duration) {
	*t.waits = append(*t.waits, d)
	t.c <- time.Time{}
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func testFleetConfig() config.FleetConfig {
	return config.FleetConfig{
		AutoscalerEnabled:     true,
		ScaleUpThreshold:      0.8,
		ScaleDownThreshold:    0.2,
		ScaleCooldown:         5 * time.Minute,
		AssignmentIdleTimeout: 5 * time.Minute,
		SessionStaleAfter:     3 * time.Minute,
		SessionNoHeartbeatTTL: 5 * time.Minute,
		EdgeDeferDelay:        time.Minute,
		EdgeMaxClients:        100,
		OriginMaxClients:      1000,
		EdgeProfile:           "c6i.large",
		OriginProfile:         "c6i.4xlarge",
		Image:                 "ami-relay",
		ServerPort:            443,
		VMPollInterval:        10 * time.Second,
		VMPollAttempts:        12,
		ReadyAttempts:         30,
		ReadyBackoff:          30 * time.Second,
		DrainTimeout:          5 * time.Minute,
		DrainPollInterval:     time.Minute,
		LockTTL:               30 * time.Second,
	}
}

type harness struct {
	t          *testing.T
	clock      *fakeClock
	store      *store
	servers    fakeServers
	viewers    fakeViewers
	vms        *fakeVMs
	dns        *fakeDNS
	probe      *fakeProbe
	state      *fakeState
	locker     *fakeLocker
	pub        *recordingPublisher
	queue      *queue.MemoryQueue
	worker     *queue.Worker
	orch       *Orchestrator
	timerWaits []time.Duration
}

func newHarness(t *testing.T, tweaks ...func(*config.FleetConfig)) *harness {
	t.Helper()
	cfg := testFleetConfig()
	for _, tweak := range tweaks {
		tweak(&cfg)
	}

	h := &harness{t: t, clock: newFakeClock()}
	h.store = newStore(h.clock)
	h.servers = fakeServers{h.store}
	h.viewers = fakeViewers{h.store}
	h.vms = &fakeVMs{}
	h.dns = &fakeDNS{}
	h.probe = &fakeProbe{clock: h.clock, ready: true, healthy: map[uint]bool{}}
	h.state = &fakeState{clock: h.clock, stream: StreamOnline, autoscaler: true, cooldowns: map[string]time.Time{}}
	h.locker = &fakeLocker{held: map[string]bool{}}
	h.pub = &recordingPublisher{}
	h.queue = queue.NewMemoryQueue(h.clock.Now)

	h.orch = New(Deps{
		Servers:   h.servers,
		Viewers:   h.viewers,
		Scaling:   fakeScaling{h.store},
		VMs:       h.vms,
		Bootstrap: fakeBootstrap{},
		DNS:       h.dns,
		Probe:     h.probe,
		Queue:     h.queue,
		State:     h.state,
		Locker:    h.locker,
		Events:    h.pub,
		Log:       logger.NewNop(),
	}, Options{Fleet: cfg, DNSZone: "stream.example.org", DNSTTL: 60})
	h.orch.clock = h.clock.Now
	h.orch.newTimer = func() backoff.Timer {
		return &instantTimer{c: make(chan time.Time, 1), waits: &h.timerWaits}
	}

	mux := queue.NewMux()
	h.orch.RegisterTasks(mux)
	h.worker = queue.NewWorker(h.queue, mux, logger.NewNop(), 1)
	return h
}

// drain runs every task that is due now.
func (h *harness) drain() int {
	h.t.Helper()
	n, err := h.worker.Drain(context.Background())
	require.NoError(h.t, err)
	return n
}

// settle runs tasks and jumps the clock to each delayed task until the queue is empty.
func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 1000; i++ {
		h.drain()
		due, ok := h.queue.NextDue()
		if !ok {
			return
		}
		h.clock.Set(due)
	}
	h.t.Fatal("queue did not settle")
}

func (h *harness) addServer(s server.Server) server.Server {
	h.t.Helper()
	if s.SharedSecret == "" {
		s.SharedSecret = fmt.Sprintf("secret-%d", h.store.seq+1)
	}
	if s.MaxClients == 0 {
		s.MaxClients = 100
	}
	if s.Port == 0 {
		s.Port = 443
	}
	require.NoError(h.t, h.servers.Create(context.Background(), &s))
	return s
}

func (h *harness) activeEdge(maxClients int) server.Server {
	h.t.Helper()
	s := h.addServer(server.Server{
		Type:       server.TypeEdge,
		Status:     server.StatusActive,
		Step:       server.StepActivated,
		MaxClients: maxClients,
	})
	require.NoError(h.t, h.servers.update(s.ID, func(srv *server.Server) {
		srv.InstanceID = sql.NullString{String: fmt.Sprintf("i-%04d", s.ID), Valid: true}
		srv.Hostname = fmt.Sprintf("edge-%d.stream.example.org", s.ID)
	}))
	require.NoError(h.t, h.servers.SaveAddresses(context.Background(), s.ID, server.Addresses{
		IP: fmt.Sprintf("203.0.113.%d", s.ID), InternalIP: fmt.Sprintf("10.0.0.%d", s.ID), Port: 443, MaxClients: maxClients,
	}))
	return h.server(s.ID)
}

func (h *harness) server(id uint) server.Server {
	h.t.Helper()
	s, err := h.servers.GetByID(context.Background(), id)
	require.NoError(h.t, err)
	return s
}

func (h *harness) addUser() viewer.User {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	u := &viewer.User{ID: h.store.nextID(), Name: "viewer", CreatedAt: h.clock.Now(), UpdatedAt: h.clock.Now()}
	h.store.users[u.ID] = u
	return *u
}

func (h *harness) user(id uint) viewer.User {
	h.t.Helper()
	u, err := h.viewers.GetUser(context.Background(), id)
	require.NoError(h.t, err)
	return u
}

// watching adds a user assigned to srv with an open session there.
func (h *harness) watching(srv server.Server) viewer.User {
	h.t.Helper()
	u := h.addUser()
	require.NoError(h.t, h.viewers.AssignServer(context.Background(), u.ID, srv.ID, "key"))
	require.NoError(h.t, h.viewers.OpenSession(context.Background(), &viewer.Session{UserID: u.ID, ServerID: srv.ID, StartedAt: h.clock.Now()}))
	return h.user(u.ID)
}

func (h *harness) pendingOfType(taskType string) []queue.Task {
	var out []queue.Task
	for _, t := range h.queue.Pending() {
		if t.Type == taskType {
			out = append(out, t)
		}
	}
	return out
}

func (h *harness) scalingEvents(action server.ScalingAction) []server.ScalingEvent {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	var out []server.ScalingEvent
	for _, e := range h.store.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
