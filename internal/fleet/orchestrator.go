package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"relay-fleet/config"
	"relay-fleet/internal/cloud"
	"relay-fleet/internal/dns"
	"relay-fleet/internal/domain/server"
	"relay-fleet/internal/events"
	"relay-fleet/internal/probe"
	"relay-fleet/internal/queue"
	"relay-fleet/internal/repository"
	"relay-fleet/pkg/logger"
	"relay-fleet/pkg/random"
)

const (
	secretLength    = 32
	streamkeyLength = 32
	hostnameLabel   = 12
)

// Locker is the distributed half of the Coordinator.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// StateStore holds stream state, the autoscaler switch and scale cooldowns.
type StateStore interface {
	StreamState(ctx context.Context) (string, error)
	SetStreamState(ctx context.Context, state string) error
	AutoscalerEnabled(ctx context.Context) (bool, error)
	SetAutoscalerEnabled(ctx context.Context, enabled bool) error
	TryCooldown(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type Bootstrapper interface {
	Build(ctx context.Context, p cloud.BootstrapParams) ([]byte, error)
}

type Deps struct {
	Servers   repository.ServerRepository
	Viewers   repository.ViewerRepository
	Scaling   repository.ScalingEventRepository
	VMs       cloud.VMProvisioner
	Bootstrap Bootstrapper
	DNS       dns.Updater
	Probe     probe.Prober
	Queue     queue.Queue
	State     StateStore
	Locker    Locker
	Events    events.Publisher
	Log       *logger.Logger
}

type Options struct {
	Fleet   config.FleetConfig
	DNSZone string
	DNSTTL  int
}

// Orchestrator owns the fleet: it decides when servers come and go, runs
// their pipelines as queued tasks and places viewers on edges.
type Orchestrator struct {
	servers   repository.ServerRepository
	viewers   repository.ViewerRepository
	scaling   repository.ScalingEventRepository
	vms       cloud.VMProvisioner
	bootstrap Bootstrapper
	dns       dns.Updater
	probe     probe.Prober
	queue     queue.Queue
	state     StateStore
	events    events.Publisher
	log       *logger.Logger
	coord     *Coordinator
	snapshots singleflight.Group

	cfg     config.FleetConfig
	dnsZone string
	dnsTTL  int

	clock     func() time.Time
	newTimer  func() backoff.Timer
	secrets   func() string
	labels    func() string
	streamkey func() string
}

func New(d Deps, opts Options) *Orchestrator {
	log := d.Log
	if log == nil {
		log = logger.NewNop()
	}
	pub := d.Events
	if pub == nil {
		pub = events.Discard{}
	}
	return &Orchestrator{
		servers:   d.Servers,
		viewers:   d.Viewers,
		scaling:   d.Scaling,
		vms:       d.VMs,
		bootstrap: d.Bootstrap,
		dns:       d.DNS,
		probe:     d.Probe,
		queue:     d.Queue,
		state:     d.State,
		events:    pub,
		log:       log,
		coord:     NewCoordinator(d.Locker, opts.Fleet.LockTTL),
		cfg:       opts.Fleet,
		dnsZone:   opts.DNSZone,
		dnsTTL:    opts.DNSTTL,
		clock:     time.Now,
		newTimer:  func() backoff.Timer { return nil },
		secrets:   func() string { return random.String(secretLength) },
		labels:    func() string { return random.Label(hostnameLabel) },
		streamkey: func() string { return random.String(streamkeyLength) },
	}
}

func (o *Orchestrator) now() time.Time {
	return o.clock().UTC()
}

// RegisterTasks binds every fleet task and its failure hook to mux.
func (o *Orchestrator) RegisterTasks(mux *queue.Mux) {
	mux.HandleFunc(TaskScale, o.handleScale)

	mux.HandleFunc(TaskProvisionCreate, o.handleProvisionCreate)
	mux.HandleFunc(TaskProvisionVM, o.handleProvisionVM)
	mux.HandleFunc(TaskProvisionDNS, o.handleProvisionDNS)
	mux.HandleFunc(TaskProvisionReady, o.handleProvisionReady)
	mux.HandleFunc(TaskProvisionActivate, o.handleProvisionActivate)
	for _, t := range []string{TaskProvisionVM, TaskProvisionDNS, TaskProvisionReady, TaskProvisionActivate} {
		mux.OnFailure(t, o.provisionFailed)
	}
	mux.OnFailure(TaskProvisionCreate, o.createFailed)

	mux.HandleFunc(TaskDeprovisionInit, o.handleDeprovisionInit)
	mux.HandleFunc(TaskDeprovisionCheck, o.handleDeprovisionCheck)
	mux.HandleFunc(TaskDeprovisionDNS, o.handleDeprovisionDNS)
	mux.HandleFunc(TaskDeprovisionVM, o.handleDeprovisionVM)
	for _, t := range []string{TaskDeprovisionInit, TaskDeprovisionCheck, TaskDeprovisionDNS, TaskDeprovisionVM} {
		mux.OnFailure(t, o.deprovisionFailed)
	}

	mux.HandleFunc(TaskAssignSweep, o.handleSweep)
	mux.HandleFunc(TaskHealth, o.handleHealth)
	mux.HandleFunc(TaskReconcileViewers, o.handleReconcileViewers)
	mux.HandleFunc(TaskReconcileSessions, o.handleReconcileSessions)
	mux.HandleFunc(TaskReconcileAssignments, o.handleReconcileAssignments)
}

func (o *Orchestrator) publish(ctx context.Context, eventType, aggregate string, id uint, payload interface{}) {
	env, err := events.NewEnvelope(eventType, aggregate, id, payload, o.now())
	if err != nil {
		o.log.Errorf("build %s event: %v", eventType, err)
		return
	}
	if err := o.events.Publish(ctx, env); err != nil {
		o.log.WithContext(ctx).Warnf("publish %s failed: %v", eventType, err)
	}
}

func (o *Orchestrator) publishServer(ctx context.Context, eventType string, s server.Server, reason string) {
	o.publish(ctx, eventType, events.AggregateServer, s.ID, events.ServerChanged{
		ServerID: s.ID,
		Type:     string(s.Type),
		Hostname: s.Hostname,
		Status:   string(s.Status),
		Reason:   reason,
	})
}

// audit appends to the scaling log; a failed write never blocks the fleet.
func (o *Orchestrator) audit(ctx context.Context, e server.ScalingEvent) {
	if o.scaling == nil {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = o.now()
	}
	if err := o.scaling.Create(ctx, &e); err != nil {
		o.log.WithContext(ctx).Warnf("record scaling event %s: %v", e.Action, err)
	}
}

func (o *Orchestrator) maxClients(t server.Type) int {
	if t == server.TypeOrigin {
		return o.cfg.OriginMaxClients
	}
	return o.cfg.EdgeMaxClients
}

func (o *Orchestrator) profile(t server.Type) string {
	if t == server.TypeOrigin {
		return o.cfg.OriginProfile
	}
	return o.cfg.EdgeProfile
}

func (o *Orchestrator) hostname(s server.Server) string {
	name := fmt.Sprintf("%s-%d-%s", s.Type, s.ID, o.labels())
	if o.dnsZone == "" {
		return name
	}
	return name + "." + o.dnsZone
}

func serverCtx(ctx context.Context, id uint) context.Context {
	return context.WithValue(ctx, logger.ServerIdKey, id)
}
