package fleet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"relay-fleet/internal/cloud"
	"relay-fleet/internal/domain/server"
	"relay-fleet/internal/events"
	"relay-fleet/internal/metrics"
	"relay-fleet/internal/queue"
	"relay-fleet/internal/repository"
	relay_errors "relay-fleet/pkg/errors"
)

const (
	secretRetries     = 3
	provisionLockWait = 2 * time.Second
)

var (
	errNotReady  = errors.New("server is not ready yet")
	errNoAddress = errors.New("instance has no address yet")
)

// RequestProvision queues the creation of one server; its type is decided when the task runs.
func (o *Orchestrator) RequestProvision(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "manual"
	}
	if err := o.requestProvision(ctx, reason); err != nil {
		return err
	}
	o.audit(ctx, server.ScalingEvent{Action: server.ActionProvisionRequested, Reason: reason})
	return nil
}

func (o *Orchestrator) requestProvision(ctx context.Context, reason string) error {
	return o.requestProvisionIn(ctx, reason, 0)
}

func (o *Orchestrator) requestProvisionIn(ctx context.Context, reason string, delay time.Duration) error {
	t, err := o.provisionCreateTask(reason)
	if err != nil {
		return err
	}
	if err := o.queue.EnqueueIn(ctx, t, delay); err != nil {
		return fmt.Errorf("enqueue provisioning: %w", err)
	}
	return nil
}

func decodeServer(t queue.Task) (serverPayload, error) {
	var p serverPayload
	if err := t.Decode(&p); err != nil {
		return p, queue.Permanent(fmt.Errorf("decode %s payload: %w", t.Type, err))
	}
	if p.ServerID == 0 {
		return p, queue.Permanent(fmt.Errorf("%s payload has no server id", t.Type))
	}
	return p, nil
}

// loadProvisioning re-reads the server and ends the chain when it is no longer provisioning.
func (o *Orchestrator) loadProvisioning(ctx context.Context, t queue.Task) (server.Server, error) {
	p, err := decodeServer(t)
	if err != nil {
		return server.Server{}, err
	}
	s, err := o.servers.GetByID(ctx, p.ServerID)
	if errors.Is(err, relay_errors.ErrNotFound) {
		o.log.WithContext(ctx).Warnf("%s: server %d no longer exists", t.Type, p.ServerID)
		return s, queue.ErrStopChain
	}
	if err != nil {
		return s, err
	}
	if s.Status != server.StatusProvisioning {
		o.log.WithContext(ctx).Infof("%s: server %d is %s, stopping provisioning", t.Type, s.ID, s.Status)
		return s, queue.ErrStopChain
	}
	return s, nil
}

func (o *Orchestrator) handleProvisionCreate(ctx context.Context, t queue.Task) error {
	var p provisionPayload
	if err := t.Decode(&p); err != nil {
		return queue.Permanent(err)
	}

	var created *server.Server
	deferred := false
	err := o.coord.Wait(ctx, lockKey("provision", string(server.TypeOrigin)), provisionLockWait, func(ctx context.Context) error {
		origins, err := o.servers.List(ctx, repository.ServerFilter{
			Types:    []server.Type{server.TypeOrigin},
			Statuses: []server.Status{server.StatusProvisioning, server.StatusActive},
		})
		if err != nil {
			return err
		}

		typ := server.TypeOrigin
		if len(origins) > 0 {
			typ = server.TypeEdge
			if origins[0].Status == server.StatusProvisioning {
				deferred = true
				return nil
			}
		}

		s := &server.Server{
			Type:         typ,
			Status:       server.StatusProvisioning,
			Step:         server.StepRecordCreated,
			Port:         o.cfg.ServerPort,
			MaxClients:   o.maxClients(typ),
			HealthStatus: server.HealthUnknown,
		}
		for i := 0; i < secretRetries; i++ {
			s.SharedSecret = o.secrets()
			err = o.servers.Create(ctx, s)
			if !errors.Is(err, relay_errors.ErrAlreadyExists) {
				break
			}
		}
		if err != nil {
			return fmt.Errorf("create %s record: %w", typ, err)
		}
		created = s
		return nil
	})
	if err != nil {
		return err
	}

	if deferred {
		o.log.WithContext(ctx).Infof("origin still provisioning, deferring edge by %s", o.cfg.EdgeDeferDelay)
		return o.requestProvisionIn(ctx, p.Reason, o.cfg.EdgeDeferDelay)
	}

	ctx = serverCtx(ctx, created.ID)
	chain, err := o.provisionChain(created.ID)
	if err != nil {
		return queue.Permanent(err)
	}
	if err := o.queue.Enqueue(ctx, chain); err != nil {
		return queue.Permanent(fmt.Errorf("enqueue provisioning chain for server %d: %w", created.ID, err))
	}
	o.log.WithContext(ctx).Infof("provisioning %s server %d (%s)", created.Type, created.ID, p.Reason)
	return nil
}

func (o *Orchestrator) handleProvisionVM(ctx context.Context, t queue.Task) error {
	s, err := o.loadProvisioning(ctx, t)
	if err != nil {
		return err
	}
	ctx = serverCtx(ctx, s.ID)
	if s.Step.Reached(server.StepVMCreated) {
		return nil
	}

	instanceID := s.InstanceID.String
	if !s.HasInstance() {
		hostname := o.hostname(s)
		userData, err := o.bootstrap.Build(ctx, cloud.BootstrapParams{
			ServerID:     s.ID,
			ServerType:   string(s.Type),
			SharedSecret: s.SharedSecret,
		})
		if err != nil {
			return fmt.Errorf("build bootstrap: %w", err)
		}
		instanceID, err = o.vms.CreateInstance(ctx, cloud.InstanceSpec{
			Name:     hostname,
			Profile:  o.profile(s.Type),
			Image:    o.cfg.Image,
			UserData: userData,
			Labels: map[string]string{
				"relay-fleet/server-id": strconv.FormatUint(uint64(s.ID), 10),
				"relay-fleet/type":      string(s.Type),
			},
		})
		if err != nil {
			return err
		}
		saved, err := o.servers.SaveInstance(ctx, s.ID, instanceID, hostname)
		if err != nil {
			return fmt.Errorf("save instance %s: %w", instanceID, err)
		}
		if !saved {
			return o.discardInstance(ctx, s.ID, instanceID)
		}
		o.log.WithContext(ctx).Infof("created instance %s for server %d", instanceID, s.ID)
	}

	inst, err := o.waitForAddresses(ctx, instanceID)
	if err != nil {
		return err
	}
	if _, err := o.loadProvisioning(ctx, t); err != nil {
		return err
	}
	if err := o.servers.SaveAddresses(ctx, s.ID, server.Addresses{
		IP:         inst.PublicIP,
		InternalIP: inst.PrivateIP,
		Port:       o.cfg.ServerPort,
		MaxClients: o.maxClients(s.Type),
	}); err != nil {
		return err
	}
	return o.servers.SetStep(ctx, s.ID, server.StepVMCreated)
}

// discardInstance terminates an instance whose server left provisioning while
// the instance was being created. The chain ends either way, so termination
// is retried here rather than by the queue.
func (o *Orchestrator) discardInstance(ctx context.Context, serverID uint, instanceID string) error {
	o.log.WithContext(ctx).Warnf("server %d left provisioning during instance creation, terminating %s", serverID, instanceID)
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.cfg.VMPollInterval), uint64(max(o.cfg.VMPollAttempts-1, 0))),
		ctx,
	)
	err := backoff.RetryNotifyWithTimer(func() error {
		return o.vms.DeleteInstance(ctx, instanceID)
	}, policy, nil, o.newTimer())
	if err != nil {
		o.log.WithContext(ctx).Errorf("terminate orphaned instance %s of server %d: %v", instanceID, serverID, err)
	}
	return queue.ErrStopChain
}

// waitForAddresses polls the cloud until both addresses are attached, within the configured attempts.
func (o *Orchestrator) waitForAddresses(ctx context.Context, instanceID string) (cloud.Instance, error) {
	attempts := o.cfg.VMPollAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.cfg.VMPollInterval), uint64(attempts-1)),
		ctx,
	)

	var inst cloud.Instance
	err := backoff.RetryNotifyWithTimer(func() error {
		got, err := o.vms.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if !got.Addressed() {
			return errNoAddress
		}
		inst = got
		return nil
	}, policy, nil, o.newTimer())
	if err != nil {
		return cloud.Instance{}, fmt.Errorf("wait for instance %s: %w", instanceID, err)
	}
	return inst, nil
}

func (o *Orchestrator) handleProvisionDNS(ctx context.Context, t queue.Task) error {
	s, err := o.loadProvisioning(ctx, t)
	if err != nil {
		return err
	}
	if s.Step.Reached(server.StepDNSCreated) {
		return nil
	}
	if s.Type == server.TypeEdge {
		if s.Hostname == "" || s.IP == "" {
			return queue.Permanent(fmt.Errorf("server %d has no hostname or ip for dns", s.ID))
		}
		if err := o.dns.UpsertRecord(ctx, s.Hostname, s.IP, o.dnsTTL); err != nil {
			return err
		}
	}
	return o.servers.SetStep(ctx, s.ID, server.StepDNSCreated)
}

func (o *Orchestrator) handleProvisionReady(ctx context.Context, t queue.Task) error {
	s, err := o.loadProvisioning(ctx, t)
	if err != nil {
		return err
	}
	if !o.probe.IsReady(ctx, &s) {
		o.log.WithContext(serverCtx(ctx, s.ID)).Debugf("server %d not ready (attempt %d/%d)", s.ID, t.Attempt, t.MaxAttempts)
		return errNotReady
	}
	return o.servers.SetStep(ctx, s.ID, server.StepReady)
}

func (o *Orchestrator) handleProvisionActivate(ctx context.Context, t queue.Task) error {
	s, err := o.loadProvisioning(ctx, t)
	if err != nil {
		return err
	}
	ctx = serverCtx(ctx, s.ID)

	ok, err := o.servers.TransitionStatus(ctx, s.ID, server.StatusActive, server.StatusProvisioning)
	if err != nil {
		return err
	}
	if !ok {
		return queue.ErrStopChain
	}
	if err := o.servers.SetStep(ctx, s.ID, server.StepActivated); err != nil {
		o.log.WithContext(ctx).Warnf("record activation step: %v", err)
	}
	s.Status = server.StatusActive

	o.publishServer(ctx, events.EventTypeServerAvailable, s, "")
	o.audit(ctx, server.ScalingEvent{Action: server.ActionServerActive, ServerID: &s.ID, ServerType: s.Type})
	o.log.WithContext(ctx).Infof("%s server %d is active at %s", s.Type, s.ID, s.Hostname)

	if s.Type == server.TypeEdge {
		sweep, err := periodicTask(TaskAssignSweep)
		if err != nil {
			return err
		}
		if err := o.queue.Enqueue(ctx, sweep); err != nil {
			o.log.WithContext(ctx).Warnf("enqueue sweep after activation: %v", err)
		}
	}
	return nil
}

func (o *Orchestrator) createFailed(ctx context.Context, t queue.Task, err error) {
	var p provisionPayload
	_ = t.Decode(&p)
	metrics.RecordPipelineFailure(t.Type)
	o.audit(ctx, server.ScalingEvent{
		Action: server.ActionProvisionFailed,
		Reason: fmt.Sprintf("%s: %v", t.Type, err),
	})
	o.log.WithContext(ctx).Errorf("provisioning request %q failed: %v", p.Reason, err)
}

func (o *Orchestrator) provisionFailed(ctx context.Context, t queue.Task, err error) {
	o.markFailed(ctx, t, err, server.StatusProvisioning, server.ActionProvisionFailed)
}

func (o *Orchestrator) deprovisionFailed(ctx context.Context, t queue.Task, err error) {
	o.markFailed(ctx, t, err, server.StatusDeprovisioning, server.ActionDeprovisionFailed)
}

// markFailed moves the server to error, keeping the last step it completed.
// A server that already left the failing pipeline's status is left alone.
func (o *Orchestrator) markFailed(ctx context.Context, t queue.Task, cause error, during server.Status, action server.ScalingAction) {
	metrics.RecordPipelineFailure(t.Type)

	p, err := decodeServer(t)
	if err != nil {
		o.log.WithContext(ctx).Errorf("%s failed: %v", t.Type, cause)
		return
	}
	ctx = serverCtx(ctx, p.ServerID)
	s, err := o.servers.GetByID(ctx, p.ServerID)
	if err != nil {
		o.log.WithContext(ctx).Errorf("%s failed for server %d: %v (reload: %v)", t.Type, p.ServerID, cause, err)
		return
	}
	if s.Status != during {
		o.log.WithContext(ctx).Warnf("%s failed for server %d, now %s: %v", t.Type, s.ID, s.Status, cause)
		return
	}

	reason := fmt.Sprintf("%s: %v", t.Type, cause)
	if err := o.servers.MarkFailed(ctx, s.ID, s.Step, reason, o.now()); err != nil {
		o.log.WithContext(ctx).Errorf("mark server %d failed: %v", s.ID, err)
	}
	s.Status = server.StatusError

	o.audit(ctx, server.ScalingEvent{Action: action, ServerID: &s.ID, ServerType: s.Type, Reason: reason})
	o.publishServer(ctx, events.EventTypeServerFailed, s, reason)
	o.log.WithContext(ctx).Errorf("server %d failed at %s: %v", s.ID, t.Type, cause)
}
