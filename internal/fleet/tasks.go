package fleet

import (
	"time"

	"relay-fleet/internal/queue"
)

const (
	TaskScale = "fleet.scale"

	TaskProvisionCreate   = "fleet.provision.create"
	TaskProvisionVM       = "fleet.provision.vm"
	TaskProvisionDNS      = "fleet.provision.dns"
	TaskProvisionReady    = "fleet.provision.ready"
	TaskProvisionActivate = "fleet.provision.activate"

	TaskDeprovisionInit  = "fleet.deprovision.init"
	TaskDeprovisionCheck = "fleet.deprovision.check"
	TaskDeprovisionDNS   = "fleet.deprovision.dns"
	TaskDeprovisionVM    = "fleet.deprovision.vm"

	TaskAssignSweep          = "fleet.assign.sweep"
	TaskHealth               = "fleet.health"
	TaskReconcileViewers     = "fleet.reconcile.viewers"
	TaskReconcileSessions    = "fleet.reconcile.sessions"
	TaskReconcileAssignments = "fleet.reconcile.assignments"
)

const (
	stepAttempts = 3
	stepBackoff  = 30 * time.Second

	createAttempts = 3
	createBackoff  = 5 * time.Second
)

type provisionPayload struct {
	Reason string `json:"reason"`
}

type serverPayload struct {
	ServerID uint   `json:"server_id"`
	Reason   string `json:"reason,omitempty"`
}

func (o *Orchestrator) provisionCreateTask(reason string) (queue.Task, error) {
	return queue.NewTask(TaskProvisionCreate, provisionPayload{Reason: reason},
		queue.WithMaxAttempts(createAttempts), queue.WithBackoff(createBackoff))
}

// provisionChain builds steps 2-5 of the provisioning pipeline for one server.
func (o *Orchestrator) provisionChain(id uint) (queue.Task, error) {
	p := serverPayload{ServerID: id}
	vm, err := queue.NewTask(TaskProvisionVM, p, queue.WithMaxAttempts(stepAttempts), queue.WithBackoff(stepBackoff))
	if err != nil {
		return queue.Task{}, err
	}
	dnsTask, err := queue.NewTask(TaskProvisionDNS, p, queue.WithMaxAttempts(stepAttempts), queue.WithBackoff(stepBackoff))
	if err != nil {
		return queue.Task{}, err
	}
	ready, err := queue.NewTask(TaskProvisionReady, p,
		queue.WithMaxAttempts(o.cfg.ReadyAttempts), queue.WithBackoff(o.cfg.ReadyBackoff))
	if err != nil {
		return queue.Task{}, err
	}
	activate, err := queue.NewTask(TaskProvisionActivate, p, queue.WithMaxAttempts(stepAttempts), queue.WithBackoff(createBackoff))
	if err != nil {
		return queue.Task{}, err
	}
	return queue.Chain(vm, dnsTask, ready, activate), nil
}

func (o *Orchestrator) deprovisionChain(id uint, reason string) (queue.Task, error) {
	p := serverPayload{ServerID: id, Reason: reason}
	init, err := queue.NewTask(TaskDeprovisionInit, p)
	if err != nil {
		return queue.Task{}, err
	}
	check, err := queue.NewTask(TaskDeprovisionCheck, p,
		queue.WithMaxAttempts(o.drainChecks()), queue.WithBackoff(o.cfg.DrainPollInterval))
	if err != nil {
		return queue.Task{}, err
	}
	dnsTask, err := queue.NewTask(TaskDeprovisionDNS, p, queue.WithMaxAttempts(stepAttempts), queue.WithBackoff(stepBackoff))
	if err != nil {
		return queue.Task{}, err
	}
	vm, err := queue.NewTask(TaskDeprovisionVM, p, queue.WithMaxAttempts(stepAttempts), queue.WithBackoff(stepBackoff))
	if err != nil {
		return queue.Task{}, err
	}
	return queue.Chain(init, check, dnsTask, vm), nil
}

// drainChecks is how many removal checks fit in the drain timeout, plus the
// final one that proceeds regardless.
func (o *Orchestrator) drainChecks() int {
	if o.cfg.DrainTimeout <= 0 || o.cfg.DrainPollInterval <= 0 {
		return 1
	}
	return int(o.cfg.DrainTimeout/o.cfg.DrainPollInterval) + 1
}

// periodicTask builds the single-attempt tasks enqueued by the scheduler.
func periodicTask(taskType string) (queue.Task, error) {
	return queue.NewTask(taskType, nil)
}
