package server

type Status string

const (
	StatusProvisioning   Status = "provisioning"
	StatusActive         Status = "active"
	StatusDeprovisioning Status = "deprovisioning"
	StatusDeleted        Status = "deleted"
	StatusError          Status = "error"
)

var transitions = map[Status][]Status{
	StatusProvisioning:   {StatusActive, StatusDeprovisioning, StatusError},
	StatusActive:         {StatusDeprovisioning, StatusError},
	StatusDeprovisioning: {StatusDeleted, StatusError},
	StatusError:          {StatusDeprovisioning},
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Sources lists every status that may move to the given one, in a stable order.
func Sources(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusProvisioning, StatusActive, StatusDeprovisioning, StatusError} {
		if from.CanTransition(to) {
			out = append(out, from)
		}
	}
	return out
}

// Step names the last pipeline step that completed for a server.
type Step string

const (
	StepNone          Step = ""
	StepRecordCreated Step = "record_created"
	StepVMCreated     Step = "vm_created"
	StepDNSCreated    Step = "dns_created"
	StepReady         Step = "ready"
	StepActivated     Step = "activated"
	StepDrainStarted  Step = "drain_started"
	StepDrained       Step = "drained"
	StepDNSDeleted    Step = "dns_deleted"
	StepVMDeleted     Step = "vm_deleted"
)

var stepOrder = map[Step]int{
	StepNone:          0,
	StepRecordCreated: 1,
	StepVMCreated:     2,
	StepDNSCreated:    3,
	StepReady:         4,
	StepActivated:     5,
	StepDrainStarted:  10,
	StepDrained:       11,
	StepDNSDeleted:    12,
	StepVMDeleted:     13,
}

// Reached reports whether s is at or past target. Provisioning and
// deprovisioning steps share one ordering so a teardown step always ranks
// above any setup step.
func (s Step) Reached(target Step) bool {
	return stepOrder[s] >= stepOrder[target]
}
