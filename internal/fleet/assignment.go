package fleet

import (
	"context"
	"errors"
	"sort"
	"time"

	"relay-fleet/internal/domain/server"
	"relay-fleet/internal/domain/viewer"
	"relay-fleet/internal/events"
	"relay-fleet/internal/metrics"
	"relay-fleet/internal/queue"
	"relay-fleet/internal/repository"
	relay_errors "relay-fleet/pkg/errors"
)

const assignLockWait = 2 * time.Second

var assignKey = lockKey("assign", string(server.TypeEdge))

// Assignment is what a viewer is told: an edge to watch from, or a place in the queue.
type Assignment struct {
	UserID    uint   `json:"user_id"`
	ServerID  *uint  `json:"server_id,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	Port      int    `json:"port,omitempty"`
	Streamkey string `json:"streamkey,omitempty"`
	Queued    bool   `json:"queued"`
	Position  int64  `json:"position,omitempty"`
}

func assigned(u viewer.User, s server.Server, streamkey string) Assignment {
	id := s.ID
	return Assignment{UserID: u.ID, ServerID: &id, Hostname: s.Hostname, Port: s.Port, Streamkey: streamkey}
}

// AssignUser places the user on the least loaded active edge or queues them.
func (o *Orchestrator) AssignUser(ctx context.Context, userID uint) (Assignment, error) {
	var res Assignment
	err := o.coord.Wait(ctx, assignKey, assignLockWait, func(ctx context.Context) error {
		var err error
		res, err = o.assignLocked(ctx, userID, 0)
		return err
	})
	return res, err
}

// assignLocked must run under the assignment lock. A non-zero exclude keeps
// the user off that server, even if it is their current one.
func (o *Orchestrator) assignLocked(ctx context.Context, userID, exclude uint) (Assignment, error) {
	u, err := o.viewers.GetUser(ctx, userID)
	if err != nil {
		return Assignment{}, err
	}

	if u.ServerID != nil && *u.ServerID != exclude {
		current, err := o.servers.GetByID(ctx, *u.ServerID)
		if err != nil && !errors.Is(err, relay_errors.ErrNotFound) {
			return Assignment{}, err
		}
		if err == nil && current.Status == server.StatusActive {
			return assigned(u, current, u.Streamkey), nil
		}
	}

	target, err := o.pickEdge(ctx, exclude)
	if err != nil {
		return Assignment{}, err
	}
	if target != nil {
		key := o.streamkey()
		if err := o.viewers.AssignServer(ctx, u.ID, target.ID, key); err != nil {
			return Assignment{}, err
		}
		res := assigned(u, *target, key)
		o.publish(ctx, events.EventTypeAssignmentChanged, events.AggregateUser, u.ID, events.AssignmentChanged{
			UserID:   u.ID,
			ServerID: res.ServerID,
			Hostname: target.Hostname,
		})
		return res, nil
	}

	newly, err := o.viewers.Enqueue(ctx, u.ID, o.now())
	if err != nil {
		return Assignment{}, err
	}
	pos, err := o.viewers.QueuePosition(ctx, u.ID)
	if err != nil {
		return Assignment{}, err
	}
	if u.ServerID != nil {
		o.publish(ctx, events.EventTypeAssignmentChanged, events.AggregateUser, u.ID, events.AssignmentChanged{UserID: u.ID, Queued: true})
	}
	if newly {
		o.publish(ctx, events.EventTypeUserWaiting, events.AggregateUser, u.ID, events.UserWaiting{UserID: u.ID, Position: pos})
	}
	return Assignment{UserID: u.ID, Queued: true, Position: pos}, nil
}

// pickEdge returns the active edge with spare room and the lowest load, or nil.
// Load counts both assigned users and open sessions, whichever is higher.
func (o *Orchestrator) pickEdge(ctx context.Context, exclude uint) (*server.Server, error) {
	edges, err := o.servers.List(ctx, repository.ServerFilter{
		Types:    []server.Type{server.TypeEdge},
		Statuses: []server.Status{server.StatusActive},
	})
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, nil
	}
	users, err := o.viewers.AssignedCounts(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := o.viewers.OpenSessionCounts(ctx)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		s    *server.Server
		load int64
	}
	var free []candidate
	for i := range edges {
		s := &edges[i]
		if s.ID == exclude {
			continue
		}
		load := max(users[s.ID], sessions[s.ID])
		if load < int64(s.MaxClients) {
			free = append(free, candidate{s: s, load: load})
		}
	}
	if len(free) == 0 {
		return nil, nil
	}
	sort.SliceStable(free, func(i, j int) bool {
		if free[i].load != free[j].load {
			return free[i].load < free[j].load
		}
		return free[i].s.ID < free[j].s.ID
	})
	return free[0].s, nil
}

// Sweep assigns queued users in arrival order until the queue is empty or
// an assignment finds no capacity. It returns how many users were placed.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	placed := 0
	err := o.coord.Wait(ctx, assignKey, assignLockWait, func(ctx context.Context) error {
		queued, err := o.viewers.ListQueuedUsers(ctx)
		if err != nil {
			return err
		}
		for _, u := range queued {
			res, err := o.assignLocked(ctx, u.ID, 0)
			if errors.Is(err, relay_errors.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if res.Queued {
				return nil
			}
			placed++
		}
		return nil
	})
	return placed, err
}

func (o *Orchestrator) handleSweep(ctx context.Context, _ queue.Task) error {
	placed, err := o.Sweep(ctx)
	if errors.Is(err, relay_errors.ErrLocked) {
		o.log.WithContext(ctx).Debugf("assignment sweep skipped: lock held")
		return nil
	}
	if err != nil {
		return err
	}
	if placed > 0 {
		o.log.WithContext(ctx).Infof("assigned %d queued users", placed)
	}
	if n, err := o.viewers.QueueLength(ctx); err == nil {
		metrics.QueueLength.Set(float64(n))
	}
	return nil
}

// QueuePosition is the user's 1-based place in the waiting queue, 0 when not queued.
func (o *Orchestrator) QueuePosition(ctx context.Context, userID uint) (int64, error) {
	return o.viewers.QueuePosition(ctx, userID)
}

// drainAssignments takes the server out of rotation and reassigns its users
// under the assignment lock, so no new viewer lands on it in between. Users
// that find no other edge end up queued.
func (o *Orchestrator) drainAssignments(ctx context.Context, s server.Server) (moved, queued int, err error) {
	err = o.coord.Wait(ctx, assignKey, assignLockWait, func(ctx context.Context) error {
		if s.Status != server.StatusDeprovisioning {
			ok, err := o.servers.TransitionStatus(ctx, s.ID, server.StatusDeprovisioning)
			if err != nil {
				return err
			}
			if !ok {
				return queue.ErrStopChain
			}
		}

		users, err := o.viewers.ListUsersByServer(ctx, s.ID)
		if err != nil {
			o.log.WithContext(ctx).Warnf("list users of server %d: %v", s.ID, err)
			return nil
		}
		for _, u := range users {
			res, err := o.assignLocked(ctx, u.ID, s.ID)
			if err != nil {
				o.log.WithContext(ctx).Warnf("reassign user %d off server %d: %v", u.ID, s.ID, err)
				continue
			}
			if res.Queued {
				queued++
			} else {
				moved++
			}
		}
		return nil
	})
	return moved, queued, err
}
