package fleet

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"relay-fleet/internal/domain/server"
	"relay-fleet/internal/metrics"
	"relay-fleet/internal/queue"
	"relay-fleet/internal/repository"
)

const healthConcurrency = 10

type HealthReport struct {
	Checked   int
	Unhealthy []uint
}

func (o *Orchestrator) handleHealth(ctx context.Context, _ queue.Task) error {
	_, err := o.CheckHealth(ctx)
	return err
}

// CheckHealth probes every active edge and records the outcome. Unhealthy
// servers are reported, not replaced.
func (o *Orchestrator) CheckHealth(ctx context.Context) (HealthReport, error) {
	edges, err := o.servers.List(ctx, repository.ServerFilter{
		Types:    []server.Type{server.TypeEdge},
		Statuses: []server.Status{server.StatusActive},
	})
	if err != nil {
		return HealthReport{}, err
	}

	var (
		mu     sync.Mutex
		report = HealthReport{Checked: len(edges)}
		g      errgroup.Group
	)
	g.SetLimit(healthConcurrency)
	for i := range edges {
		s := edges[i]
		g.Go(func() error {
			healthy, msg := o.probe.CheckHealth(ctx, &s)
			status := server.HealthHealthy
			if !healthy {
				status = server.HealthUnhealthy
			}
			metrics.RecordHealthCheck(healthy)

			sctx := serverCtx(ctx, s.ID)
			if err := o.servers.RecordHealth(sctx, s.ID, status, msg, o.now()); err != nil {
				o.log.WithContext(sctx).Warnf("record health of server %d: %v", s.ID, err)
			}
			if !healthy {
				o.log.WithContext(sctx).Warnf("server %d (%s) failed health check: %s", s.ID, s.Hostname, msg)
				mu.Lock()
				report.Unhealthy = append(report.Unhealthy, s.ID)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}
