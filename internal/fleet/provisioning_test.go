package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-fleet/internal/domain/server"
	"relay-fleet/internal/events"
	"relay-fleet/internal/queue"
	"relay-fleet/internal/repository"
)

func (h *harness) serversOfType(t server.Type) []server.Server {
	h.t.Helper()
	out, err := h.servers.List(context.Background(), repository.ServerFilter{Types: []server.Type{t}})
	require.NoError(h.t, err)
	return out
}

func TestProvisionFirstServerIsOrigin(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.orch.RequestProvision(context.Background(), "test"))
	h.settle()

	origins := h.serversOfType(server.TypeOrigin)
	require.Len(t, origins, 1)
	o := origins[0]
	assert.Equal(t, server.StatusActive, o.Status)
	assert.Equal(t, server.StepActivated, o.Step)
	assert.Equal(t, 1000, o.MaxClients)
	assert.Equal(t, 443, o.Port)
	assert.Len(t, o.SharedSecret, 32)
	assert.True(t, o.HasInstance())
	assert.NotEmpty(t, o.IP)
	assert.NotEmpty(t, o.InternalIP)
	assert.True(t, strings.HasPrefix(o.Hostname, "origin-"))
	assert.True(t, strings.HasSuffix(o.Hostname, ".stream.example.org"))

	require.Len(t, h.vms.created, 1)
	assert.Equal(t, "c6i.4xlarge", h.vms.created[0].Profile)
	assert.Equal(t, "ami-relay", h.vms.created[0].Image)
	assert.Empty(t, h.dns.calls, "origin servers get no dns record")
	assert.Len(t, h.pub.ofType(events.EventTypeServerAvailable), 1)
	assert.Empty(t, h.pendingOfType(TaskAssignSweep))
}

func TestProvisionEdgeOnceOriginIsActive(t *testing.T) {
	h := newHarness(t)
	h.addServer(server.Server{Type: server.TypeOrigin, Status: server.StatusActive, MaxClients: 1000})

	require.NoError(t, h.orch.RequestProvision(context.Background(), "test"))
	h.settle()

	edges := h.serversOfType(server.TypeEdge)
	require.Len(t, edges, 1)
	e := edges[0]
	assert.Equal(t, server.StatusActive, e.Status)
	assert.Equal(t, 100, e.MaxClients)
	assert.Equal(t, "c6i.large", h.vms.created[0].Profile)
	assert.Equal(t, "edge", h.vms.created[0].Labels["relay-fleet/type"])

	require.Len(t, h.dns.calls, 1)
	assert.Equal(t, dnsCall{"upsert", e.Hostname, e.IP}, h.dns.calls[0])

	hostParts := strings.SplitN(e.Hostname, ".", 2)
	label := strings.Split(hostParts[0], "-")
	require.Len(t, label, 3)
	assert.Equal(t, "edge", label[0])
	assert.Len(t, label[2], 12)
}

func TestActivatingEdgeSweepsQueue(t *testing.T) {
	h := newHarness(t)
	h.addServer(server.Server{Type: server.TypeOrigin, Status: server.StatusActive, MaxClients: 1000})
	waiting := h.addUser()
	_, err := h.viewers.Enqueue(context.Background(), waiting.ID, h.clock.Now())
	require.NoError(t, err)

	require.NoError(t, h.orch.RequestProvision(context.Background(), "test"))
	h.settle()

	edge := h.serversOfType(server.TypeEdge)[0]
	u := h.user(waiting.ID)
	require.NotNil(t, u.ServerID)
	assert.Equal(t, edge.ID, *u.ServerID)
	assert.False(t, u.IsProvisioning)
}

func TestEdgeDeferredWhileOriginProvisions(t *testing.T) {
	h := newHarness(t)
	origin := h.addServer(server.Server{Type: server.TypeOrigin, Status: server.StatusProvisioning, MaxClients: 1000})

	require.NoError(t, h.orch.RequestProvision(context.Background(), "test"))
	start := h.clock.Now()
	h.drain()

	assert.Empty(t, h.serversOfType(server.TypeEdge))
	creates := h.pendingOfType(TaskProvisionCreate)
	require.Len(t, creates, 1)
	due, ok := h.queue.NextDue()
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Minute), due)

	_, err := h.servers.TransitionStatus(context.Background(), origin.ID, server.StatusActive)
	require.NoError(t, err)
	h.settle()

	edges := h.serversOfType(server.TypeEdge)
	require.Len(t, edges, 1)
	assert.Equal(t, server.StatusActive, edges[0].Status)
}

func TestConcurrentCreatesYieldOneOrigin(t *testing.T) {
	h := newHarness(t)
	h.probe.ready = false

	require.NoError(t, h.orch.RequestProvision(context.Background(), "a"))
	require.NoError(t, h.orch.RequestProvision(context.Background(), "b"))
	h.drain()

	assert.Len(t, h.serversOfType(server.TypeOrigin), 1)
	assert.Empty(t, h.serversOfType(server.TypeEdge))
	assert.Len(t, h.pendingOfType(TaskProvisionCreate), 1, "second request waits for the origin")
}

type slowList struct {
	fakeServers
	delay time.Duration
}

func (s slowList) List(ctx context.Context, filter repository.ServerFilter) ([]server.Server, error) {
	time.Sleep(s.delay)
	return s.fakeServers.List(ctx, filter)
}

func TestParallelCreateTasksBothComplete(t *testing.T) {
	h := newHarness(t)
	h.orch.servers = slowList{fakeServers: h.servers, delay: 100 * time.Millisecond}

	tasks := make([]queue.Task, 2)
	for i := range tasks {
		task, err := h.orch.provisionCreateTask(fmt.Sprintf("parallel %d", i))
		require.NoError(t, err)
		tasks[i] = task
	}

	var wg sync.WaitGroup
	errs := make([]error, len(tasks))
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task queue.Task) {
			defer wg.Done()
			errs[i] = h.orch.handleProvisionCreate(context.Background(), task)
		}(i, task)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	require.Len(t, h.serversOfType(server.TypeOrigin), 1)
	assert.Empty(t, h.serversOfType(server.TypeEdge))
	assert.Len(t, h.pendingOfType(TaskProvisionCreate), 1, "the second request waits for the origin")
	assert.Len(t, h.pendingOfType(TaskProvisionVM), 1)
}

func TestReadinessExhaustionMarksServerFailed(t *testing.T) {
	h := newHarness(t)
	h.addServer(server.Server{Type: server.TypeOrigin, Status: server.StatusActive, MaxClients: 1000})
	h.probe.ready = false

	require.NoError(t, h.orch.RequestProvision(context.Background(), "test"))
	h.settle()

	require.Len(t, h.probe.readyCalls, 30)
	for i := 1; i < len(h.probe.readyCalls); i++ {
		assert.Equal(t, 30*time.Second, h.probe.readyCalls[i].Sub(h.probe.readyCalls[i-1]))
	}

	edge := h.serversOfType(server.TypeEdge)[0]
	assert.Equal(t, server.StatusError, edge.Status)
	assert.Equal(t, server.StepDNSCreated, edge.Step)
	assert.Contains(t, edge.FailureReason, TaskProvisionReady)
	assert.True(t, edge.FailedAt.Valid)
	assert.Len(t, h.pub.ofType(events.EventTypeServerFailed), 1)
	assert.Len(t, h.scalingEvents(server.ActionProvisionFailed), 1)
}

func TestVMStepPollsUntilAddressed(t *testing.T) {
	h := newHarness(t)
	h.vms.addressAfter = 3

	require.NoError(t, h.orch.RequestProvision(context.Background(), "test"))
	h.settle()

	assert.Equal(t, 4, h.vms.gets)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second}, h.timerWaits)
	assert.Equal(t, server.StatusActive, h.serversOfType(server.TypeOrigin)[0].Status)
}

func TestVMStepRetryReusesInstance(t *testing.T) {
	h := newHarness(t)
	h.vms.addressAfter = 12

	require.NoError(t, h.orch.RequestProvision(context.Background(), "test"))
	h.settle()

	assert.Len(t, h.vms.created, 1, "a retried vm step resumes polling the recorded instance")
	assert.Equal(t, 13, h.vms.gets)
	o := h.serversOfType(server.TypeOrigin)[0]
	assert.Equal(t, server.StatusActive, o.Status)
	assert.Equal(t, "i-0001", o.InstanceID.String)
}

func TestVMCreateFailureExhaustsBudget(t *testing.T) {
	h := newHarness(t)
	h.vms.createErr = errors.New("insufficient capacity")

	require.NoError(t, h.orch.RequestProvision(context.Background(), "test"))
	h.settle()

	o := h.serversOfType(server.TypeOrigin)[0]
	assert.Equal(t, server.StatusError, o.Status)
	assert.Equal(t, server.StepRecordCreated, o.Step)
	assert.Contains(t, o.FailureReason, "insufficient capacity")
	assert.Empty(t, h.dns.calls)
}

func TestDNSStepRefusesMissingAddress(t *testing.T) {
	h := newHarness(t)
	edge := h.addServer(server.Server{Type: server.TypeEdge, Status: server.StatusProvisioning, Step: server.StepVMCreated, Hostname: "edge-1.stream.example.org"})

	task, err := queue.NewTask(TaskProvisionDNS, serverPayload{ServerID: edge.ID}, queue.WithMaxAttempts(3))
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(context.Background(), task))
	h.settle()

	assert.Empty(t, h.dns.calls)
	assert.Equal(t, server.StatusError, h.server(edge.ID).Status)
}

func TestPipelineStopsWhenServerLeftProvisioning(t *testing.T) {
	h := newHarness(t)
	edge := h.addServer(server.Server{Type: server.TypeEdge, Status: server.StatusDeprovisioning})

	chain, err := h.orch.provisionChain(edge.ID)
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(context.Background(), chain))
	h.settle()

	assert.Empty(t, h.vms.created)
	assert.Equal(t, server.StatusDeprovisioning, h.server(edge.ID).Status)
}

func TestDeprovisionDuringInstanceCreationTerminatesInstance(t *testing.T) {
	h := newHarness(t)
	h.vms.duringCreate = func() {
		origin := h.serversOfType(server.TypeOrigin)[0]
		require.NoError(t, h.orch.RequestDeprovision(context.Background(), origin.ID))
		h.drain()
	}

	require.NoError(t, h.orch.RequestProvision(context.Background(), "test"))
	h.settle()

	o := h.serversOfType(server.TypeOrigin)[0]
	assert.Equal(t, server.StatusDeleted, o.Status)
	assert.False(t, o.InstanceID.Valid, "instance is not recorded on a server that left provisioning")
	assert.Len(t, h.vms.created, 1)
	assert.Equal(t, []string{"i-0001"}, h.vms.deleted)
	assert.Empty(t, h.scalingEvents(server.ActionProvisionFailed))
}

func TestDeprovisionWhileAwaitingAddressesStopsProvisioning(t *testing.T) {
	h := newHarness(t)
	h.vms.duringGet = func() {
		origin := h.serversOfType(server.TypeOrigin)[0]
		require.NoError(t, h.orch.RequestDeprovision(context.Background(), origin.ID))
		h.drain()
	}

	require.NoError(t, h.orch.RequestProvision(context.Background(), "test"))
	h.settle()

	o := h.serversOfType(server.TypeOrigin)[0]
	assert.Equal(t, server.StatusDeleted, o.Status)
	assert.Empty(t, o.IP, "addresses are not written after the server left provisioning")
	assert.Equal(t, []string{"i-0001"}, h.vms.deleted)
	assert.Empty(t, h.probe.readyCalls)
}
