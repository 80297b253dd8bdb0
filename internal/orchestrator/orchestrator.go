// Package orchestrator spawns and supervises the OCI sandbox containers
// that perform actual package builds. It owns the bounded concurrency
// cap (MAX_BUILDERS), injects each sandbox's address and upload token,
// watches for container exit, and reports a single BuildTerminal event
// per dispatched build once the outcome — including repository-manager
// confirmation of the artifact upload — is known.
//
// The Docker Engine client is injected as the narrow DockerClient
// interface covering the handful of calls the orchestrator actually
// issues, so a fake can stand in during tests.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/xerrors"

	"github.com/aurcoord/aurcoord/internal/fabric"
)

// sandboxLabel marks every container this coordinator creates, so a
// fresh process can find and reap containers left behind by a crash.
const sandboxLabel = "aurcoord.sandbox=1"

// DockerClient is the subset of *docker/client.Client the orchestrator
// depends on.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// IngestConfirmer is satisfied by the repository manager; the
// orchestrator uses it to refuse to call a zero-exit container a
// Success unless an artifact was actually ingested under the build's
// upload token: a worker exiting 0 without uploading must not register
// as a successful build.
type IngestConfirmer interface {
	Confirmed(token string) bool
}

type running struct {
	containerID string
	cancel      context.CancelFunc
	canceledBy  bool // true once cancel has been called for this build
}

// Orchestrator dispatches and supervises sandbox builds.
type Orchestrator struct {
	bus          *fabric.Bus
	docker       DockerClient
	repo         IngestConfirmer
	maxBuilders  int
	builderImage string
	listenAddr   string
	log          *log.Logger

	mu       sync.Mutex
	active   map[string]*running // keyed by package name
	inFlight int
}

// New constructs an Orchestrator. listenAddr is the coordinator's own
// HTTP address, injected into every sandbox as ADDRESS so the build
// knows where to upload its artifact.
func New(bus *fabric.Bus, docker DockerClient, repo IngestConfirmer, maxBuilders int, builderImage, listenAddr string, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		bus:          bus,
		docker:       docker,
		repo:         repo,
		maxBuilders:  maxBuilders,
		builderImage: builderImage,
		listenAddr:   listenAddr,
		log:          logger,
		active:       make(map[string]*running),
	}
}

// ReapOrphans removes any sandbox containers left running from a
// previous, crashed instance of the coordinator. It is meant to run once
// before Run.
func (o *Orchestrator) ReapOrphans(ctx context.Context) error {
	list, err := o.docker.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", sandboxLabel),
		),
	})
	if err != nil {
		return xerrors.Errorf("listing sandbox containers: %w", err)
	}
	for _, c := range list {
		o.log.Printf("orchestrator: removing orphaned sandbox container %s from a previous run", c.ID)
		_ = o.docker.ContainerStop(ctx, c.ID, container.StopOptions{})
		if err := o.docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			o.log.Printf("orchestrator: removing orphaned container %s: %v", c.ID, err)
		}
	}
	return nil
}

// Run executes the orchestrator's dispatch loop until ctx is canceled
// or the bus's Shutdown channel is closed.
func (o *Orchestrator) Run(ctx context.Context) error {
	for i := 0; i < o.maxBuilders; i++ {
		o.sendFreeSlot()
	}

	for {
		var buildRequests chan fabric.BuildRequest
		// A finishing build only decrements inFlight from its own
		// goroutine, so while at capacity the loop rechecks on a short
		// timer instead of waiting for an unrelated message to wake it.
		var recheck <-chan time.Time
		if o.hasCapacity() {
			buildRequests = o.bus.BuildRequests
		} else {
			recheck = time.After(100 * time.Millisecond)
		}

		select {
		case <-recheck:
		case <-o.bus.Shutdown:
			o.stopAll(context.Background())
			return nil
		case <-ctx.Done():
			o.stopAll(context.Background())
			return ctx.Err()

		case req := <-buildRequests:
			o.start(ctx, req)

		case pkg := <-o.bus.Cancel:
			o.cancel(pkg)
		}
	}
}

func (o *Orchestrator) hasCapacity() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight < o.maxBuilders
}

func (o *Orchestrator) sendFreeSlot() {
	select {
	case o.bus.FreeSlot <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) start(parent context.Context, req fabric.BuildRequest) {
	o.mu.Lock()
	o.inFlight++
	o.mu.Unlock()

	buildCtx, cancel := context.WithCancel(parent)
	o.mu.Lock()
	o.active[req.Pkg] = &running{cancel: cancel}
	o.mu.Unlock()

	go o.run(buildCtx, req)
}

func (o *Orchestrator) run(ctx context.Context, req fabric.BuildRequest) {
	defer func() {
		o.mu.Lock()
		delete(o.active, req.Pkg)
		o.inFlight--
		o.mu.Unlock()
		o.sendFreeSlot()
	}()

	id, err := o.createAndStart(ctx, req)
	if err != nil {
		o.terminal(req.Pkg, "", fabric.InfraError, err.Error())
		return
	}

	o.mu.Lock()
	if r, ok := o.active[req.Pkg]; ok {
		r.containerID = id
	}
	o.mu.Unlock()

	o.waitAndReport(ctx, req, id)
}

func (o *Orchestrator) createAndStart(ctx context.Context, req fabric.BuildRequest) (string, error) {
	cfg := &container.Config{
		Image: o.builderImage,
		Env: []string{
			"PACKAGE=" + req.Pkg,
			"ADDRESS=" + o.listenAddr,
			"UPLOAD_TOKEN=" + req.UploadToken,
		},
		Labels: map[string]string{
			"aurcoord.sandbox": "1",
			"aurcoord.package": req.Pkg,
		},
	}
	hostCfg := &container.HostConfig{
		AutoRemove: false,
	}
	resp, err := o.docker.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return "", xerrors.Errorf("creating sandbox for %s: %w", req.Pkg, err)
	}
	if err := o.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, xerrors.Errorf("starting sandbox for %s: %w", req.Pkg, err)
	}
	select {
	case o.bus.Started <- fabric.BuildStarted{Pkg: req.Pkg, ContainerID: resp.ID, Started: time.Now()}:
	default:
	}
	return resp.ID, nil
}

// waitAndReport blocks until the container exits (or the build is
// canceled), determines the outcome, and emits exactly one
// BuildTerminal event.
func (o *Orchestrator) waitAndReport(ctx context.Context, req fabric.BuildRequest, id string) {
	statusCh, errCh := o.docker.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		o.terminal(req.Pkg, id, fabric.InfraError, err.Error())
	case result := <-statusCh:
		o.reportExit(req, id, result)
	case <-ctx.Done():
		o.mu.Lock()
		r, ok := o.active[req.Pkg]
		canceledByUs := ok && r.canceledBy
		o.mu.Unlock()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		_ = o.docker.ContainerStop(stopCtx, id, container.StopOptions{})
		reason := "coordinator shutting down"
		if canceledByUs {
			reason = "canceled by operator"
		}
		o.terminal(req.Pkg, id, fabric.Killed, reason)
	}
	o.remove(id)
}

func (o *Orchestrator) reportExit(req fabric.BuildRequest, id string, result container.WaitResponse) {
	if result.Error != nil && result.Error.Message != "" {
		o.terminal(req.Pkg, id, fabric.InfraError, result.Error.Message)
		return
	}
	if result.StatusCode >= 128 {
		// 128+n is the conventional exit status of a process terminated
		// by signal n. The coordinator did not stop this container, so
		// someone else did; the signal source is not discernible from
		// the wait response, so default to Killed and warn.
		o.log.Printf("orchestrator: container %s for %s exited with status %d, treating as externally killed", id, req.Pkg, result.StatusCode)
		o.terminal(req.Pkg, id, fabric.Killed, fmt.Sprintf("container terminated by signal (exit status %d)", result.StatusCode))
		return
	}
	if result.StatusCode != 0 {
		o.terminal(req.Pkg, id, fabric.ExitFail, fmt.Sprintf("container exited with status %d", result.StatusCode))
		return
	}
	// A zero exit status is necessary but not sufficient: the worker
	// must have actually uploaded an artifact under this build's token;
	// a worker bug that exits 0 without uploading must not be reported
	// as Success.
	if o.repo != nil && !o.repo.Confirmed(req.UploadToken) {
		o.terminal(req.Pkg, id, fabric.InfraError, "container exited 0 but no artifact was ingested for this build")
		return
	}
	o.terminal(req.Pkg, id, fabric.Success, "")
}

func (o *Orchestrator) terminal(pkg, containerID string, outcome fabric.Outcome, reason string) {
	o.bus.Terminal <- fabric.BuildTerminal{
		Pkg:         pkg,
		ContainerID: containerID,
		Outcome:     outcome,
		Reason:      reason,
	}
}

func (o *Orchestrator) remove(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		o.log.Printf("orchestrator: removing container %s: %v", id, err)
	}
}

// cancel stops the in-flight build for pkg, if one exists. Reported
// outcome is decided by waitAndReport once ContainerWait unblocks; we
// mark canceledBy here purely for the Killed-reason message.
func (o *Orchestrator) cancel(pkg string) {
	o.mu.Lock()
	r, ok := o.active[pkg]
	if ok {
		r.canceledBy = true
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
}

func (o *Orchestrator) stopAll(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.active))
	for _, r := range o.active {
		if r.containerID != "" {
			ids = append(ids, r.containerID)
		}
	}
	o.mu.Unlock()
	for _, id := range ids {
		_ = o.docker.ContainerStop(ctx, id, container.StopOptions{})
	}
}
