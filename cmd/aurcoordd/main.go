// Command aurcoordd runs the AUR build coordinator: it wires the
// fabric bus to the scheduler, orchestrator, repository manager and
// HTTP surface, then boots them under the supervisor until the process
// is interrupted.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	docker "github.com/docker/docker/client"

	"github.com/aurcoord/aurcoord"
	"github.com/aurcoord/aurcoord/internal/config"
	"github.com/aurcoord/aurcoord/internal/fabric"
	"github.com/aurcoord/aurcoord/internal/httpapi"
	"github.com/aurcoord/aurcoord/internal/oracle"
	"github.com/aurcoord/aurcoord/internal/orchestrator"
	"github.com/aurcoord/aurcoord/internal/repo"
	"github.com/aurcoord/aurcoord/internal/scheduler"
	"github.com/aurcoord/aurcoord/internal/supervisor"
)

// version is stamped into /status responses; overridden at release time
// via -ldflags "-X main.version=...".
var version = "HEAD"

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("aurcoordd: %v", err)
	}

	logger := log.New(os.Stderr, "aurcoordd: ", log.LstdFlags)

	ctx, canc := aurcoord.SignalContext()
	defer canc()

	bus := fabric.New()

	dockerClient, err := docker.NewClientWithOpts(docker.FromEnv, docker.WithAPIVersionNegotiation())
	if err != nil {
		log.Fatalf("aurcoordd: creating Docker client: %v", err)
	}
	defer dockerClient.Close()

	repository := aurcoord.Repository{Dir: cfg.RepoDir, Name: cfg.RepoName}
	repoManager, err := repo.New(repository, bus, log.New(os.Stderr, "repo: ", log.LstdFlags))
	if err != nil {
		log.Fatalf("aurcoordd: initializing repository manager: %v", err)
	}

	listenAddr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)

	orch := orchestrator.New(bus, dockerClient, repoManager, cfg.MaxBuilders, cfg.BuilderImage, listenAddr, log.New(os.Stderr, "orchestrator: ", log.LstdFlags))
	if err := orch.ReapOrphans(ctx); err != nil {
		logger.Printf("reaping orphaned containers: %v", err)
	}

	sched := scheduler.New(bus, oracle.New(), cfg.MaxRetries, cfg.UpdateCheckInterval, cfg.TrackingFile, log.New(os.Stderr, "scheduler: ", log.LstdFlags))
	if err := sched.Load(); err != nil {
		log.Fatalf("aurcoordd: loading tracking file: %v", err)
	}

	httpServer := httpapi.New(bus, repository, httpapi.Info{
		Version: version,
		Started: time.Now(),
		Config: map[string]string{
			"max_builders":          strconv.Itoa(cfg.MaxBuilders),
			"max_retries":           strconv.Itoa(cfg.MaxRetries),
			"update_check_interval": cfg.UpdateCheckInterval.String(),
			"builder_image":         cfg.BuilderImage,
			"repo_name":             cfg.RepoName,
		},
	}, log.New(os.Stderr, "http: ", log.LstdFlags))

	sup := supervisor.New(bus, sched, orch, repoManager, httpServer, listenAddr)
	if err := sup.Run(ctx); err != nil {
		log.Fatalf("aurcoordd: %v", err)
	}
}
