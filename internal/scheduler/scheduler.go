// Package scheduler owns every tracked package's build state. It is the
// only writer of aurcoord.PackageRecord values: it decides what gets
// built next, applies retry/backoff after a failure, discovers new
// dependencies from ingested builds, and persists its state to a
// tracking file so a restart does not forget what it knew.
//
// The scheduler is a long-running event loop, not a one-shot batch run:
// packages arrive and leave at any time, builds fail and are retried on
// a schedule, and the loop must stay responsive to commands and queries
// while a poll of upstream is in flight. Blocking I/O (the oracle HTTP
// calls) therefore never happens on the select loop goroutine; a
// background poller does the network round trips and reports results
// back over an unexported channel.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	mrand "math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/graph/simple"

	"github.com/aurcoord/aurcoord"
	"github.com/aurcoord/aurcoord/internal/fabric"
	"github.com/aurcoord/aurcoord/internal/oracle"
)

const (
	// baseBackoff is the delay before retrying a failed build. Fixed, not
	// exponential; a package that keeps failing exhausts its retry budget
	// within minutes and then waits out the poll tick in CoolingDown.
	baseBackoff = 5 * time.Minute

	// retryCheckInterval is how often the scheduler checks whether a
	// Failed package's backoff has elapsed. It is deliberately much
	// shorter than UPDATE_CHECK_INTERVAL: the backoff between retry
	// attempts must not wait on the next full upstream poll, only
	// CoolingDown does.
	retryCheckInterval = 15 * time.Second
)

// Oracle is the subset of oracle.Oracle the scheduler depends on, so
// tests can substitute a fake.
type Oracle interface {
	Lookup(ctx context.Context, pkg string) (oracle.Info, error)
}

// Scheduler implements the per-package state machine:
// New -> Queued -> Building -> {Built | Failed}. A Failed package
// retries after a fixed backoff until MaxRetries consecutive failures
// land it in CoolingDown, where it waits for the next poll tick to
// reset it. HardFailed exists as a state a record can carry (and be
// restored with), exited only by a forced rebuild or a new upstream
// version; nothing in this core enters it on its own.
type Scheduler struct {
	bus          *fabric.Bus
	oracle       Oracle
	maxRetries   int
	pollInterval time.Duration
	trackingFile string
	log          *log.Logger

	pkgs map[string]*aurcoord.PackageRecord

	// graph tracks parent -> child declared-dependency edges: a node's
	// predecessors are the packages that still depend on it (remove's
	// demote-vs-delete decision), its successors the dependencies it
	// declared (detach). GC eligibility itself is read from each
	// record's Parents set.
	graph  *simple.DirectedGraph
	nodeOf map[string]int64
	pkgOf  map[int64]string

	building map[string]bool // Pkg currently dispatched to the orchestrator

	// freeSlots counts the build slots the orchestrator has announced
	// and the scheduler has not yet filled. One FreeSlot token buys
	// exactly one BuildRequest; dispatch never moves a package to
	// Building without spending a slot.
	freeSlots int

	// warnings aggregates the non-fatal conditions surfaced in the
	// status snapshot, keyed by source so a repeat of the same condition
	// overwrites rather than accumulates.
	warnings map[string]string

	pollResults chan pollResult
}

type pollResult struct {
	pkg  string
	info oracle.Info
	err  error
}

// New constructs a Scheduler. trackingFile is the path of the JSON file
// its state is persisted to between transitions.
func New(bus *fabric.Bus, oc Oracle, maxRetries int, pollInterval time.Duration, trackingFile string, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		bus:          bus,
		oracle:       oc,
		maxRetries:   maxRetries,
		pollInterval: pollInterval,
		trackingFile: trackingFile,
		log:          logger,
		pkgs:         make(map[string]*aurcoord.PackageRecord),
		graph:        simple.NewDirectedGraph(),
		nodeOf:       make(map[string]int64),
		pkgOf:        make(map[int64]string),
		building:     make(map[string]bool),
		warnings:     make(map[string]string),
		pollResults:  make(chan pollResult, 1),
	}
}

// Load restores previously tracked packages from the tracking file, if
// one exists. It must be called before Run. Every restored record is
// reset to Queued (except HardFailed ones, which stay put) so a crash
// mid-build does not strand a package forever in Building.
func (s *Scheduler) Load() error {
	records, err := load(s.trackingFile)
	if err != nil {
		return err
	}
	for _, p := range records {
		if p.State != aurcoord.StateHardFailed {
			p.State = aurcoord.StateQueued
			p.ConsecutiveFailures = 0
			p.NextEligible = time.Time{}
		}
		s.pkgs[p.Name] = p
		s.ensureNode(p.Name)
	}
	for _, p := range records {
		for parent := range p.Parents {
			s.addEdge(parent, p.Name)
		}
	}
	return nil
}

// Run executes the scheduler's event loop until ctx is canceled or the
// bus's Shutdown channel is closed. It is meant to be run under the
// supervisor's errgroup alongside the other components.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	retryTicker := time.NewTicker(retryCheckInterval)
	defer retryTicker.Stop()

	for {
		select {
		case <-s.bus.Shutdown:
			return nil
		case <-ctx.Done():
			return ctx.Err()

		case cmd := <-s.bus.Commands:
			s.handleCommand(cmd)
			s.dispatch()

		case q := <-s.bus.Status:
			q.Reply <- s.snapshot()

		case t := <-s.bus.Terminal:
			s.handleTerminal(t)
			s.dispatch()

		case ev := <-s.bus.Ingested:
			s.handleIngested(ev)
			s.dispatch()

		case <-s.bus.FreeSlot:
			s.freeSlots++
			s.dispatch()

		case <-retryTicker.C:
			s.resolveBackoffs()
			s.dispatch()

		case <-ticker.C:
			s.beginPoll(ctx)

		case r := <-s.pollResults:
			s.handlePollResult(r)
			s.dispatch()
		}
	}
}

// resolveBackoffs requeues every Failed package whose next-eligible
// instant has passed, independent of the much slower upstream poll tick.
// CoolingDown packages are not touched here; only the poll tick lets
// them back in.
func (s *Scheduler) resolveBackoffs() {
	now := time.Now()
	changed := false
	for _, p := range s.pkgs {
		if p.State == aurcoord.StateFailed && !p.NextEligible.After(now) {
			p.State = aurcoord.StateQueued
			changed = true
		}
	}
	if changed {
		s.save()
	}
}

// --- commands -----------------------------------------------------------

func (s *Scheduler) handleCommand(cmd fabric.Command) {
	switch c := cmd.(type) {
	case fabric.AddPackage:
		c.Reply <- s.addPackage(c.Name)
	case fabric.RemovePackage:
		c.Reply <- s.removePackage(c.Name)
	case fabric.ForceRebuild:
		c.Reply <- s.forceRebuild(c.Name)
	}
}

func (s *Scheduler) addPackage(name string) fabric.AddResult {
	if p, ok := s.pkgs[name]; ok {
		if p.Origin == aurcoord.OriginDiscovered {
			// A client is explicitly adopting a package we only knew about
			// as someone else's dependency; it now survives on its own.
			p.Origin = aurcoord.OriginUser
			p.Parents = nil
			s.save()
		}
		return fabric.AddResult{AlreadyTracked: true}
	}
	p := &aurcoord.PackageRecord{
		Name:   name,
		State:  aurcoord.StateQueued,
		Origin: aurcoord.OriginUser,
	}
	s.pkgs[name] = p
	s.ensureNode(name)
	s.save()
	return fabric.AddResult{}
}

func (s *Scheduler) removePackage(name string) fabric.RemoveResult {
	p, ok := s.pkgs[name]
	if !ok {
		return fabric.RemoveResult{}
	}
	if p.State == aurcoord.StateBuilding {
		select {
		case s.bus.Cancel <- name:
		default:
			s.log.Printf("scheduler: cancel channel full, build of %s may continue briefly", name)
		}
	}

	dependents := s.dependents(name)
	if len(dependents) == 0 {
		s.detach(name)
		s.deletePackage(name)
		s.save()
		s.requestRemoval(name)
		// Deleting name may have orphaned the dependencies it discovered.
		s.gc()
		return fabric.RemoveResult{Removed: true}
	}

	// Other tracked packages still declare name as a dependency: demote
	// it to discovered rather than deleting an in-use package out from
	// under the graph.
	p.Origin = aurcoord.OriginDiscovered
	p.Parents = make(map[string]bool, len(dependents))
	for _, parent := range dependents {
		p.Parents[parent] = true
	}
	s.save()
	return fabric.RemoveResult{Removed: false}
}

func (s *Scheduler) forceRebuild(name string) fabric.ForceRebuildResult {
	p, ok := s.pkgs[name]
	if !ok {
		return fabric.ForceRebuildResult{}
	}
	if p.State == aurcoord.StateBuilding {
		select {
		case s.bus.Cancel <- name:
		default:
			s.log.Printf("scheduler: cancel channel full, stale build of %s may still complete", name)
		}
	}
	p.State = aurcoord.StateQueued
	p.ConsecutiveFailures = 0
	p.NextEligible = time.Time{}
	s.save()
	return fabric.ForceRebuildResult{Tracked: true}
}

// --- events ---------------------------------------------------------------

func (s *Scheduler) handleTerminal(t fabric.BuildTerminal) {
	delete(s.building, t.Pkg)
	p, ok := s.pkgs[t.Pkg]
	if !ok {
		return
	}
	if p.State == aurcoord.StateQueued {
		// A force-rebuild requeued the package while its previous
		// container was still draining; that build's outcome is
		// superseded and must not charge the retry budget.
		return
	}
	if t.Outcome == fabric.Success {
		p.State = aurcoord.StateBuilt
		p.ConsecutiveFailures = 0
		p.NextEligible = time.Time{}
		s.save()
		return
	}

	p.ConsecutiveFailures++
	if p.ConsecutiveFailures >= s.maxRetries {
		p.State = aurcoord.StateCoolingDown
		p.NextEligible = time.Time{}
		s.log.Printf("scheduler: %s cooling down after %d consecutive failures (%s: %s), until next poll tick", t.Pkg, p.ConsecutiveFailures, t.Outcome, t.Reason)
		s.save()
		return
	}

	p.State = aurcoord.StateFailed
	p.NextEligible = time.Now().Add(retryBackoff())
	s.log.Printf("scheduler: %s failed (%s: %s), retry %d/%d scheduled for %s", t.Pkg, t.Outcome, t.Reason, p.ConsecutiveFailures, s.maxRetries, p.NextEligible.Format(time.RFC3339))
	s.save()
}

// retryBackoff returns the delay before the next retry: the fixed base
// plus up to 10% jitter so retries across many packages don't all land
// on the same resolveBackoffs tick.
func retryBackoff() time.Duration {
	return baseBackoff + time.Duration(mrand.Int63n(int64(baseBackoff)/10))
}

func (s *Scheduler) handleIngested(ev fabric.Ingested) {
	p, ok := s.pkgs[ev.Pkg]
	if !ok {
		return
	}
	p.LastBuiltVersion = ev.Version
	p.DeclaredDeps = ev.DeclaredDeps

	for _, dep := range ev.DeclaredDeps {
		if dep == ev.Pkg {
			continue
		}
		child, exists := s.pkgs[dep]
		if !exists {
			child = &aurcoord.PackageRecord{
				Name:    dep,
				State:   aurcoord.StateQueued,
				Origin:  aurcoord.OriginDiscovered,
				Parents: map[string]bool{ev.Pkg: true},
			}
			s.pkgs[dep] = child
			s.ensureNode(dep)
		} else if child.Origin == aurcoord.OriginDiscovered {
			if child.Parents == nil {
				child.Parents = make(map[string]bool)
			}
			child.Parents[ev.Pkg] = true
		}
		s.addEdge(ev.Pkg, dep)
	}
	s.save()
	s.gc()
}

// gc deletes discovered packages that have lost every parent and are
// not currently building, per the GCEligible invariant. Collection
// cascades: removing an orphan detaches its own discovered
// dependencies, which may orphan them in turn, so the sweep repeats
// until nothing new dies.
func (s *Scheduler) gc() {
	var removed []string
	for {
		var dead []string
		for name, p := range s.pkgs {
			if p.GCEligible() && !s.building[name] && p.State != aurcoord.StateBuilding {
				dead = append(dead, name)
			}
		}
		if len(dead) == 0 {
			break
		}
		for _, name := range dead {
			s.detach(name)
			s.deletePackage(name)
		}
		removed = append(removed, dead...)
	}
	if len(removed) == 0 {
		return
	}
	s.save()
	for _, name := range removed {
		s.requestRemoval(name)
	}
}

// requestRemoval asks the repository manager to strip name's artifact
// and repo-database entry. It does not block waiting for the outcome —
// the scheduler has already forgotten the package either way — but it
// does log a failure so an operator can see a stale artifact was left
// behind.
func (s *Scheduler) requestRemoval(name string) {
	reply := make(chan error, 1)
	select {
	case s.bus.Removals <- fabric.Removal{Pkg: name, Reply: reply}:
	default:
		s.log.Printf("scheduler: removal channel full, repo artifact for %s may linger", name)
		return
	}
	go func() {
		if err := <-reply; err != nil {
			s.log.Printf("scheduler: removing %s from the repository: %v", name, err)
		}
	}()
}

func (s *Scheduler) deletePackage(name string) {
	delete(s.pkgs, name)
	if id, ok := s.nodeOf[name]; ok {
		s.graph.RemoveNode(id)
		delete(s.nodeOf, name)
		delete(s.pkgOf, id)
	}
}

// --- polling --------------------------------------------------------------

// beginPoll unconditionally lets every CoolingDown package rejoin the
// queue with a fresh retry budget, then kicks off a background sweep of
// the oracle for every tracked package, one HTTP call at a time so a
// slow or wedged upstream cannot stall the whole fleet's dispatch loop.
func (s *Scheduler) beginPoll(ctx context.Context) {
	for _, p := range s.pkgs {
		if p.State == aurcoord.StateCoolingDown {
			p.State = aurcoord.StateQueued
			p.ConsecutiveFailures = 0
			p.NextEligible = time.Time{}
		}
	}
	s.save()

	names := s.sortedNames()
	go func() {
		for _, name := range names {
			info, err := s.oracle.Lookup(ctx, name)
			select {
			case s.pollResults <- pollResult{pkg: name, info: info, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) handlePollResult(r pollResult) {
	p, ok := s.pkgs[r.pkg]
	if !ok {
		return
	}
	if r.err != nil {
		// No state transition on an oracle failure: keep the last known
		// upstream version and surface the condition in /status.
		s.log.Printf("scheduler: upstream lookup failed for %s: %v", r.pkg, r.err)
		s.warnings["upstream/"+r.pkg] = "upstream lookup failed for " + r.pkg + ": " + r.err.Error()
		return
	}
	delete(s.warnings, "upstream/"+r.pkg)

	versionChanged := r.info.Version != p.LastUpstreamVersion
	p.LastUpstreamVersion = r.info.Version

	if r.info.Version != p.LastBuiltVersion {
		switch p.State {
		case aurcoord.StateBuilt, aurcoord.StateFailed, aurcoord.StateCoolingDown:
			p.State = aurcoord.StateQueued
			p.ConsecutiveFailures = 0
			p.NextEligible = time.Time{}
		case aurcoord.StateHardFailed:
			if versionChanged {
				// A HardFailed package only recovers on an explicit
				// operator action or a new upstream version; this is the
				// latter.
				p.State = aurcoord.StateQueued
				p.ConsecutiveFailures = 0
				p.NextEligible = time.Time{}
			}
		}
	}
	s.save()
}

// --- dispatch ---------------------------------------------------------------

// dispatch sends one BuildRequest per accumulated FreeSlot token,
// preferring user-added packages over discovered ones and otherwise
// dispatching in name order for determinism. A package only moves to
// Building when a slot is actually spent on it, so at most MaxBuilders
// packages are ever in Building regardless of queue depth. Each
// dispatched build carries a fresh random upload token, registered with
// the repository manager before the request goes out so the sandbox's
// upload is accepted whenever it arrives.
func (s *Scheduler) dispatch() {
	for s.freeSlots > 0 {
		name, ok := s.nextEligible()
		if !ok {
			return
		}
		token := newUploadToken()
		select {
		case s.bus.Expects <- fabric.ExpectUpload{Pkg: name, Token: token}:
		default:
			// Repository manager is backed up; retry on the next event.
			return
		}
		select {
		case s.bus.BuildRequests <- fabric.BuildRequest{Pkg: name, UploadToken: token}:
			p := s.pkgs[name]
			p.State = aurcoord.StateBuilding
			s.building[name] = true
			s.freeSlots--
			s.save()
		default:
			// Orchestrator's request channel is full; try again once it
			// reports a FreeSlot. The registered token is superseded the
			// next time this package dispatches.
			return
		}
	}
}

// newUploadToken returns a fresh random token binding one dispatched
// build to the one artifact upload it is allowed to produce.
func newUploadToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the platform is broken in a way no
		// retry will fix; fall back to a timestamp-derived token rather
		// than refusing to dispatch builds.
		return hex.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	return hex.EncodeToString(b[:])
}

func (s *Scheduler) nextEligible() (string, bool) {
	now := time.Now()
	var userCandidate, discoveredCandidate string
	for _, name := range s.sortedNames() {
		p := s.pkgs[name]
		if p.State != aurcoord.StateQueued {
			continue
		}
		if s.building[name] {
			// A canceled build for this package has not drained yet; at
			// most one live container may reference it.
			continue
		}
		if !p.NextEligible.IsZero() && p.NextEligible.After(now) {
			continue
		}
		if p.Origin == aurcoord.OriginUser {
			if userCandidate == "" {
				userCandidate = name
			}
		} else if discoveredCandidate == "" {
			discoveredCandidate = name
		}
	}
	if userCandidate != "" {
		return userCandidate, true
	}
	if discoveredCandidate != "" {
		return discoveredCandidate, true
	}
	return "", false
}

// --- status -----------------------------------------------------------------

func (s *Scheduler) snapshot() fabric.StatusSnapshot {
	var snap fabric.StatusSnapshot
	keys := make([]string, 0, len(s.warnings))
	for k := range s.warnings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		snap.Warnings = append(snap.Warnings, s.warnings[k])
	}
	for _, name := range s.sortedNames() {
		p := s.pkgs[name]
		snap.Packages = append(snap.Packages, fabric.PackageStatus{
			Name:                p.Name,
			State:               p.State.String(),
			LastBuiltVersion:    p.LastBuiltVersion,
			LastUpstreamVersion: p.LastUpstreamVersion,
			ConsecutiveFailures: p.ConsecutiveFailures,
			Origin:              p.Origin.String(),
		})
	}
	return snap
}

func (s *Scheduler) sortedNames() []string {
	names := make([]string, 0, len(s.pkgs))
	for name := range s.pkgs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// --- dependency graph bookkeeping -------------------------------------------

func (s *Scheduler) ensureNode(name string) int64 {
	if id, ok := s.nodeOf[name]; ok {
		return id
	}
	n := s.graph.NewNode()
	s.graph.AddNode(n)
	s.nodeOf[name] = n.ID()
	s.pkgOf[n.ID()] = name
	return n.ID()
}

func (s *Scheduler) addEdge(parent, child string) {
	from := s.ensureNode(parent)
	to := s.ensureNode(child)
	if s.graph.HasEdgeFromTo(from, to) {
		return
	}
	s.graph.SetEdge(s.graph.NewEdge(s.graph.Node(from), s.graph.Node(to)))
}

// declaredDeps returns the packages name declares as dependencies: the
// successors of its node (edges point parent -> child).
func (s *Scheduler) declaredDeps(name string) []string {
	id, ok := s.nodeOf[name]
	if !ok {
		return nil
	}
	it := s.graph.From(id)
	var out []string
	for it.Next() {
		out = append(out, s.pkgOf[it.Node().ID()])
	}
	return out
}

// dependents returns the packages that declare name as a dependency:
// the predecessors of its node. A non-empty result means name must
// survive removal as a discovered package.
func (s *Scheduler) dependents(name string) []string {
	id, ok := s.nodeOf[name]
	if !ok {
		return nil
	}
	it := s.graph.To(id)
	var out []string
	for it.Next() {
		out = append(out, s.pkgOf[it.Node().ID()])
	}
	return out
}

// detach strips name from the Parents set of every dependency it
// declared, so deleting name immediately reflects in their GC
// eligibility. The graph edges themselves go away with the node in
// deletePackage.
func (s *Scheduler) detach(name string) {
	for _, dep := range s.declaredDeps(name) {
		if rec, ok := s.pkgs[dep]; ok && rec.Parents != nil {
			delete(rec.Parents, name)
		}
	}
}
