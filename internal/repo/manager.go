// Package repo is the coordinator's repository manager: the single
// writer of the on-disk package repository. It serializes every
// artifact ingestion and repo-database edit behind one mutex, writes
// artifacts (and the empty bootstrap database) atomically via renameio,
// and shells out to repo-add(8)/repo-remove(8) to edit the database
// rather than reimplementing the pacman database format.
package repo

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/aurcoord/aurcoord"
	"github.com/aurcoord/aurcoord/internal/fabric"
)

// DatabaseTool is the external binary invoked to add an artifact to the
// repo-database file. It is expected to behave like Arch's repo-add:
// given the database path and a list of package file paths, it updates
// the database in place.
const DatabaseTool = "repo-add"

// RemoveTool is repo-add's companion binary for stripping an entry from
// the repo-database file by package name, without touching the artifact
// file itself.
const RemoveTool = "repo-remove"

// Manager owns a Repository's directory and database file.
type Manager struct {
	repo aurcoord.Repository
	bus  *fabric.Bus
	log  *log.Logger

	mu sync.Mutex

	// Token and artifact bookkeeping. issued maps an outstanding upload
	// token to the package it was dispatched for; tokenOf is its inverse
	// so re-dispatching a package invalidates the previous token. acked
	// records tokens whose upload was successfully ingested, so the
	// orchestrator can refuse to call a zero-exit container a Success
	// without real evidence of an uploaded artifact. artifacts remembers
	// the exact artifact filename ingested per package, so removal never
	// has to guess which files belong to whom.
	ackMu     sync.Mutex
	issued    map[string]string
	tokenOf   map[string]string
	acked     map[string]bool
	artifacts map[string]string
}

// New constructs a Manager for repo. It ensures the repository
// directory and an empty database file exist so a client requesting
// the repo before the first package is built sees an empty, valid
// repository rather than a 404.
func New(repository aurcoord.Repository, bus *fabric.Bus, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.Default()
	}
	m := &Manager{
		repo:      repository,
		bus:       bus,
		log:       logger,
		issued:    make(map[string]string),
		tokenOf:   make(map[string]string),
		acked:     make(map[string]bool),
		artifacts: make(map[string]string),
	}
	if err := os.MkdirAll(repository.Dir, 0755); err != nil {
		return nil, xerrors.Errorf("creating repository directory %s: %w", repository.Dir, err)
	}
	if err := m.removeStaleDatabases(); err != nil {
		return nil, err
	}

	artifacts, err := filepath.Glob(filepath.Join(repository.Dir, "*.pkg.tar.zst"))
	if err != nil {
		return nil, xerrors.Errorf("scanning %s for artifacts: %w", repository.Dir, err)
	}
	for _, path := range artifacts {
		if pkg := artifactPackageName(filepath.Base(path)); pkg != "" {
			m.artifacts[pkg] = filepath.Base(path)
		}
	}

	if _, err := os.Stat(repository.DatabasePath()); os.IsNotExist(err) {
		if err := m.bootstrapEmptyDatabase(); err != nil {
			return nil, err
		}
		// A repository renamed under existing artifacts gets its new
		// database rebuilt from them, so built packages stay resolvable
		// without waiting for their next rebuild.
		if len(artifacts) > 0 {
			if err := m.runDatabaseTool(context.Background(), artifacts...); err != nil {
				return nil, xerrors.Errorf("rebuilding repo database from existing artifacts: %w", err)
			}
		}
	}
	return m, nil
}

// removeStaleDatabases deletes any repo-database file left behind by a
// previous REPO_NAME, so that renaming the repository never leaves a
// stale database next to the new one. A
// repo-database file is any "*.db.tar.gz" in the directory that isn't
// the current name's; the matching ".files" index, if present, goes
// with it.
func (m *Manager) removeStaleDatabases() error {
	matches, err := filepath.Glob(filepath.Join(m.repo.Dir, "*.db.tar.gz"))
	if err != nil {
		return xerrors.Errorf("scanning %s for stale repo databases: %w", m.repo.Dir, err)
	}
	current := m.repo.DatabasePath()
	for _, path := range matches {
		if path == current {
			continue
		}
		m.log.Printf("repo: removing stale repo database %s left by a prior repository name", path)
		if err := os.Remove(path); err != nil {
			return xerrors.Errorf("removing stale repo database %s: %w", path, err)
		}
		filesIndex := strings.TrimSuffix(path, ".db.tar.gz") + ".files.tar.gz"
		os.Remove(filesIndex)
	}
	return nil
}

func (m *Manager) bootstrapEmptyDatabase() error {
	empty, err := emptyTarGz()
	if err != nil {
		return xerrors.Errorf("building empty repo database: %w", err)
	}
	if err := renameio.WriteFile(m.repo.DatabasePath(), empty, 0644); err != nil {
		return xerrors.Errorf("writing empty repo database: %w", err)
	}
	return nil
}

// Run services upload requests from the HTTP surface until ctx is
// canceled or the bus's Shutdown channel is closed.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-m.bus.Shutdown:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case exp := <-m.bus.Expects:
			m.expect(exp)
		case up := <-m.bus.Uploads:
			// Expects and Uploads are separate channels with no order
			// between them; apply every registration already queued so an
			// upload sent after its ExpectUpload is never refused.
			for drained := false; !drained; {
				select {
				case exp := <-m.bus.Expects:
					m.expect(exp)
				default:
					drained = true
				}
			}
			up.Reply <- m.handleUpload(ctx, up)
		case rm := <-m.bus.Removals:
			rm.Reply <- m.handleRemoval(ctx, rm.Pkg)
		}
	}
}

// handleRemoval strips pkg's repo-database entry and deletes its
// artifact file. Removing a package that was never built, or is
// already gone, is a no-op.
func (m *Manager) handleRemoval(ctx context.Context, pkg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := m.artifactPaths(pkg)
	if len(paths) == 0 {
		return nil
	}

	if err := m.runRemoveTool(ctx, pkg); err != nil {
		return xerrors.Errorf("removing %s from repo database: %w", pkg, err)
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return xerrors.Errorf("deleting artifact %s: %w", path, err)
		}
	}
	m.ackMu.Lock()
	delete(m.artifacts, pkg)
	m.ackMu.Unlock()
	return nil
}

// artifactPaths returns the on-disk artifact files belonging to pkg:
// the one recorded at ingest time when available, otherwise whatever a
// directory scan attributes to exactly this package name. The scan
// parses each candidate's name-version-release-arch structure rather
// than prefix-matching, so removing "foo" never claims "foo-bar"'s
// artifacts.
func (m *Manager) artifactPaths(pkg string) []string {
	m.ackMu.Lock()
	recorded := m.artifacts[pkg]
	m.ackMu.Unlock()
	if recorded != "" {
		return []string{m.repo.ArtifactPath(recorded)}
	}

	matches, err := filepath.Glob(filepath.Join(m.repo.Dir, pkg+"-*.pkg.tar.zst"))
	if err != nil {
		return nil
	}
	var out []string
	for _, path := range matches {
		if artifactPackageName(filepath.Base(path)) == pkg {
			out = append(out, path)
		}
	}
	return out
}

// artifactPackageName extracts the package name from an artifact
// filename of the form name-version-release-arch.pkg.tar.zst, where
// name itself may contain hyphens.
func artifactPackageName(filename string) string {
	base := strings.TrimSuffix(filename, ".pkg.tar.zst")
	if base == filename {
		return ""
	}
	parts := strings.Split(base, "-")
	if len(parts) < 4 {
		return ""
	}
	return strings.Join(parts[:len(parts)-3], "-")
}

func (m *Manager) runRemoveTool(ctx context.Context, pkg string) error {
	cmd := exec.CommandContext(ctx, RemoveTool, m.repo.DatabasePath(), pkg)
	cmd.Dir = m.repo.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return xerrors.Errorf("%s: %w: %s", RemoveTool, err, out)
	}
	return nil
}

// expect registers an upload token for a dispatched build. A package
// re-dispatching invalidates whatever token it held before, so a stale
// sandbox from a superseded build cannot upload over the new one.
func (m *Manager) expect(exp fabric.ExpectUpload) {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	if old, ok := m.tokenOf[exp.Pkg]; ok {
		delete(m.issued, old)
	}
	m.issued[exp.Token] = exp.Pkg
	m.tokenOf[exp.Pkg] = exp.Token
}

func (m *Manager) handleUpload(ctx context.Context, up fabric.Upload) error {
	m.ackMu.Lock()
	pkg, ok := m.issued[up.Token]
	prev := m.artifacts[pkg]
	m.ackMu.Unlock()
	if !ok {
		return fabric.ErrUnknownUploadToken
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	filename := artifactFilename(pkg, up)
	dest := m.repo.ArtifactPath(filename)

	if err := writeAtomic(dest, up.Artifact); err != nil {
		return xerrors.Errorf("writing artifact for %s: %w", pkg, err)
	}

	if err := m.runDatabaseTool(ctx, dest); err != nil {
		os.Remove(dest)
		return xerrors.Errorf("updating repo database for %s: %w", pkg, err)
	}

	// repo-add replaced the database entry; a prior build's artifact
	// file under a different name is now unreferenced and goes with it.
	if prev != "" && prev != filename {
		if err := os.Remove(m.repo.ArtifactPath(prev)); err != nil && !os.IsNotExist(err) {
			m.log.Printf("repo: removing superseded artifact %s: %v", prev, err)
		}
	}

	m.ackMu.Lock()
	m.acked[up.Token] = true
	delete(m.issued, up.Token)
	delete(m.tokenOf, pkg)
	m.artifacts[pkg] = filename
	m.ackMu.Unlock()

	select {
	case m.bus.Ingested <- fabric.Ingested{Pkg: pkg, Version: up.Sidecar.Version, DeclaredDeps: up.Sidecar.Dependencies}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// artifactFilename picks the on-disk name for an uploaded artifact: the
// worker's own filename when it supplied a plausible one, otherwise a
// name derived from the package and declared version.
func artifactFilename(pkg string, up fabric.Upload) string {
	name := filepath.Base(up.Filename)
	if name != "." && name != "/" && strings.HasPrefix(name, pkg+"-") && strings.HasSuffix(name, ".pkg.tar.zst") {
		return name
	}
	return fmt.Sprintf("%s-%s-x86_64.pkg.tar.zst", pkg, up.Sidecar.Version)
}

// Confirmed reports whether an artifact has been ingested under token.
// The orchestrator calls this before reporting a zero-exit container as
// a successful build.
func (m *Manager) Confirmed(token string) bool {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	return m.acked[token]
}

func (m *Manager) runDatabaseTool(ctx context.Context, artifactPaths ...string) error {
	cmd := exec.CommandContext(ctx, DatabaseTool, append([]string{m.repo.DatabasePath()}, artifactPaths...)...)
	cmd.Dir = m.repo.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return xerrors.Errorf("%s: %w: %s", DatabaseTool, err, out)
	}
	return nil
}

func writeAtomic(dest string, r io.Reader) error {
	t, err := renameio.TempFile("", dest)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if _, err := io.Copy(t, r); err != nil {
		return err
	}
	if err := t.Chmod(0644); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

// emptyTarGz returns the bytes of an empty gzip-compressed tar archive,
// the on-disk representation of a freshly initialized, package-free
// repo-database. There is no third-party archive builder in the
// coordinator's dependency stack beyond repo-add itself, and writing
// one empty tar header pair is two calls against the standard
// library's archive/tar and compress/gzip, so it stays stdlib rather
// than pulling in a dedicated archiving dependency for a single fixed
// byte string.
func emptyTarGz() ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
