package repo

import (
	"context"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aurcoord/aurcoord"
	"github.com/aurcoord/aurcoord/internal/fabric"
)

// installFakeRepoAdd puts shell-script stand-ins for repo-add and
// repo-remove on PATH that just touch the database file, so tests
// don't depend on the real pacman tooling being installed.
func installFakeRepoAdd(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	contents := "#!/bin/sh\ntouch \"$1\"\nexit 0\n"
	for _, tool := range []string{DatabaseTool, RemoveTool} {
		script := filepath.Join(dir, tool)
		if err := os.WriteFile(script, []byte(contents), 0755); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	if _, err := exec.LookPath(DatabaseTool); err != nil {
		t.Skipf("fake %s not resolvable on PATH: %v", DatabaseTool, err)
	}
}

func TestNewBootstrapsEmptyDatabase(t *testing.T) {
	installFakeRepoAdd(t)
	dir := t.TempDir()
	bus := fabric.New()
	m, err := New(aurcoord.Repository{Dir: dir, Name: "aur"}, bus, log.New(os.Stderr, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(m.repo.DatabasePath()); err != nil {
		t.Fatalf("expected empty database to exist: %v", err)
	}
}

func TestIngestWritesArtifactAndAcks(t *testing.T) {
	installFakeRepoAdd(t)
	dir := t.TempDir()
	bus := fabric.New()
	m, err := New(aurcoord.Repository{Dir: dir, Name: "aur"}, bus, log.New(os.Stderr, "", 0))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() { cancel(); <-done }()

	bus.Expects <- fabric.ExpectUpload{Pkg: "hello-bin", Token: "tok-1"}

	reply := make(chan error, 1)
	bus.Uploads <- fabric.Upload{
		Token:    "tok-1",
		Filename: "hello-bin-1.0-1-x86_64.pkg.tar.zst",
		Artifact: strings.NewReader("not a real package archive"),
		Sidecar:  fabric.UploadSidecar{Version: "1.0-1", Dependencies: []string{"glibc"}},
		Reply:    reply,
	}

	select {
	case err := <-reply:
		if err != nil {
			t.Fatalf("Upload reply error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Upload reply timed out")
	}

	select {
	case ev := <-bus.Ingested:
		if ev.Pkg != "hello-bin" || ev.Version != "1.0-1" {
			t.Fatalf("Ingested = %+v, want hello-bin@1.0-1", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an Ingested event")
	}

	if !m.Confirmed("tok-1") {
		t.Fatal("Confirmed(tok-1) = false, want true after successful ingest")
	}
	if m.Confirmed("never-uploaded") {
		t.Fatal("Confirmed should be false for a token that was never ingested")
	}

	if _, err := os.Stat(filepath.Join(dir, "hello-bin-1.0-1-x86_64.pkg.tar.zst")); err != nil {
		t.Fatalf("expected the worker-named artifact file on disk: %v", err)
	}

	rmReply := make(chan error, 1)
	bus.Removals <- fabric.Removal{Pkg: "hello-bin", Reply: rmReply}
	select {
	case err := <-rmReply:
		if err != nil {
			t.Fatalf("Removal reply error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Removal reply timed out")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "hello-bin-1.0-1") {
			t.Fatalf("artifact for hello-bin still present after removal: %v", entries)
		}
	}
}

// TestUploadUnknownTokenRejected ensures an upload whose token was
// never registered by the scheduler is refused before anything touches
// the repository directory.
func TestUploadUnknownTokenRejected(t *testing.T) {
	installFakeRepoAdd(t)
	dir := t.TempDir()
	bus := fabric.New()
	m, err := New(aurcoord.Repository{Dir: dir, Name: "aur"}, bus, log.New(os.Stderr, "", 0))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() { cancel(); <-done }()

	reply := make(chan error, 1)
	bus.Uploads <- fabric.Upload{
		Token:    "never-issued",
		Artifact: strings.NewReader("payload"),
		Sidecar:  fabric.UploadSidecar{Version: "1.0-1"},
		Reply:    reply,
	}

	select {
	case err := <-reply:
		if err != fabric.ErrUnknownUploadToken {
			t.Fatalf("reply = %v, want ErrUnknownUploadToken", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Upload reply timed out")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".pkg.tar.zst") {
			t.Fatalf("unexpected artifact %s written for a rejected upload", e.Name())
		}
	}
}

// TestArtifactPackageNameParsing pins down the filename attribution
// rule: the trailing version-release-arch fields are stripped and
// whatever remains is the package name, so hyphenated names never
// collide with a shorter package's removal sweep.
func TestArtifactPackageNameParsing(t *testing.T) {
	cases := []struct {
		filename string
		want     string
	}{
		{"hello-bin-1.0-1-x86_64.pkg.tar.zst", "hello-bin"},
		{"foo-1.2.3-2-x86_64.pkg.tar.zst", "foo"},
		{"foo-bar-baz-0.1-1-any.pkg.tar.zst", "foo-bar-baz"},
		{"not-an-artifact.tar.gz", ""},
		{"short-1.pkg.tar.zst", ""},
	}
	for _, c := range cases {
		if got := artifactPackageName(c.filename); got != c.want {
			t.Errorf("artifactPackageName(%q) = %q, want %q", c.filename, got, c.want)
		}
	}
}

// TestRemoveUntrackedPackageIsNoop covers the law that removing a
// package whose artifact was never ingested succeeds without invoking
// the external repo-database tool.
func TestRemoveUntrackedPackageIsNoop(t *testing.T) {
	dir := t.TempDir()
	bus := fabric.New()
	// Deliberately do not install a fake repo-add/repo-remove: if the
	// no-op path tried to invoke one, the removal would return an
	// "exec: not found" error and this test would fail.
	m, err := New(aurcoord.Repository{Dir: dir, Name: "aur"}, bus, log.New(os.Stderr, "", 0))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() { cancel(); <-done }()

	reply := make(chan error, 1)
	bus.Removals <- fabric.Removal{Pkg: "never-built", Reply: reply}
	select {
	case err := <-reply:
		if err != nil {
			t.Fatalf("Removal of untracked package returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Removal reply timed out")
	}
}

// TestRenameRemovesStaleDatabase covers the rename-leaves-stale-db bug:
// restarting the manager against a directory containing a previous
// repository name's database file must delete it before bootstrapping
// the new one.
func TestRenameRemovesStaleDatabase(t *testing.T) {
	installFakeRepoAdd(t)
	dir := t.TempDir()
	staleDB := filepath.Join(dir, "aur.db.tar.gz")
	if err := os.WriteFile(staleDB, []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}
	artifact := filepath.Join(dir, "hello-bin-1.0-1-x86_64.pkg.tar.zst")
	if err := os.WriteFile(artifact, []byte("artifact"), 0644); err != nil {
		t.Fatal(err)
	}

	bus := fabric.New()
	m, err := New(aurcoord.Repository{Dir: dir, Name: "mine"}, bus, log.New(os.Stderr, "", 0))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(staleDB); !os.IsNotExist(err) {
		t.Fatalf("expected stale aur.db.tar.gz to be removed, stat err = %v", err)
	}
	if _, err := os.Stat(m.repo.DatabasePath()); err != nil {
		t.Fatalf("expected mine.db.tar.gz to exist: %v", err)
	}
	if _, err := os.Stat(artifact); err != nil {
		t.Fatalf("expected the artifact file to survive the rename: %v", err)
	}
	if m.artifacts["hello-bin"] != "hello-bin-1.0-1-x86_64.pkg.tar.zst" {
		t.Fatalf("artifacts = %v, want hello-bin attributed from the directory scan", m.artifacts)
	}
}
