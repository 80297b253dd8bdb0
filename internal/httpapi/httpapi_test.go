package httpapi

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aurcoord/aurcoord"
	"github.com/aurcoord/aurcoord/internal/fabric"
)

func TestAddPackage(t *testing.T) {
	bus := fabric.New()
	srv := New(bus, aurcoord.Repository{Dir: t.TempDir(), Name: "aur"}, Info{}, nil)

	go func() {
		cmd := <-bus.Commands
		add := cmd.(fabric.AddPackage)
		add.Reply <- fabric.AddResult{}
	}()

	req := httptest.NewRequest(http.MethodPost, "/packages", strings.NewReader(`{"name":"hello-bin"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d, body: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
}

func TestAddPackageMissingName(t *testing.T) {
	bus := fabric.New()
	srv := New(bus, aurcoord.Repository{Dir: t.TempDir(), Name: "aur"}, Info{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/packages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestRemovePackage(t *testing.T) {
	bus := fabric.New()
	srv := New(bus, aurcoord.Repository{Dir: t.TempDir(), Name: "aur"}, Info{}, nil)

	go func() {
		cmd := <-bus.Commands
		rm := cmd.(fabric.RemovePackage)
		if rm.Name != "hello-bin" {
			t.Errorf("Name = %q, want hello-bin", rm.Name)
		}
		rm.Reply <- fabric.RemoveResult{Removed: true}
	}()

	req := httptest.NewRequest(http.MethodDelete, "/packages/hello-bin", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"removed":true`) {
		t.Fatalf("body = %s, want removed:true", rec.Body.String())
	}
}

func TestForceRebuildUnknownPackage(t *testing.T) {
	bus := fabric.New()
	srv := New(bus, aurcoord.Repository{Dir: t.TempDir(), Name: "aur"}, Info{}, nil)

	go func() {
		cmd := <-bus.Commands
		fr := cmd.(fabric.ForceRebuild)
		fr.Reply <- fabric.ForceRebuildResult{Tracked: false}
	}()

	req := httptest.NewRequest(http.MethodPost, "/packages/unknown-pkg/rebuild", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestStatus(t *testing.T) {
	bus := fabric.New()
	srv := New(bus, aurcoord.Repository{Dir: t.TempDir(), Name: "aur"}, Info{}, nil)

	go func() {
		q := <-bus.Status
		q.Reply <- fabric.StatusSnapshot{
			Packages: []fabric.PackageStatus{{Name: "hello-bin", State: "Built"}},
		}
	}()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "hello-bin") {
		t.Fatalf("body = %s, want hello-bin", rec.Body.String())
	}
}

func TestUploadUnknownTokenIs404(t *testing.T) {
	bus := fabric.New()
	srv := New(bus, aurcoord.Repository{Dir: t.TempDir(), Name: "aur"}, Info{}, nil)

	go func() {
		up := <-bus.Uploads
		up.Reply <- fabric.ErrUnknownUploadToken
	}()

	req := httptest.NewRequest(http.MethodPost, "/worker/upload/bogus-token", strings.NewReader("artifact bytes"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestUploadForwardsMultipartToRepositoryManager(t *testing.T) {
	bus := fabric.New()
	srv := New(bus, aurcoord.Repository{Dir: t.TempDir(), Name: "aur"}, Info{}, nil)

	go func() {
		up := <-bus.Uploads
		if up.Token != "tok-1" {
			t.Errorf("Token = %q, want tok-1", up.Token)
		}
		if up.Filename != "hello-bin-1.0-1-x86_64.pkg.tar.zst" {
			t.Errorf("Filename = %q, want the worker's artifact name", up.Filename)
		}
		if up.Sidecar.Version != "1.0-1" || len(up.Sidecar.Dependencies) != 1 {
			t.Errorf("Sidecar = %+v, want version 1.0-1 with one dependency", up.Sidecar)
		}
		body, err := io.ReadAll(up.Artifact)
		if err != nil || string(body) != "artifact bytes" {
			t.Errorf("Artifact = %q (err %v), want the uploaded bytes", body, err)
		}
		up.Reply <- nil
	}()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("sidecar", `{"version":"1.0-1","dependencies":["glibc"]}`); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("artifact", "hello-bin-1.0-1-x86_64.pkg.tar.zst")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("artifact bytes"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/worker/upload/tok-1", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d, body: %s", rec.Code, http.StatusNoContent, rec.Body.String())
	}
}

func TestRepoServesStaticFiles(t *testing.T) {
	bus := fabric.New()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "aur.db.tar.gz"), []byte("db bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	srv := New(bus, aurcoord.Repository{Dir: dir, Name: "aur"}, Info{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/repo/aur.db.tar.gz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "db bytes" {
		t.Fatalf("body = %q, want the database file's contents", rec.Body.String())
	}
}

func TestEventsStreamsBuildStarted(t *testing.T) {
	bus := fabric.New()
	srv := New(bus, aurcoord.Repository{Dir: t.TempDir(), Name: "aur"}, Info{}, nil)

	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws/events"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()

	// Give the handler's Upgrade a moment to register the connection in
	// the broadcast set before the event fires.
	time.Sleep(20 * time.Millisecond)

	bus.Started <- fabric.BuildStarted{Pkg: "hello-bin", ContainerID: "c1", Started: time.Now()}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading websocket message: %v", err)
	}
	if !strings.Contains(string(msg), "hello-bin") || !strings.Contains(string(msg), "build_started") {
		t.Fatalf("message = %s, want it to mention hello-bin and build_started", msg)
	}
}
