// Package httpapi is the coordinator's HTTP surface: a client-facing
// JSON API over the tracked-package commands and status query, a
// worker upload endpoint, and a fallback static handler for the
// package repository directory. Every handler translates an HTTP
// request into a fabric message with a reply channel and blocks on the
// reply — it never touches scheduler or repository-manager state
// directly, the same separation the fabric package documents.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/aurcoord/aurcoord"
	"github.com/aurcoord/aurcoord/internal/fabric"
)

// replyTimeout bounds how long a handler waits for the scheduler or
// repository manager to answer before giving up and returning 503; it
// exists so a wedged component degrades client requests instead of
// leaking goroutines forever.
const replyTimeout = 10 * time.Second

// Info is the static server metadata echoed back by GET /status next
// to the scheduler's package snapshot.
type Info struct {
	Version string
	Started time.Time
	Config  map[string]string
}

// Server serves the coordinator's HTTP API.
type Server struct {
	bus    *fabric.Bus
	repo   aurcoord.Repository
	info   Info
	log    *log.Logger
	router *mux.Router

	wsMu    sync.Mutex
	wsConns map[*websocket.Conn]bool
}

// New builds a Server. The repository directory is served as a static
// file tree under "/repo/"; production deployments may front the same
// directory with a dedicated static file server instead.
func New(bus *fabric.Bus, repository aurcoord.Repository, info Info, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if info.Started.IsZero() {
		info.Started = time.Now()
	}
	s := &Server{
		bus:     bus,
		repo:    repository,
		info:    info,
		log:     logger,
		router:  mux.NewRouter(),
		wsConns: make(map[*websocket.Conn]bool),
	}
	s.routes()
	go s.broadcastBuildStarted()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/packages", s.handleAddPackage).Methods(http.MethodPost)
	s.router.HandleFunc("/packages/{name}", s.handleRemovePackage).Methods(http.MethodDelete)
	s.router.HandleFunc("/packages/{name}/rebuild", s.handleForceRebuild).Methods(http.MethodPost)
	s.router.HandleFunc("/worker/upload/{token}", s.handleUpload).Methods(http.MethodPost)
	s.router.HandleFunc("/ws/events", s.handleEvents).Methods(http.MethodGet)

	fileServer := http.FileServer(http.Dir(s.repo.Dir))
	s.router.PathPrefix("/repo/").Handler(
		http.StripPrefix("/repo/", fileServer),
	)
}

type addPackageRequest struct {
	Name string `json:"name"`
}

type addPackageResponse struct {
	AlreadyTracked bool `json:"already_tracked"`
}

func (s *Server) handleAddPackage(w http.ResponseWriter, r *http.Request) {
	var req addPackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	reply := make(chan fabric.AddResult, 1)
	select {
	case s.bus.Commands <- fabric.AddPackage{Name: req.Name, Reply: reply}:
	case <-time.After(replyTimeout):
		writeError(w, http.StatusServiceUnavailable, "scheduler did not accept the command in time")
		return
	}

	select {
	case res := <-reply:
		if res.Err != nil {
			writeError(w, http.StatusInternalServerError, res.Err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, addPackageResponse{AlreadyTracked: res.AlreadyTracked})
	case <-time.After(replyTimeout):
		writeError(w, http.StatusServiceUnavailable, "scheduler did not reply in time")
	}
}

type removePackageResponse struct {
	Removed bool `json:"removed"`
}

func (s *Server) handleRemovePackage(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	reply := make(chan fabric.RemoveResult, 1)
	select {
	case s.bus.Commands <- fabric.RemovePackage{Name: name, Reply: reply}:
	case <-time.After(replyTimeout):
		writeError(w, http.StatusServiceUnavailable, "scheduler did not accept the command in time")
		return
	}

	select {
	case res := <-reply:
		if res.Err != nil {
			writeError(w, http.StatusInternalServerError, res.Err.Error())
			return
		}
		writeJSON(w, http.StatusOK, removePackageResponse{Removed: res.Removed})
	case <-time.After(replyTimeout):
		writeError(w, http.StatusServiceUnavailable, "scheduler did not reply in time")
	}
}

type forceRebuildResponse struct {
	Tracked bool `json:"tracked"`
}

func (s *Server) handleForceRebuild(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	reply := make(chan fabric.ForceRebuildResult, 1)
	select {
	case s.bus.Commands <- fabric.ForceRebuild{Name: name, Reply: reply}:
	case <-time.After(replyTimeout):
		writeError(w, http.StatusServiceUnavailable, "scheduler did not accept the command in time")
		return
	}

	select {
	case res := <-reply:
		if res.Err != nil {
			writeError(w, http.StatusInternalServerError, res.Err.Error())
			return
		}
		if !res.Tracked {
			writeError(w, http.StatusNotFound, "package is not tracked")
			return
		}
		writeJSON(w, http.StatusAccepted, forceRebuildResponse{Tracked: res.Tracked})
	case <-time.After(replyTimeout):
		writeError(w, http.StatusServiceUnavailable, "scheduler did not reply in time")
	}
}

type serverStatus struct {
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Config        map[string]string `json:"config,omitempty"`
}

type statusResponse struct {
	Server   serverStatus           `json:"server"`
	Warnings []string               `json:"warnings"`
	Packages []fabric.PackageStatus `json:"packages"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reply := make(chan fabric.StatusSnapshot, 1)
	select {
	case s.bus.Status <- fabric.StatusQuery{Reply: reply}:
	case <-time.After(replyTimeout):
		writeError(w, http.StatusServiceUnavailable, "scheduler did not accept the query in time")
		return
	}

	select {
	case snap := <-reply:
		writeJSON(w, http.StatusOK, statusResponse{
			Server: serverStatus{
				Version:       s.info.Version,
				UptimeSeconds: int64(time.Since(s.info.Started).Seconds()),
				Config:        s.info.Config,
			},
			Warnings: snap.Warnings,
			Packages: snap.Packages,
		})
	case <-time.After(replyTimeout):
		writeError(w, http.StatusServiceUnavailable, "scheduler did not reply in time")
	}
}

// handleUpload accepts a finished build's artifact. The worker only
// knows its upload token; the repository manager resolves which package
// the token was issued for. The body is either a multipart form with an
// "artifact" file part and a "sidecar" JSON field, or the raw artifact
// bytes with the sidecar in the X-Aurcoord-Sidecar header.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	up := fabric.Upload{Token: token, Artifact: r.Body}

	mediatype, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediatype == "multipart/form-data" {
		mr := multipart.NewReader(r.Body, params["boundary"])
		artifact, sidecar, err := readUploadParts(mr)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		up.Artifact = artifact
		up.Filename = artifact.FileName()
		up.Sidecar = sidecar
	} else if h := r.Header.Get("X-Aurcoord-Sidecar"); h != "" {
		if err := json.Unmarshal([]byte(h), &up.Sidecar); err != nil {
			writeError(w, http.StatusBadRequest, "invalid X-Aurcoord-Sidecar header: "+err.Error())
			return
		}
		up.Filename = r.URL.Query().Get("filename")
	}

	reply := make(chan error, 1)
	up.Reply = reply
	select {
	case s.bus.Uploads <- up:
	case <-time.After(replyTimeout):
		writeError(w, http.StatusServiceUnavailable, "repository manager did not accept the upload in time")
		return
	}

	select {
	case err := <-reply:
		switch {
		case errors.Is(err, fabric.ErrUnknownUploadToken):
			writeError(w, http.StatusNotFound, err.Error())
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	case <-time.After(replyTimeout):
		writeError(w, http.StatusServiceUnavailable, "repository manager did not reply in time")
	}
}

// readUploadParts walks the multipart body in order until it has seen
// the sidecar field and reached the artifact file part. The artifact
// must come last: its part is returned still unread so the repository
// manager can stream it to disk instead of buffering it in memory.
func readUploadParts(mr *multipart.Reader) (*multipart.Part, fabric.UploadSidecar, error) {
	var sidecar fabric.UploadSidecar
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, sidecar, errors.New("multipart body has no artifact part")
		}
		switch part.FormName() {
		case "sidecar":
			if err := json.NewDecoder(part).Decode(&sidecar); err != nil {
				return nil, sidecar, errors.New("invalid sidecar JSON: " + err.Error())
			}
		case "artifact":
			return part, sidecar, nil
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	// The coordinator does not authenticate clients, so there is no
	// origin to check against; accept any.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsEvent struct {
	Type        string    `json:"type"`
	Pkg         string    `json:"pkg"`
	ContainerID string    `json:"container_id"`
	Started     time.Time `json:"started"`
}

// handleEvents upgrades to a websocket and streams build-lifecycle
// events as they happen, so an operator dashboard can watch builds
// start without polling /status. The fabric's BuildStarted channel
// (fabric.Bus.Started) exists exactly for this: it is fed by the
// orchestrator on every container spawn but had no reader before this
// handler subscribed to it.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("http: websocket upgrade failed: %v", err)
		return
	}
	s.wsMu.Lock()
	s.wsConns[conn] = true
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsConns, conn)
		s.wsMu.Unlock()
		conn.Close()
	}()

	// This connection carries no client->server traffic; block on reads
	// purely to notice when the peer closes it.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// broadcastBuildStarted is the sole reader of bus.Started (preserving
// the fabric's single-receiver-per-channel rule) and fans each event
// out to every currently connected websocket client.
func (s *Server) broadcastBuildStarted() {
	for {
		select {
		case <-s.bus.Shutdown:
			s.closeAllConns()
			return
		case ev := <-s.bus.Started:
			s.broadcast(wsEvent{
				Type:        "build_started",
				Pkg:         ev.Pkg,
				ContainerID: ev.ContainerID,
				Started:     ev.Started,
			})
		}
	}
}

func (s *Server) broadcast(ev wsEvent) {
	msg, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for conn := range s.wsConns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			conn.Close()
			delete(s.wsConns, conn)
		}
	}
}

func (s *Server) closeAllConns() {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for conn := range s.wsConns {
		conn.Close()
		delete(s.wsConns, conn)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
