// Package oracle queries the AUR RPC interface for the current upstream
// version of a package; declared dependencies are not returned.
// It performs a single HTTP GET per call with a short context
// timeout and never retries within a call — retry policy belongs to the
// scheduler's poll tick, not to this client.
package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/xerrors"
)

// DefaultBaseURL is the AUR RPC v5 endpoint.
const DefaultBaseURL = "https://aur.archlinux.org/rpc/v5"

// DefaultTimeout bounds a single lookup call.
const DefaultTimeout = 10 * time.Second

// Info is the subset of an AUR RPC "info" result this coordinator
// needs: the oracle is a version oracle only, dependency discovery
// comes from the worker's upload sidecar.
type Info struct {
	Name    string
	Version string
}

// Oracle looks up package info from the AUR RPC interface.
type Oracle struct {
	BaseURL string
	Timeout time.Duration
	client  *http.Client
}

// New returns an Oracle configured with sane defaults.
func New() *Oracle {
	return &Oracle{
		BaseURL: DefaultBaseURL,
		Timeout: DefaultTimeout,
		client:  &http.Client{},
	}
}

type rpcResponse struct {
	ResultCount int        `json:"resultcount"`
	Results     []rpcEntry `json:"results"`
	Error       string     `json:"error"`
}

type rpcEntry struct {
	Name    string `json:"Name"`
	Version string `json:"Version"`
}

// Lookup fetches the current AUR metadata for pkg. It fails the call
// (rather than retrying) on any transport, HTTP or decode error; the
// scheduler's poll tick is responsible for treating that as an upstream
// oracle failure.
func (o *Oracle) Lookup(ctx context.Context, pkg string) (Info, error) {
	timeout := o.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, canc := context.WithTimeout(ctx, timeout)
	defer canc()

	base := o.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u := base + "/info?arg[]=" + url.QueryEscape(pkg)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Info{}, xerrors.Errorf("building request: %w", err)
	}

	client := o.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Info{}, xerrors.Errorf("GET %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Info{}, xerrors.Errorf("GET %s: HTTP status %v", u, resp.Status)
	}

	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Info{}, xerrors.Errorf("decoding response for %s: %w", pkg, err)
	}
	if parsed.Error != "" {
		return Info{}, xerrors.Errorf("AUR RPC error for %s: %s", pkg, parsed.Error)
	}
	if parsed.ResultCount == 0 || len(parsed.Results) == 0 {
		return Info{}, xerrors.Errorf("package %q not found upstream", pkg)
	}

	e := parsed.Results[0]
	return Info{Name: e.Name, Version: e.Version}, nil
}
