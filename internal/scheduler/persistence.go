package scheduler

import (
	"encoding/json"
	"os"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/aurcoord/aurcoord"
)

// trackedRecord is the durable subset of a aurcoord.PackageRecord,
// written to the tracking file at every transition that changes one of
// these fields.
type trackedRecord struct {
	Name                 string   `json:"name"`
	DeclaredDeps         []string `json:"declared_deps,omitempty"`
	LastUpstreamVersion  string   `json:"last_upstream_version,omitempty"`
	LastBuiltVersion     string   `json:"last_built_version,omitempty"`
	State                string   `json:"state"`
	Origin               string   `json:"origin"`
	Parents              []string `json:"parents,omitempty"`
}

func toTracked(p *aurcoord.PackageRecord) trackedRecord {
	t := trackedRecord{
		Name:                p.Name,
		DeclaredDeps:        p.DeclaredDeps,
		LastUpstreamVersion: p.LastUpstreamVersion,
		LastBuiltVersion:    p.LastBuiltVersion,
		State:               p.State.String(),
		Origin:              p.Origin.String(),
	}
	for parent := range p.Parents {
		t.Parents = append(t.Parents, parent)
	}
	return t
}

func fromTracked(t trackedRecord) *aurcoord.PackageRecord {
	p := &aurcoord.PackageRecord{
		Name:                t.Name,
		DeclaredDeps:        t.DeclaredDeps,
		LastUpstreamVersion: t.LastUpstreamVersion,
		LastBuiltVersion:    t.LastBuiltVersion,
		State:               parseState(t.State),
	}
	if t.Origin == aurcoord.OriginDiscovered.String() {
		p.Origin = aurcoord.OriginDiscovered
		p.Parents = make(map[string]bool, len(t.Parents))
		for _, parent := range t.Parents {
			p.Parents[parent] = true
		}
	} else {
		p.Origin = aurcoord.OriginUser
	}
	return p
}

// parseState maps a persisted state string back to its variant. Only
// HardFailed survives a restart as-is; everything else is requeued by
// Load regardless, so an unknown string safely degrades to Queued.
func parseState(s string) aurcoord.BuildState {
	if s == aurcoord.StateHardFailed.String() {
		return aurcoord.StateHardFailed
	}
	return aurcoord.StateQueued
}

// save rewrites the tracking file atomically (write-temp, fsync,
// rename). A failed write is not fatal: in-memory state carries on and
// the condition is surfaced as a status warning until the next write
// succeeds.
func (s *Scheduler) save() error {
	err := s.writeTrackingFile()
	if err != nil {
		s.log.Printf("scheduler: %v", err)
		s.warnings["persistence"] = "tracking file write failed: " + err.Error()
	} else {
		delete(s.warnings, "persistence")
	}
	return err
}

func (s *Scheduler) writeTrackingFile() error {
	records := make([]trackedRecord, 0, len(s.pkgs))
	for _, name := range s.sortedNames() {
		records = append(records, toTracked(s.pkgs[name]))
	}
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return xerrors.Errorf("marshaling tracking file: %w", err)
	}
	if err := renameio.WriteFile(s.trackingFile, b, 0644); err != nil {
		return xerrors.Errorf("writing tracking file %s: %w", s.trackingFile, err)
	}
	return nil
}

// load reads the tracking file, if present, returning the records it
// contains. A missing file is not an error (first run).
func load(path string) ([]*aurcoord.PackageRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Errorf("reading tracking file %s: %w", path, err)
	}
	var records []trackedRecord
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, xerrors.Errorf("parsing tracking file %s: %w", path, err)
	}
	out := make([]*aurcoord.PackageRecord, 0, len(records))
	for _, r := range records {
		out = append(out, fromTracked(r))
	}
	return out, nil
}
