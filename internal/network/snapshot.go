package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/mods"
	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

// snapshotFile is the on-disk snapshot layout. Agents are recorded for
// operator inspection only; live connections do not survive a restart, so the
// directory is rebuilt from re-registrations.
type snapshotFile struct {
	NodeID  string                     `json:"node_id"`
	Network string                     `json:"network"`
	TakenAt time.Time                  `json:"taken_at"`
	Agents  []protocol.AgentInfo       `json:"agents,omitempty"`
	Mods    map[string]json.RawMessage `json:"mods,omitempty"`
}

// writeSnapshot captures registry and mod state to the configured path via
// write-temp-then-rename.
func (n *Network) writeSnapshot() error {
	path := n.cfg.Snapshot.Path
	snap := snapshotFile{
		NodeID:  n.cfg.Network.NodeID,
		Network: n.cfg.Network.Name,
		TakenAt: time.Now().UTC(),
		Agents:  n.reg.List(nil),
		Mods:    map[string]json.RawMessage{},
	}
	for _, mod := range n.modList {
		snapper, ok := mod.(mods.Snapshotter)
		if !ok {
			continue
		}
		data, err := snapper.SnapshotState()
		if err != nil {
			return fmt.Errorf("snapshot mod %q: %w", mod.Name(), err)
		}
		snap.Mods[mod.Name()] = data
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	slog.Info("snapshot written", "path", path, "mods", len(snap.Mods))
	return nil
}

// loadSnapshot restores mod state from the configured path. A missing file is
// a normal first start.
func (n *Network) loadSnapshot() error {
	data, err := os.ReadFile(n.cfg.Snapshot.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	for _, mod := range n.modList {
		snapper, ok := mod.(mods.Snapshotter)
		if !ok {
			continue
		}
		state, ok := snap.Mods[mod.Name()]
		if !ok {
			continue
		}
		if err := snapper.RestoreState(state); err != nil {
			return fmt.Errorf("restore mod %q: %w", mod.Name(), err)
		}
	}
	slog.Info("snapshot restored", "path", n.cfg.Snapshot.Path, "taken_at", snap.TakenAt)
	return nil
}
