package sentinel

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Longest the writer waits between change ticks before re-rendering.
const machinesRefreshInterval = 30 * time.Second

// MachinesFileWriter materializes the connected-builder set into the
// machines file consumed by Hydra's SSH-builder configuration: one
// sorted line per builder, rewritten whole on every change.
type MachinesFileWriter struct {
	log   zerolog.Logger
	store *Store
	path  string

	// Last rendering written, to skip no-op rewrites.
	current string
}

// NewMachinesFileWriter probes the target path for writability and
// fails fast if it cannot be opened for append/create.
func NewMachinesFileWriter(log zerolog.Logger, store *Store, path string) (*MachinesFileWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%s is not writable: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	return &MachinesFileWriter{
		log:   log.With().Str("component", "machines-file").Logger(),
		store: store,
		path:  path,
	}, nil
}

// Run keeps the file in sync until ctx is cancelled. A failed write is
// fatal: the file is the orchestrator's view of the fleet, and silently
// serving a stale one defeats the point.
func (w *MachinesFileWriter) Run(ctx context.Context) error {
	sub := w.store.Subscribe()
	defer sub.Close()

	timer := time.NewTimer(machinesRefreshInterval)
	defer timer.Stop()

	for {
		if err := w.sync(); err != nil {
			return err
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(machinesRefreshInterval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.C():
		case <-timer.C:
		}
	}
}

// sync renders the connected set and rewrites the file if the rendering
// changed since the last write.
func (w *MachinesFileWriter) sync() error {
	machines := w.store.Connected()
	lines := make([]string, len(machines))
	for i, m := range machines {
		lines[i] = m.String() + "\n"
	}
	sort.Strings(lines)
	updated := strings.Join(lines, "")

	w.log.Debug().Int("connected", len(machines)).Msg("rendered machines file")
	if updated == w.current {
		return nil
	}

	if err := os.WriteFile(w.path, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", w.path, err)
	}
	w.current = updated
	w.log.Info().Str("machines", updated).Msg("regenerated machines file")
	return nil
}
