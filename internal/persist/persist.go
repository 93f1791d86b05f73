// Package persist serializes the vehicle store to a single JSON file with
// atomic replace semantics. Saves are fire-and-forget and coalesced: any
// number of requests arriving while a save is in flight collapse into
// exactly one follow-up run.
package persist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Hakibbumbus/transitapp/pkg/core"
)

// Lister supplies the snapshot to persist. Satisfied by store.Store.
type Lister interface {
	List() []core.Vehicle
}

// Queue coalesces save requests into single writer runs. The backing file
// is replaced with os.Rename so a failed save never corrupts the
// last-known-good file.
type Queue struct {
	store  Lister
	logger *slog.Logger
	write  func([]core.Vehicle) error

	mu      sync.Mutex
	cond    *sync.Cond
	saving  bool
	pending bool

	marshal func(any) ([]byte, error)
}

// New creates a queue persisting to the given file path.
func New(store Lister, path string, logger *slog.Logger) *Queue {
	q := newQueue(store, logger)
	q.write = func(snapshot []core.Vehicle) error {
		return q.writeAtomic(path, snapshot)
	}
	return q
}

// NewWithWriter creates a queue with a custom write function. Used in tests
// and by callers that persist somewhere other than the local filesystem.
func NewWithWriter(store Lister, write func([]core.Vehicle) error, logger *slog.Logger) *Queue {
	q := newQueue(store, logger)
	q.write = write
	return q
}

func newQueue(store Lister, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		store:  store,
		logger: logger,
		marshal: func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		},
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// RequestSave schedules a save of the current store snapshot. If a save is
// already in flight the request is recorded; exactly one additional save
// runs after the in-flight one completes, no matter how many requests
// arrived meanwhile.
func (q *Queue) RequestSave() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.saving {
		q.pending = true
		return
	}
	q.saving = true
	go q.run()
}

// run executes saves until no follow-up is pending. The snapshot is taken
// at the start of each run, so the follow-up write reflects the latest
// state at the time it starts.
func (q *Queue) run() {
	for {
		snapshot := q.store.List()
		if err := q.write(snapshot); err != nil {
			q.logger.Error("vehicle state save failed", "error", err)
		} else {
			q.logger.Debug("vehicle state saved", "vehicles", len(snapshot))
		}

		q.mu.Lock()
		if q.pending {
			q.pending = false
			q.mu.Unlock()
			continue
		}
		q.saving = false
		q.cond.Broadcast()
		q.mu.Unlock()
		return
	}
}

// Wait blocks until the queue is idle (no save in flight, none pending).
// Used at shutdown and in tests.
func (q *Queue) Wait() {
	q.mu.Lock()
	for q.saving {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// writeAtomic serializes the snapshot to a temporary file in the
// destination directory and renames it onto the destination path.
// os.Rename replaces an existing destination in one step, so there is no
// unlink-then-rename window and readers never observe a truncated file.
func (q *Queue) writeAtomic(path string, vehicles []core.Vehicle) error {
	data, err := q.marshal(vehicles)
	if err != nil {
		return fmt.Errorf("marshal vehicle snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// Load reads the persisted vehicle array from path. A missing file is not
// an error: the fleet starts empty.
func Load(path string) ([]core.Vehicle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var vehicles []core.Vehicle
	if err := json.Unmarshal(data, &vehicles); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return vehicles, nil
}
