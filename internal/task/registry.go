package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ami/internal/logging"
)

const (
	gcInterval   = 10 * time.Minute
	gcMaxAge     = time.Hour
	taskIDLength = 8
)

// Registry is the in-memory map of tasks with background GC of old ones.
type Registry struct {
	workspaceRoot string
	logger        logging.Logger

	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewRegistry creates a registry rooted at workspaceRoot for per-task
// working directories.
func NewRegistry(workspaceRoot string) *Registry {
	return &Registry{
		workspaceRoot: workspaceRoot,
		logger:        logging.NewComponentLogger("TaskRegistry"),
		tasks:         make(map[string]*Task),
	}
}

// Create allocates a task with a unique short ID and a fresh workspace.
func (r *Registry) Create(prompt string) (*Task, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("task prompt is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	for {
		id = strings.ReplaceAll(uuid.New().String(), "-", "")[:taskIDLength]
		if _, exists := r.tasks[id]; !exists {
			break
		}
	}

	workspace := filepath.Join(r.workspaceRoot, id)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	t := New(id, prompt, workspace)
	r.tasks[id] = t
	r.logger.Info("created task %s (workspace %s)", id, workspace)
	return t, nil
}

// Get looks up a task by ID.
func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// List returns all tasks sorted newest first.
func (r *Registry) List() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt().After(out[j].CreatedAt())
	})
	return out
}

// Stats returns totals by status.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := map[string]int{"total": len(r.tasks)}
	for _, t := range r.tasks {
		stats[string(t.Status())]++
	}
	return stats
}

// Cleanup closes emitters of terminal tasks older than maxAge and drops
// them. Emitters are never revived.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, t := range r.tasks {
		if !t.Status().Terminal() {
			continue
		}
		if t.UpdatedAt().After(cutoff) {
			continue
		}
		t.Emitter.Close()
		delete(r.tasks, id)
		removed++
	}
	if removed > 0 {
		r.logger.Info("gc removed %d terminal task(s)", removed)
	}
	return removed
}

// StartGC sweeps every 10 minutes until ctx is done.
func (r *Registry) StartGC(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Cleanup(gcMaxAge)
			case <-ctx.Done():
				return
			}
		}
	}()
}
