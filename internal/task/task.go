// Package task is the in-memory task registry. It assigns task ids, runs
// tasks in the background, tracks their status and fans progress events out
// to subscribers.
package task

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ligustah/sophon/internal/progress"
)

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("task: not found")

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Info is a snapshot of a task.
type Info struct {
	ID       string    `json:"task_id"`
	Kind     string    `json:"kind"`
	Status   Status    `json:"status"`
	Progress *float64  `json:"progress,omitempty"`
	Error    string    `json:"error,omitempty"`
	Created  time.Time `json:"created"`
}

// Runner is the work of a task. It reports through em and must return once
// ctx is cancelled.
type Runner func(ctx context.Context, em *progress.Emitter) error

// Options configures a Registry.
type Options struct {
	// Emitter configures the emitter handed to every Runner.
	Emitter progress.Options

	// Buffer is the number of messages queued per subscriber before
	// messages are dropped.
	// Default: 256
	Buffer int

	// History is the number of most recent events of a task replayed to
	// new subscribers. The terminal event is always kept.
	// Default: 64
	History int

	Logger *slog.Logger
}

type task struct {
	info   Info
	cancel context.CancelFunc
	subs   map[chan []byte]struct{}
	// history holds the most recent events, oldest first.
	history [][]byte
}

// record must be called with r.mu held.
func (r *Registry) record(t *task, data []byte) {
	if data == nil {
		return
	}
	if len(t.history) == r.opts.History {
		copy(t.history, t.history[1:])
		t.history = t.history[:len(t.history)-1]
	}
	t.history = append(t.history, data)
}

// Registry tracks tasks. It implements progress.Sink.
type Registry struct {
	opts Options

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.History <= 0 {
		opts.History = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{opts: opts, tasks: make(map[string]*task)}
}

// Start registers a task and runs it in the background. The task context
// is derived from ctx.
func (r *Registry) Start(ctx context.Context, kind string, run Runner) string {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.tasks[id] = &task{
		info:   Info{ID: id, Kind: kind, Status: StatusPending, Created: time.Now()},
		cancel: cancel,
		subs:   make(map[chan []byte]struct{}),
	}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		r.setRunning(id)
		em := progress.NewEmitter(id, r, r.opts.Emitter)
		err := run(ctx, em)
		em.Close()

		switch {
		case err == nil:
			r.finish(id, StatusCompleted, "", progress.Completed{})
		case ctx.Err() != nil:
			r.finish(id, StatusCancelled, "cancelled", progress.Cancelled{})
		default:
			r.finish(id, StatusFailed, err.Error(), progress.Failed{Error: err.Error()})
		}
	}()

	r.opts.Logger.Info("task started", "task_id", id, "kind", kind)
	return id
}

func (r *Registry) setRunning(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok && t.info.Status == StatusPending {
		t.info.Status = StatusRunning
	}
}

func (r *Registry) finish(id string, status Status, msg string, e progress.Event) {
	data, err := progress.Marshal(id, e)
	if err != nil {
		r.opts.Logger.Error("marshal terminal event", "task_id", id, "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return
	}
	t.info.Status = status
	t.info.Error = msg
	r.record(t, data)
	for ch := range t.subs {
		r.send(id, ch, data)
		close(ch)
	}
	t.subs = make(map[chan []byte]struct{})
	r.opts.Logger.Info("task finished", "task_id", id, "status", string(status), "error", msg)
}

// Get returns a snapshot of a task.
func (r *Registry) Get(id string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	info := t.info
	if info.Progress != nil {
		p := *info.Progress
		info.Progress = &p
	}
	return info, nil
}

// List returns all tasks, oldest first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		if info, err := r.Get(id); err == nil {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Cancel signals a task to stop. Cancelling a finished task does nothing.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	t, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	t.cancel()
	return nil
}

// Subscribe returns a channel receiving the JSON encoded events of a task,
// starting with the retained history. The channel is closed after the
// terminal event. Call unsubscribe when done reading.
func (r *Registry) Subscribe(id string) (events <-chan []byte, unsubscribe func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, nil, ErrNotFound
	}

	ch := make(chan []byte, len(t.history)+r.opts.Buffer)
	for _, data := range t.history {
		ch <- data
	}
	if t.info.Status.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}

	t.subs[ch] = struct{}{}
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := t.subs[ch]; ok {
			delete(t.subs, ch)
			close(ch)
		}
	}, nil
}

// Publish implements progress.Sink.
func (r *Registry) Publish(id string, e progress.Event) {
	data, err := progress.Marshal(id, e)
	if err != nil {
		r.opts.Logger.Error("marshal event", "task_id", id, "type", e.Type(), "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return
	}
	if p, ok := percentOf(e); ok {
		t.info.Progress = &p
	}
	r.record(t, data)
	for ch := range t.subs {
		r.send(id, ch, data)
	}
}

// send must be called with r.mu held.
func (r *Registry) send(id string, ch chan []byte, data []byte) {
	if data == nil {
		return
	}
	select {
	case ch <- data:
	default:
		r.opts.Logger.Debug("subscriber too slow, dropping event", "task_id", id)
	}
}

// Shutdown cancels all tasks and waits for them to return or ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, t := range r.tasks {
		t.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func percentOf(e progress.Event) (float64, bool) {
	switch ev := e.(type) {
	case progress.ChunkProgress:
		return ev.OverallProgress.OverallPercent, true
	case progress.LdiffDownloadComplete:
		return ev.OverallProgress.OverallPercent, true
	case progress.CheckFile:
		return ev.OverallProgress.OverallPercent, true
	case progress.DeleteFile:
		return ev.OverallProgress.OverallPercent, true
	}
	return 0, false
}
