package board

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"tracker-board/domain"
)

// Validation failures, returned before any state change or network call.
var (
	ErrReadOnly       = errors.New("board is read-only")
	ErrTaskNotFound   = errors.New("task not found")
	ErrTitleRequired  = errors.New("title required")
	ErrUnknownStatus  = errors.New("unknown status")
	ErrInvalidProject = errors.New("invalid project id")
	ErrEmptyPatch     = errors.New("empty patch")
)

const (
	opLoad   = "load"
	opCreate = "create"
	opMove   = "move"
	opEdit   = "edit"
	opRemove = "remove"
)

// Board owns the three status columns for one project and serializes every
// mutation. Mutations apply optimistically and persist in the background;
// per task, persists run strictly one at a time in submission order. A
// persist outcome that arrives after a newer mutation of the same task, or
// after a reload, is discarded.
type Board struct {
	source   Source
	mutator  Mutator
	notifier Notifier
	logger   *log.Logger
	readOnly bool
	events   *eventBroker

	mu        sync.Mutex
	st        state
	projectID int64
	epoch     uint64
	tracks    map[int64]*track
}

// track follows one task's persist pipeline. rev grows with every mutation
// of the task and is never reset while the task stays on the board.
type track struct {
	rev   uint64
	busy  bool
	queue []*persistJob
}

// persistJob is one queued persist for an optimistic mutation.
type persistJob struct {
	op       string
	taskID   int64
	rev      uint64
	epoch    uint64
	snapshot taskSnapshot
	removed  bool // removal jobs confirm absence instead of replacing
	call     func(context.Context) (domain.Task, error)
}

// taskSnapshot pins a task's record and exact position before a mutation.
type taskSnapshot struct {
	task   domain.Task
	status domain.Status
	index  int
}

// New builds a Board from cfg.
func New(cfg Config) (*Board, error) {
	if cfg.Source == nil || cfg.Mutator == nil {
		return nil, errors.New("board: source and mutator required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{Logger: cfg.Logger}
	}
	return &Board{
		source:   cfg.Source,
		mutator:  cfg.Mutator,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		readOnly: cfg.ReadOnly,
		events:   newEventBroker(),
		st:       newState(),
		tracks:   make(map[int64]*track),
	}, nil
}

// Load fetches a project's tasks and partitions them into the three
// columns, preserving server order. Any failure leaves the board empty.
// Persists still in flight from before the load are orphaned; their
// outcomes are discarded when they complete.
func (b *Board) Load(ctx context.Context, projectID int64) error {
	if projectID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidProject, projectID)
	}
	tasks, err := b.source.ListTasks(ctx, projectID)
	if err != nil {
		b.install(projectID, newState())
		return fmt.Errorf("load project %d: %w", projectID, err)
	}
	st, err := partition(tasks)
	if err != nil {
		b.install(projectID, newState())
		return fmt.Errorf("load project %d: %w", projectID, err)
	}
	b.install(projectID, st)
	b.events.notify(Event{Type: EventLoaded, Op: opLoad})
	return nil
}

// install swaps in a fresh state and bumps the epoch so that completions of
// earlier persists are recognized as stale.
func (b *Board) install(projectID int64, st state) {
	b.mu.Lock()
	b.projectID = projectID
	b.st = st
	b.epoch++
	b.tracks = make(map[int64]*track)
	b.mu.Unlock()
}

// Create validates the draft locally, persists it, and appends the
// server-assigned record to the end of its status column. On failure
// nothing is added, so the caller keeps its form state.
func (b *Board) Create(ctx context.Context, draft domain.TaskDraft) (domain.Task, error) {
	if b.readOnly {
		return domain.Task{}, ErrReadOnly
	}
	draft.Title = strings.TrimSpace(draft.Title)
	if draft.Title == "" {
		return domain.Task{}, ErrTitleRequired
	}
	if draft.Status == "" {
		draft.Status = domain.StatusTodo
	}
	if !draft.Status.Valid() {
		return domain.Task{}, fmt.Errorf("%w: %q", ErrUnknownStatus, draft.Status)
	}

	b.mu.Lock()
	if draft.ProjectID == 0 {
		draft.ProjectID = b.projectID
	}
	epoch := b.epoch
	b.mu.Unlock()
	if draft.ProjectID <= 0 {
		return domain.Task{}, fmt.Errorf("%w: %d", ErrInvalidProject, draft.ProjectID)
	}

	task, err := b.mutator.CreateTask(ctx, draft)
	if err != nil {
		return domain.Task{}, err
	}
	if !task.Status.Valid() {
		task.Status = draft.Status
	}

	b.mu.Lock()
	current := b.epoch == epoch
	if current {
		b.st.appendTask(task)
	}
	b.mu.Unlock()
	if !current {
		// A reload landed while the create was on the wire; the fresh
		// state owns the project now, so nothing is announced.
		b.logger.WithFields(log.Fields{
			"task_id": task.ID,
			"op":      opCreate,
		}).Debug("board.create.stale")
		return task, nil
	}
	b.events.notify(Event{Type: EventCreated, Op: opCreate, Task: task})
	return task, nil
}

// Move relocates a task optimistically and queues a status persist. The
// index is interpreted after removal from the current position and clamped
// to the destination column. Position is a client-side concern; only the
// status goes on the wire.
func (b *Board) Move(taskID int64, target domain.Status, index int) error {
	if b.readOnly {
		return ErrReadOnly
	}
	if !target.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, target)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	st, idx, ok := b.st.find(taskID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	}
	snap := taskSnapshot{task: b.st.taskAt(st, idx), status: st, index: idx}
	b.st.move(taskID, target, index)

	status := target
	b.enqueueLocked(&persistJob{
		op:       opMove,
		taskID:   taskID,
		snapshot: snap,
		call: func(ctx context.Context) (domain.Task, error) {
			return b.mutator.UpdateTask(ctx, taskID, domain.TaskPatch{Status: &status})
		},
	})
	return nil
}

// Edit merges a patch optimistically and queues a persist carrying exactly
// the patch's set fields. A status change relocates the task to the end of
// the target column; explicit placement stays a move concern.
func (b *Board) Edit(taskID int64, patch domain.TaskPatch) error {
	if b.readOnly {
		return ErrReadOnly
	}
	if patch.Empty() {
		return ErrEmptyPatch
	}
	if patch.Title != nil {
		trimmed := strings.TrimSpace(*patch.Title)
		if trimmed == "" {
			return ErrTitleRequired
		}
		patch.Title = &trimmed
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, *patch.Status)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	st, idx, ok := b.st.find(taskID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	}
	snap := taskSnapshot{task: b.st.taskAt(st, idx), status: st, index: idx}
	updated := snap.task
	patch.Apply(&updated)
	if updated.Status != st {
		b.st.remove(taskID)
		b.st.appendTask(updated)
	} else {
		b.st.setAt(st, idx, updated)
	}

	b.enqueueLocked(&persistJob{
		op:       opEdit,
		taskID:   taskID,
		snapshot: snap,
		call: func(ctx context.Context) (domain.Task, error) {
			return b.mutator.UpdateTask(ctx, taskID, patch)
		},
	})
	return nil
}

// Remove deletes a task optimistically and queues the persist. Rollback
// reinserts the record at its original column and index.
func (b *Board) Remove(taskID int64) error {
	if b.readOnly {
		return ErrReadOnly
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	st, idx, ok := b.st.find(taskID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	}
	snap := taskSnapshot{task: b.st.taskAt(st, idx), status: st, index: idx}
	b.st.remove(taskID)

	b.enqueueLocked(&persistJob{
		op:       opRemove,
		taskID:   taskID,
		snapshot: snap,
		removed:  true,
		call: func(ctx context.Context) (domain.Task, error) {
			return domain.Task{}, b.mutator.DeleteTask(ctx, taskID)
		},
	})
	return nil
}

// enqueueLocked stamps the job with the task's next revision and the current
// epoch, then queues it behind any persist already running for the task.
func (b *Board) enqueueLocked(job *persistJob) {
	tr := b.tracks[job.taskID]
	if tr == nil {
		tr = &track{}
		b.tracks[job.taskID] = tr
	}
	tr.rev++
	job.rev = tr.rev
	job.epoch = b.epoch
	tr.queue = append(tr.queue, job)
	b.dispatchLocked(tr)
}

// dispatchLocked starts the next queued persist unless one is running.
// Jobs orphaned by a reload are dropped here.
func (b *Board) dispatchLocked(tr *track) {
	for !tr.busy && len(tr.queue) > 0 {
		job := tr.queue[0]
		tr.queue = tr.queue[1:]
		if job.epoch != b.epoch {
			b.logger.WithFields(log.Fields{
				"task_id": job.taskID,
				"op":      job.op,
				"rev":     job.rev,
			}).Debug("board.persist.orphaned")
			continue
		}
		tr.busy = true
		go b.run(job, tr)
	}
}

func (b *Board) run(job *persistJob, tr *track) {
	rec, err := job.call(context.Background())
	b.finish(job, tr, rec, err)
}

// finish applies a persist outcome. Stale outcomes (superseded revision or
// old epoch) are discarded without rollback or notice.
func (b *Board) finish(job *persistJob, tr *track, rec domain.Task, err error) {
	b.mu.Lock()
	tr.busy = false
	current := job.epoch == b.epoch && job.rev == tr.rev

	var ev *Event
	switch {
	case !current:
		b.logger.WithFields(log.Fields{
			"task_id": job.taskID,
			"op":      job.op,
			"rev":     job.rev,
		}).Debug("board.persist.stale")
	case err != nil:
		b.st.remove(job.taskID)
		b.st.insertAt(job.snapshot.status, job.snapshot.index, job.snapshot.task)
		ev = &Event{Type: EventRolledBack, Op: job.op, Task: job.snapshot.task, Err: err}
	case job.removed:
		delete(b.tracks, job.taskID)
		ev = &Event{Type: EventRemoved, Op: job.op, Task: job.snapshot.task}
	default:
		if !rec.Status.Valid() {
			if cur, _, ok := b.st.find(rec.ID); ok {
				rec.Status = cur
			} else {
				rec.Status = job.snapshot.status
			}
		}
		b.st.replace(rec)
		ev = &Event{Type: EventCommitted, Op: job.op, Task: rec}
	}
	b.dispatchLocked(tr)
	b.mu.Unlock()

	if ev == nil {
		return
	}
	if ev.Type == EventRolledBack {
		b.notifier.Notify(Notice{TaskID: job.taskID, Op: job.op, Err: err})
	}
	b.events.notify(*ev)
}

// Snapshot returns a deep copy of the three columns.
func (b *Board) Snapshot() map[domain.Status][]domain.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.snapshot()
}

// Column returns a copy of a single column.
func (b *Board) Column(st domain.Status) []domain.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	col := b.st.columns[st]
	cp := make([]domain.Task, len(col))
	copy(cp, col)
	return cp
}

// Task returns the current record of a task.
func (b *Board) Task(id int64) (domain.Task, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, i, ok := b.st.find(id)
	if !ok {
		return domain.Task{}, false
	}
	return b.st.taskAt(st, i), true
}

// Pending reports whether a persist is queued or in flight for the task.
func (b *Board) Pending(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	tr := b.tracks[id]
	return tr != nil && (tr.busy || len(tr.queue) > 0)
}

// ProjectID returns the loaded project id, 0 before the first load.
func (b *Board) ProjectID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.projectID
}

// ReadOnly reports whether mutations are gated off.
func (b *Board) ReadOnly() bool {
	return b.readOnly
}

// Watch subscribes to board events. Sends never block; a consumer that
// falls behind misses events.
func (b *Board) Watch() chan Event {
	return b.events.subscribe()
}

// Unwatch removes a subscription.
func (b *Board) Unwatch(ch chan Event) {
	b.events.unsubscribe(ch)
}
