package board

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"tracker-board/domain"
)

// stubBackend plays the persistence layer. Defaults behave like a well
// functioning server; individual funcs can be overridden per test.
type stubBackend struct {
	mu          sync.Mutex
	seed        []domain.Task
	records     map[int64]domain.Task
	nextID      int64
	listCalls   int
	createCalls int
	updateCalls int
	deleteCalls int
	lastDraft   domain.TaskDraft

	list   func(projectID int64) ([]domain.Task, error)
	create func(draft domain.TaskDraft) (domain.Task, error)
	update func(id int64, patch domain.TaskPatch) (domain.Task, error)
	remove func(id int64) error
}

func newStubBackend(tasks ...domain.Task) *stubBackend {
	s := &stubBackend{
		seed:    tasks,
		records: make(map[int64]domain.Task, len(tasks)),
		nextID:  100,
	}
	for _, t := range tasks {
		s.records[t.ID] = t
	}
	return s
}

func (s *stubBackend) ListTasks(_ context.Context, projectID int64) ([]domain.Task, error) {
	s.mu.Lock()
	s.listCalls++
	fn := s.list
	seed := append([]domain.Task(nil), s.seed...)
	s.mu.Unlock()
	if fn != nil {
		return fn(projectID)
	}
	return seed, nil
}

func (s *stubBackend) CreateTask(_ context.Context, draft domain.TaskDraft) (domain.Task, error) {
	s.mu.Lock()
	s.createCalls++
	s.lastDraft = draft
	fn := s.create
	s.mu.Unlock()
	if fn != nil {
		return fn(draft)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := domain.Task{
		ID:        s.nextID,
		ProjectID: draft.ProjectID,
		Title:     draft.Title,
		Status:    draft.Status,
	}
	s.records[t.ID] = t
	return t, nil
}

func (s *stubBackend) UpdateTask(_ context.Context, id int64, patch domain.TaskPatch) (domain.Task, error) {
	s.mu.Lock()
	s.updateCalls++
	fn := s.update
	s.mu.Unlock()
	if fn != nil {
		return fn(id, patch)
	}
	return s.apply(id, patch)
}

func (s *stubBackend) DeleteTask(_ context.Context, id int64) error {
	s.mu.Lock()
	s.deleteCalls++
	fn := s.remove
	s.mu.Unlock()
	if fn != nil {
		return fn(id)
	}
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

// apply patches the stored record the way the real server would.
func (s *stubBackend) apply(id int64, patch domain.TaskPatch) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.records[id]
	if !ok {
		return domain.Task{}, errors.New("no such task")
	}
	patch.Apply(&t)
	s.records[id] = t
	return t, nil
}

func (s *stubBackend) counts() (list, create, update, remove int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls, s.createCalls, s.updateCalls, s.deleteCalls
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *recordingNotifier) Notify(notice Notice) {
	n.mu.Lock()
	n.notices = append(n.notices, notice)
	n.mu.Unlock()
}

func (n *recordingNotifier) all() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.notices...)
}

// updateCall is one UpdateTask invocation held open until the test replies.
type updateCall struct {
	id    int64
	patch domain.TaskPatch
	reply chan updateResult
}

type updateResult struct {
	task domain.Task
	err  error
}

// manualUpdates reroutes UpdateTask through a channel so tests control when
// and how each persist completes.
func manualUpdates(s *stubBackend) chan updateCall {
	calls := make(chan updateCall, 8)
	s.update = func(id int64, patch domain.TaskPatch) (domain.Task, error) {
		reply := make(chan updateResult, 1)
		calls <- updateCall{id: id, patch: patch, reply: reply}
		res := <-reply
		return res.task, res.err
	}
	return calls
}

func awaitCall(t *testing.T, calls chan updateCall) updateCall {
	t.Helper()
	select {
	case c := <-calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a persist call")
	}
	return updateCall{}
}

func waitEvent(t *testing.T, ch chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", want)
		}
	}
}

// assertQuiet fails if any of the given event types shows up within the
// grace window. Used to verify stale outcomes stay silent.
func assertQuiet(t *testing.T, ch chan Event, types ...EventType) {
	t.Helper()
	timer := time.After(150 * time.Millisecond)
	for {
		select {
		case ev := <-ch:
			for _, tp := range types {
				if ev.Type == tp {
					t.Fatalf("unexpected %q event for task %d", ev.Type, ev.Task.ID)
				}
			}
		case <-timer:
			return
		}
	}
}

func newTestBoard(t *testing.T, backend *stubBackend, mutate ...func(*Config)) (*Board, *recordingNotifier) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	notifier := &recordingNotifier{}
	cfg := Config{Source: backend, Mutator: backend, Notifier: notifier, Logger: logger}
	for _, m := range mutate {
		m(&cfg)
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return b, notifier
}

func loadedBoard(t *testing.T, backend *stubBackend, mutate ...func(*Config)) (*Board, *recordingNotifier) {
	t.Helper()
	b, notifier := newTestBoard(t, backend, mutate...)
	if err := b.Load(context.Background(), 7); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return b, notifier
}

func assertBoardColumn(t *testing.T, b *Board, st domain.Status, want ...int64) {
	t.Helper()
	got := columnIDs(b.Column(st))
	if len(got) != len(want) {
		t.Fatalf("column %q ids %v, expected %v", st, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("column %q ids %v, expected %v", st, got, want)
		}
	}
}

func strPtr(v string) *string { return &v }

func statusPtr(v domain.Status) *domain.Status { return &v }

func TestLoadPartitionsIntoColumns(t *testing.T) {
	backend := newStubBackend(boardFixture()...)
	b, _ := loadedBoard(t, backend)

	assertBoardColumn(t, b, domain.StatusTodo, 1, 4, 5)
	assertBoardColumn(t, b, domain.StatusInProgress, 2)
	assertBoardColumn(t, b, domain.StatusDone, 3)
	if got := b.ProjectID(); got != 7 {
		t.Fatalf("ProjectID = %d, expected 7", got)
	}
}

func TestLoadRejectsInvalidProject(t *testing.T) {
	backend := newStubBackend()
	b, _ := newTestBoard(t, backend)

	if err := b.Load(context.Background(), 0); !errors.Is(err, ErrInvalidProject) {
		t.Fatalf("Load(0) returned %v, expected ErrInvalidProject", err)
	}
	if list, _, _, _ := backend.counts(); list != 0 {
		t.Fatalf("backend queried %d times for an invalid project", list)
	}
}

func TestLoadFailureLeavesBoardEmpty(t *testing.T) {
	cause := errors.New("backend down")
	backend := newStubBackend(boardFixture()...)
	b, _ := loadedBoard(t, backend)

	backend.mu.Lock()
	backend.list = func(int64) ([]domain.Task, error) { return nil, cause }
	backend.mu.Unlock()

	err := b.Load(context.Background(), 7)
	if !errors.Is(err, cause) {
		t.Fatalf("Load returned %v, expected wrapped %v", err, cause)
	}
	for _, st := range domain.Statuses() {
		if col := b.Column(st); len(col) != 0 {
			t.Fatalf("column %q kept %d tasks after a failed load", st, len(col))
		}
	}
}

func TestLoadRejectsMalformedTasks(t *testing.T) {
	backend := newStubBackend(domain.Task{ID: 1, Status: "Archived"})
	b, _ := newTestBoard(t, backend)

	if err := b.Load(context.Background(), 7); err == nil {
		t.Fatal("expected Load to fail on an unknown status")
	}
	for _, st := range domain.Statuses() {
		if col := b.Column(st); len(col) != 0 {
			t.Fatalf("column %q not empty after rejected load", st)
		}
	}
}

func TestCreateAppendsServerRecord(t *testing.T) {
	backend := newStubBackend(boardFixture()...)
	b, _ := loadedBoard(t, backend)
	ch := b.Watch()
	defer b.Unwatch(ch)

	task, err := b.Create(context.Background(), domain.TaskDraft{Title: "  Draft release notes  "})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if task.ID != 101 {
		t.Fatalf("task.ID = %d, expected the server-assigned 101", task.ID)
	}
	if task.Title != "Draft release notes" {
		t.Fatalf("task.Title = %q, expected trimmed title", task.Title)
	}
	assertBoardColumn(t, b, domain.StatusTodo, 1, 4, 5, 101)

	backend.mu.Lock()
	draft := backend.lastDraft
	backend.mu.Unlock()
	if draft.ProjectID != 7 {
		t.Fatalf("draft.ProjectID = %d, expected the loaded project", draft.ProjectID)
	}

	ev := waitEvent(t, ch, EventCreated)
	if ev.Task.ID != 101 || ev.Op != "create" {
		t.Fatalf("created event = %#v", ev)
	}
}

func TestCreateValidatesLocally(t *testing.T) {
	tests := []struct {
		name  string
		draft domain.TaskDraft
		want  error
	}{
		{name: "empty title", draft: domain.TaskDraft{}, want: ErrTitleRequired},
		{name: "whitespace title", draft: domain.TaskDraft{Title: "   "}, want: ErrTitleRequired},
		{name: "unknown status", draft: domain.TaskDraft{Title: "ok", Status: "Later"}, want: ErrUnknownStatus},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			backend := newStubBackend(boardFixture()...)
			b, _ := loadedBoard(t, backend)

			_, err := b.Create(context.Background(), tc.draft)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Create returned %v, expected %v", err, tc.want)
			}
			if _, create, _, _ := backend.counts(); create != 0 {
				t.Fatalf("rejected draft reached the backend %d times", create)
			}
			assertBoardColumn(t, b, domain.StatusTodo, 1, 4, 5)
		})
	}
}

func TestCreateFailureAddsNothing(t *testing.T) {
	backend := newStubBackend(boardFixture()...)
	backend.create = func(domain.TaskDraft) (domain.Task, error) {
		return domain.Task{}, errors.New("boom")
	}
	b, _ := loadedBoard(t, backend)

	if _, err := b.Create(context.Background(), domain.TaskDraft{Title: "New"}); err == nil {
		t.Fatal("expected Create to surface the backend failure")
	}
	assertBoardColumn(t, b, domain.StatusTodo, 1, 4, 5)
	assertBoardColumn(t, b, domain.StatusInProgress, 2)
	assertBoardColumn(t, b, domain.StatusDone, 3)
}

func TestCreateRequiresLoadedProject(t *testing.T) {
	backend := newStubBackend()
	b, _ := newTestBoard(t, backend)

	_, err := b.Create(context.Background(), domain.TaskDraft{Title: "orphan"})
	if !errors.Is(err, ErrInvalidProject) {
		t.Fatalf("Create returned %v, expected ErrInvalidProject", err)
	}
}

func TestCreateSupersededByReloadAddsNothing(t *testing.T) {
	backend := newStubBackend(boardFixture()...)
	entered := make(chan struct{})
	release := make(chan struct{})
	backend.create = func(draft domain.TaskDraft) (domain.Task, error) {
		close(entered)
		<-release
		return domain.Task{ID: 900, ProjectID: draft.ProjectID, Title: draft.Title, Status: draft.Status}, nil
	}
	b, _ := loadedBoard(t, backend)
	ch := b.Watch()
	defer b.Unwatch(ch)

	type outcome struct {
		task domain.Task
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		task, err := b.Create(context.Background(), domain.TaskDraft{Title: "Late arrival"})
		done <- outcome{task, err}
	}()

	// Reload while the create is on the wire; the fresh epoch supersedes it.
	<-entered
	if err := b.Load(context.Background(), 7); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	waitEvent(t, ch, EventLoaded)
	close(release)

	var res outcome
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Create did not return")
	}
	if res.err != nil {
		t.Fatalf("Create failed: %v", res.err)
	}
	// The caller still gets the server record.
	if res.task.ID != 900 {
		t.Fatalf("task = %#v", res.task)
	}

	// The reloaded state never held the record, so nothing announces it.
	assertQuiet(t, ch, EventCreated)
	assertBoardColumn(t, b, domain.StatusTodo, 1, 4, 5)
	assertBoardColumn(t, b, domain.StatusInProgress, 2)
	assertBoardColumn(t, b, domain.StatusDone, 3)
}

func TestReadOnlyGatesEveryMutation(t *testing.T) {
	backend := newStubBackend(boardFixture()...)
	b, _ := loadedBoard(t, backend, func(c *Config) { c.ReadOnly = true })

	if _, err := b.Create(context.Background(), domain.TaskDraft{Title: "x"}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("Create returned %v, expected ErrReadOnly", err)
	}
	if err := b.Move(1, domain.StatusDone, 0); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("Move returned %v, expected ErrReadOnly", err)
	}
	if err := b.Edit(1, domain.TaskPatch{Title: strPtr("y")}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("Edit returned %v, expected ErrReadOnly", err)
	}
	if err := b.Remove(1); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("Remove returned %v, expected ErrReadOnly", err)
	}
	if _, create, update, remove := backend.counts(); create+update+remove != 0 {
		t.Fatalf("read-only board reached the backend: create=%d update=%d delete=%d", create, update, remove)
	}
	// Loading stays available.
	if err := b.Load(context.Background(), 7); err != nil {
		t.Fatalf("Load on a read-only board failed: %v", err)
	}
}

func TestMoveToTopOfDoneColumn(t *testing.T) {
	backend := newStubBackend(
		domain.Task{ID: 1, Title: "One", Status: domain.StatusTodo},
		domain.Task{ID: 2, Title: "Two", Status: domain.StatusInProgress},
		domain.Task{ID: 3, Title: "Three", Status: domain.StatusDone},
	)
	b, notifier := loadedBoard(t, backend)
	ch := b.Watch()
	defer b.Unwatch(ch)

	if err := b.Move(1, domain.StatusDone, 0); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	// The optimistic relocation is visible before the persist settles.
	assertBoardColumn(t, b, domain.StatusTodo)
	assertBoardColumn(t, b, domain.StatusDone, 1, 3)

	ev := waitEvent(t, ch, EventCommitted)
	if ev.Task.ID != 1 || ev.Task.Status != domain.StatusDone {
		t.Fatalf("committed event = %#v", ev)
	}
	assertBoardColumn(t, b, domain.StatusDone, 1, 3)
	if notices := notifier.all(); len(notices) != 0 {
		t.Fatalf("successful move produced %d notices", len(notices))
	}
}

func TestMoveSendsOnlyTheStatus(t *testing.T) {
	backend := newStubBackend(boardFixture()...)
	calls := manualUpdates(backend)
	b, _ := loadedBoard(t, backend)

	if err := b.Move(4, domain.StatusInProgress, 0); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	call := awaitCall(t, calls)
	if call.id != 4 {
		t.Fatalf("persist targeted task %d, expected 4", call.id)
	}
	if call.patch.Status == nil || *call.patch.Status != domain.StatusInProgress {
		t.Fatalf("patch.Status = %v, expected In Progress", call.patch.Status)
	}
	if call.patch.Title != nil || call.patch.Description != nil || call.patch.AssigneeID != nil {
		t.Fatalf("move leaked extra fields onto the wire: %#v", call.patch)
	}
	call.reply <- updateResult{task: domain.Task{ID: 4, Title: "Review wireframes", Status: domain.StatusInProgress}}
}

func TestMoveUnknownTask(t *testing.T) {
	backend := newStubBackend(boardFixture()...)
	b, _ := loadedBoard(t, backend)

	if err := b.Move(99, domain.StatusDone, 0); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Move returned %v, expected ErrTaskNotFound", err)
	}
	if err := b.Move(1, "Archived", 0); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("Move returned %v, expected ErrUnknownStatus", err)
	}
}

func TestMoveRollbackRestoresExactPosition(t *testing.T) {
	cause := errors.New("persist rejected")
	backend := newStubBackend(boardFixture()...)
	backend.update = func(int64, domain.TaskPatch) (domain.Task, error) {
		return domain.Task{}, cause
	}
	b, notifier := loadedBoard(t, backend)
	ch := b.Watch()
	defer b.Unwatch(ch)

	if err := b.Move(4, domain.StatusDone, 0); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	ev := waitEvent(t, ch, EventRolledBack)
	if !errors.Is(ev.Err, cause) {
		t.Fatalf("rollback event error = %v, expected %v", ev.Err, cause)
	}

	// Task 4 is back in To Do at its original slot between 1 and 5.
	assertBoardColumn(t, b, domain.StatusTodo, 1, 4, 5)
	assertBoardColumn(t, b, domain.StatusDone, 3)

	notices := notifier.all()
	if len(notices) != 1 {
		t.Fatalf("rollback produced %d notices, expected exactly 1", len(notices))
	}
	if notices[0].TaskID != 4 || notices[0].Op != "move" || !errors.Is(notices[0].Err, cause) {
		t.Fatalf("notice = %#v", notices[0])
	}
}

func TestMoveRollbackClampsWhenColumnShrank(t *testing.T) {
	cause := errors.New("persist rejected")
	backend := newStubBackend(boardFixture()...)
	calls := manualUpdates(backend)
	b, notifier := loadedBoard(t, backend)
	ch := b.Watch()
	defer b.Unwatch(ch)

	if err := b.Move(4, domain.StatusDone, 0); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	call := awaitCall(t, calls)

	// While the move persist hangs, the column it left loses a task.
	if err := b.Remove(1); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	waitEvent(t, ch, EventRemoved)

	call.reply <- updateResult{err: cause}
	waitEvent(t, ch, EventRolledBack)

	// The original index 1 still lands 4 after 5, clamped into [0, len].
	assertBoardColumn(t, b, domain.StatusTodo, 5, 4)
	assertBoardColumn(t, b, domain.StatusDone, 3)
	if notices := notifier.all(); len(notices) != 1 {
		t.Fatalf("expected exactly 1 notice, saw %d", len(notices))
	}
}

func TestRapidMovesSecondWins(t *testing.T) {
	backend := newStubBackend(boardFixture()...)
	calls := manualUpdates(backend)
	b, notifier := loadedBoard(t, backend)
	ch := b.Watch()
	defer b.Unwatch(ch)

	if err := b.Move(4, domain.StatusDone, 0); err != nil {
		t.Fatalf("first Move failed: %v", err)
	}
	first := awaitCall(t, calls)

	if err := b.Move(4, domain.StatusInProgress, 0); err != nil {
		t.Fatalf("second Move failed: %v", err)
	}
	// One persist per task at a time: the second waits behind the first.
	select {
	case c := <-calls:
		t.Fatalf("second persist for task %d dispatched while the first was in flight", c.id)
	default:
	}

	first.reply <- updateResult{task: domain.Task{ID: 4, Title: "Review wireframes", Status: domain.StatusDone}}

	second := awaitCall(t, calls)
	if second.patch.Status == nil || *second.patch.Status != domain.StatusInProgress {
		t.Fatalf("second persist patch = %#v", second.patch)
	}
	second.reply <- updateResult{task: domain.Task{ID: 4, Title: "Review wireframes", Status: domain.StatusInProgress}}

	ev := waitEvent(t, ch, EventCommitted)
	if ev.Task.ID != 4 || ev.Task.Status != domain.StatusInProgress {
		t.Fatalf("committed event = %#v, expected the second move's record", ev)
	}
	assertQuiet(t, ch, EventCommitted, EventRolledBack)

	// The superseded first outcome never touched the board.
	assertBoardColumn(t, b, domain.StatusTodo, 1, 5)
	assertBoardColumn(t, b, domain.StatusInProgress, 4, 2)
	assertBoardColumn(t, b, domain.StatusDone, 3)
	if notices := notifier.all(); len(notices) != 0 {
		t.Fatalf("stale outcome produced notices: %#v", notices)
	}
}

func TestEditMergesPatch(t *testing.T) {
	backend := newStubBackend(boardFixture()...)
	b, _ := loadedBoard(t, backend)
	ch := b.Watch()
	defer b.Unwatch(ch)

	patch := domain.TaskPatch{Title: strPtr("Set up CI and CD")}
	if err := b.Edit(2, patch); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	got, ok := b.Task(2)
	if !ok || got.Title != "Set up CI and CD" {
		t.Fatalf("optimistic record = %#v", got)
	}
	assertBoardColumn(t, b, domain.StatusInProgress, 2)

	ev := waitEvent(t, ch, EventCommitted)
	if ev.Task.Title != "Set up CI and CD" || ev.Task.Status != domain.StatusInProgress {
		t.Fatalf("committed record = %#v", ev.Task)
	}
}

func TestEditStatusChangeAppendsToTargetColumn(t *testing.T) {
	backend := newStubBackend(boardFixture()...)
	b, _ := loadedBoard(t, backend)
	ch := b.Watch()
	defer b.Unwatch(ch)

	if err := b.Edit(1, domain.TaskPatch{Status: statusPtr(domain.StatusDone)}); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	assertBoardColumn(t, b, domain.StatusTodo, 4, 5)
	assertBoardColumn(t, b, domain.StatusDone, 3, 1)

	waitEvent(t, ch, EventCommitted)
	assertBoardColumn(t, b, domain.StatusDone, 3, 1)
}

func TestEditValidation(t *testing.T) {
	backend := newStubBackend(boardFixture()...)
	b, _ := loadedBoard(t, backend)

	tests := []struct {
		name   string
		taskID int64
		patch  domain.TaskPatch
		want   error
	}{
		{name: "empty patch", taskID: 1, patch: domain.TaskPatch{}, want: ErrEmptyPatch},
		{name: "blank title", taskID: 1, patch: domain.TaskPatch{Title: strPtr("  ")}, want: ErrTitleRequired},
		{name: "unknown status", taskID: 1, patch: domain.TaskPatch{Status: statusPtr("Parked")}, want: ErrUnknownStatus},
		{name: "unknown task", taskID: 99, patch: domain.TaskPatch{Title: strPtr("x")}, want: ErrTaskNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := b.Edit(tc.taskID, tc.patch); !errors.Is(err, tc.want) {
				t.Fatalf("Edit returned %v, expected %v", err, tc.want)
			}
		})
	}
	if _, _, update, _ := backend.counts(); update != 0 {
		t.Fatalf("rejected edits reached the backend %d times", update)
	}
}

func TestEditRollbackRestoresRecord(t *testing.T) {
	cause := errors.New("persist rejected")
	backend := newStubBackend(boardFixture()...)
	backend.update = func(int64, domain.TaskPatch) (domain.Task, error) {
		return domain.Task{}, cause
	}
	b, notifier := loadedBoard(t, backend)
	ch := b.Watch()
	defer b.Unwatch(ch)

	if err := b.Edit(2, domain.TaskPatch{Title: strPtr("renamed")}); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	waitEvent(t, ch, EventRolledBack)

	got, ok := b.Task(2)
	if !ok || got.Title != "Set up CI" {
		t.Fatalf("record after rollback = %#v, expected the original title", got)
	}
	if notices := notifier.all(); len(notices) != 1 || notices[0].Op != "edit" {
		t.Fatalf("notices = %#v", notices)
	}
}

func TestRemoveConfirmed(t *testing.T) {
	backend := newStubBackend(boardFixture()...)
	b, _ := loadedBoard(t, backend)
	ch := b.Watch()
	defer b.Unwatch(ch)

	if err := b.Remove(2); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	assertBoardColumn(t, b, domain.StatusInProgress)

	ev := waitEvent(t, ch, EventRemoved)
	if ev.Task.ID != 2 {
		t.Fatalf("removed event = %#v", ev)
	}
	if _, _, _, remove := backend.counts(); remove != 1 {
		t.Fatalf("DeleteTask called %d times", remove)
	}
	if b.Pending(2) {
		t.Fatal("task 2 still pending after confirmed removal")
	}
}

func TestRemoveRollbackRestoresTask(t *testing.T) {
	cause := errors.New("persist rejected")
	backend := newStubBackend(boardFixture()...)
	backend.remove = func(int64) error { return cause }
	b, notifier := loadedBoard(t, backend)
	ch := b.Watch()
	defer b.Unwatch(ch)

	if err := b.Remove(2); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	waitEvent(t, ch, EventRolledBack)

	assertBoardColumn(t, b, domain.StatusInProgress, 2)
	notices := notifier.all()
	if len(notices) != 1 || notices[0].Op != "remove" || !errors.Is(notices[0].Err, cause) {
		t.Fatalf("notices = %#v", notices)
	}
}

func TestReloadOrphansInFlightPersist(t *testing.T) {
	backend := newStubBackend(boardFixture()...)
	calls := manualUpdates(backend)
	b, notifier := loadedBoard(t, backend)
	ch := b.Watch()
	defer b.Unwatch(ch)

	if err := b.Move(4, domain.StatusDone, 0); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	call := awaitCall(t, calls)

	if err := b.Load(context.Background(), 7); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	// The completion lands after the reload and must be discarded.
	call.reply <- updateResult{task: domain.Task{ID: 4, Title: "Review wireframes", Status: domain.StatusDone}}
	assertQuiet(t, ch, EventCommitted, EventRolledBack)

	assertBoardColumn(t, b, domain.StatusTodo, 1, 4, 5)
	assertBoardColumn(t, b, domain.StatusDone, 3)
	if notices := notifier.all(); len(notices) != 0 {
		t.Fatalf("orphaned outcome produced notices: %#v", notices)
	}
}

func TestReloadDropsQueuedPersists(t *testing.T) {
	backend := newStubBackend(boardFixture()...)
	calls := manualUpdates(backend)
	b, _ := loadedBoard(t, backend)
	ch := b.Watch()
	defer b.Unwatch(ch)

	if err := b.Move(4, domain.StatusDone, 0); err != nil {
		t.Fatalf("first Move failed: %v", err)
	}
	first := awaitCall(t, calls)
	if err := b.Move(4, domain.StatusInProgress, 0); err != nil {
		t.Fatalf("second Move failed: %v", err)
	}

	if err := b.Load(context.Background(), 7); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	first.reply <- updateResult{task: domain.Task{ID: 4, Status: domain.StatusDone}}

	// The queued second persist belonged to the old epoch and never runs.
	select {
	case c := <-calls:
		t.Fatalf("orphaned queued persist dispatched for task %d", c.id)
	case <-time.After(150 * time.Millisecond):
	}
	if _, _, update, _ := backend.counts(); update != 1 {
		t.Fatalf("UpdateTask called %d times, expected 1", update)
	}
	assertQuiet(t, ch, EventCommitted, EventRolledBack)
}

func TestPendingTracksQueueDepth(t *testing.T) {
	backend := newStubBackend(boardFixture()...)
	calls := manualUpdates(backend)
	b, _ := loadedBoard(t, backend)
	ch := b.Watch()
	defer b.Unwatch(ch)

	if b.Pending(4) {
		t.Fatal("fresh board reports task 4 pending")
	}
	if err := b.Move(4, domain.StatusDone, 0); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if !b.Pending(4) {
		t.Fatal("task 4 not pending while its persist is in flight")
	}
	call := awaitCall(t, calls)
	call.reply <- updateResult{task: domain.Task{ID: 4, Title: "Review wireframes", Status: domain.StatusDone}}
	waitEvent(t, ch, EventCommitted)
	if b.Pending(4) {
		t.Fatal("task 4 still pending after the persist settled")
	}
}
