package board

import (
	"fmt"

	"tracker-board/domain"
)

// state holds the three columns. Everything here is plain slice and map
// manipulation with no I/O and no locking; the engine owns the single
// instance and serializes access to it.
type state struct {
	columns map[domain.Status][]domain.Task
}

func newState() state {
	s := state{columns: make(map[domain.Status][]domain.Task, 3)}
	for _, st := range domain.Statuses() {
		s.columns[st] = nil
	}
	return s
}

// partition groups tasks into columns by status, preserving input order
// within each column. A task with an unknown status fails the whole
// partition.
func partition(tasks []domain.Task) (state, error) {
	s := newState()
	for _, t := range tasks {
		if !t.Status.Valid() {
			return state{}, fmt.Errorf("task %d: unknown status %q", t.ID, t.Status)
		}
		s.columns[t.Status] = append(s.columns[t.Status], t)
	}
	return s, nil
}

// find locates a task and returns its column and index.
func (s state) find(id int64) (domain.Status, int, bool) {
	for _, st := range domain.Statuses() {
		for i, t := range s.columns[st] {
			if t.ID == id {
				return st, i, true
			}
		}
	}
	return "", 0, false
}

// taskAt returns a copy of the task at the given position.
func (s state) taskAt(st domain.Status, i int) domain.Task {
	return s.columns[st][i]
}

// setAt overwrites the record at the given position, keeping the column's
// status stamped on it.
func (s *state) setAt(st domain.Status, i int, t domain.Task) {
	t.Status = st
	s.columns[st][i] = t
}

// insertAt places t into column st at index i, clamped to [0, len].
func (s *state) insertAt(st domain.Status, i int, t domain.Task) {
	col := s.columns[st]
	if i < 0 {
		i = 0
	}
	if i > len(col) {
		i = len(col)
	}
	t.Status = st
	col = append(col, domain.Task{})
	copy(col[i+1:], col[i:])
	col[i] = t
	s.columns[st] = col
}

// appendTask adds t to the end of its own status column.
func (s *state) appendTask(t domain.Task) {
	s.insertAt(t.Status, len(s.columns[t.Status]), t)
}

// remove deletes a task and returns the record with its former position.
func (s *state) remove(id int64) (domain.Task, domain.Status, int, bool) {
	st, i, ok := s.find(id)
	if !ok {
		return domain.Task{}, "", 0, false
	}
	col := s.columns[st]
	t := col[i]
	s.columns[st] = append(col[:i], col[i+1:]...)
	return t, st, i, true
}

// move relocates a task to column st at index i. The index is interpreted
// after removal from the current position, so same-column moves reorder the
// way a drop does.
func (s *state) move(id int64, st domain.Status, i int) bool {
	t, _, _, ok := s.remove(id)
	if !ok {
		return false
	}
	s.insertAt(st, i, t)
	return true
}

// replace swaps in the canonical record for a task, preserving its board
// position. When the record's status disagrees with the current column the
// record wins and the task re-homes to the end of that column. rec.Status
// must be valid.
func (s *state) replace(rec domain.Task) bool {
	st, i, ok := s.find(rec.ID)
	if !ok {
		return false
	}
	if rec.Status == st {
		s.columns[st][i] = rec
		return true
	}
	col := s.columns[st]
	s.columns[st] = append(col[:i], col[i+1:]...)
	s.appendTask(rec)
	return true
}

// snapshot deep-copies all columns for hand-off to callers.
func (s state) snapshot() map[domain.Status][]domain.Task {
	out := make(map[domain.Status][]domain.Task, len(s.columns))
	for _, st := range domain.Statuses() {
		col := s.columns[st]
		cp := make([]domain.Task, len(col))
		copy(cp, col)
		out[st] = cp
	}
	return out
}

// size returns the total task count across columns.
func (s state) size() int {
	n := 0
	for _, col := range s.columns {
		n += len(col)
	}
	return n
}
