package board

import (
	"context"

	log "github.com/sirupsen/logrus"

	"tracker-board/domain"
)

// Source supplies task reads.
type Source interface {
	ListTasks(ctx context.Context, projectID int64) ([]domain.Task, error)
}

// Mutator persists task writes and returns canonical server records.
type Mutator interface {
	CreateTask(ctx context.Context, draft domain.TaskDraft) (domain.Task, error)
	UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, id int64) error
}

// Notice is surfaced to the user when a persist fails for good and its
// optimistic change is rolled back.
type Notice struct {
	TaskID int64
	Op     string
	Err    error
}

// Notifier receives notices, exactly one per failed operation. Failures of
// superseded operations produce none.
type Notifier interface {
	Notify(Notice)
}

// LogNotifier writes notices to a logrus logger.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Notify(notice Notice) {
	n.Logger.WithFields(log.Fields{
		"task_id": notice.TaskID,
		"op":      notice.Op,
		"error":   notice.Err.Error(),
	}).Error("board.operation.failed")
}

// Config wires a Board's collaborators.
type Config struct {
	Source   Source
	Mutator  Mutator
	Notifier Notifier    // optional, defaults to LogNotifier
	Logger   *log.Logger // optional, defaults to the standard logger
	// ReadOnly rejects every mutation before any state change or request.
	ReadOnly bool
}
