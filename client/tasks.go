package client

import (
	"context"
	"fmt"
	"net/http"

	"tracker-board/domain"
)

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

// ListTasks fetches every task of a project.
func (c *Client) ListTasks(ctx context.Context, projectID int64) ([]domain.Task, error) {
	var res tasksResponse
	path := fmt.Sprintf("/projects/%d/tasks", projectID)
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Tasks, nil
}

// CreateTask persists a draft and returns the server-assigned record.
func (c *Client) CreateTask(ctx context.Context, draft domain.TaskDraft) (domain.Task, error) {
	var task domain.Task
	if err := c.do(ctx, http.MethodPost, "/tasks", draft, &task); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// UpdateTask applies a partial update and returns the canonical record.
// Only the patch's set fields go on the wire; position never does.
func (c *Client) UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) (domain.Task, error) {
	var task domain.Task
	path := fmt.Sprintf("/tasks/%d", id)
	if err := c.do(ctx, http.MethodPatch, path, patch, &task); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/tasks/%d", id), nil, nil)
}
