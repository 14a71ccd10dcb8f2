package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tracker-board/domain"
)

// backend is the slice of the HTTP gateway the cache decorates.
type backend interface {
	ListTasks(ctx context.Context, projectID int64) ([]domain.Task, error)
	CreateTask(ctx context.Context, draft domain.TaskDraft) (domain.Task, error)
	UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, id int64) error
}

// TaskCache wraps the gateway with redis-backed caching of project task
// lists and write-through eviction. It satisfies the board's Source and
// Mutator interfaces. Cache trouble never fails a call; reads fall back to
// the gateway. A nil redis client disables caching entirely.
type TaskCache struct {
	base   backend
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Logger

	// task id -> project id, so mutations on bare task ids can evict the
	// right project entry. Misses just mean no eviction; the TTL bounds
	// staleness.
	mu       sync.Mutex
	projects map[int64]int64
}

// NewTaskCache creates a caching wrapper using the provided redis client
// and TTL.
func NewTaskCache(base backend, client *redis.Client, ttl time.Duration, logger *log.Logger) *TaskCache {
	if base == nil {
		panic("storage.NewTaskCache: base gateway is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &TaskCache{
		base:     base,
		redis:    client,
		ttl:      ttl,
		logger:   logger,
		projects: make(map[int64]int64),
	}
}

func (c *TaskCache) ListTasks(ctx context.Context, projectID int64) ([]domain.Task, error) {
	if tasks, ok := c.loadFromCache(ctx, projectID); ok {
		c.index(projectID, tasks)
		return tasks, nil
	}

	tasks, err := c.base.ListTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}

	c.index(projectID, tasks)
	c.store(ctx, projectID, tasks)
	return tasks, nil
}

func (c *TaskCache) CreateTask(ctx context.Context, draft domain.TaskDraft) (domain.Task, error) {
	task, err := c.base.CreateTask(ctx, draft)
	if err != nil {
		return domain.Task{}, err
	}

	project := task.ProjectID
	if project == 0 {
		project = draft.ProjectID
	}
	c.remember(task.ID, project)
	c.evict(ctx, project)
	return task, nil
}

func (c *TaskCache) UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) (domain.Task, error) {
	task, err := c.base.UpdateTask(ctx, id, patch)
	if err != nil {
		return domain.Task{}, err
	}

	project := task.ProjectID
	if project == 0 {
		project = c.lookup(id)
	}
	c.remember(id, project)
	c.evict(ctx, project)
	return task, nil
}

func (c *TaskCache) DeleteTask(ctx context.Context, id int64) error {
	if err := c.base.DeleteTask(ctx, id); err != nil {
		return err
	}

	c.evict(ctx, c.forget(id))
	return nil
}

func (c *TaskCache) loadFromCache(ctx context.Context, projectID int64) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(projectID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the gateway without failing.
			c.logger.WithFields(log.Fields{"project_id": projectID, "error": err.Error()}).Warn("cache.read.degraded")
			_ = c.redis.Del(ctx, tasksCacheKey(projectID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(projectID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *TaskCache) store(ctx context.Context, projectID int64, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, tasksCacheKey(projectID), data, c.ttl).Err(); err != nil {
		c.logger.WithFields(log.Fields{"project_id": projectID, "error": err.Error()}).Warn("cache.write.degraded")
	}
}

func (c *TaskCache) evict(ctx context.Context, projectID int64) {
	if c.redis == nil || projectID == 0 {
		return
	}
	if err := c.redis.Del(ctx, tasksCacheKey(projectID)).Err(); err != nil {
		c.logger.WithFields(log.Fields{"project_id": projectID, "error": err.Error()}).Warn("cache.evict.degraded")
	}
}

func (c *TaskCache) index(projectID int64, tasks []domain.Task) {
	c.mu.Lock()
	for _, t := range tasks {
		c.projects[t.ID] = projectID
	}
	c.mu.Unlock()
}

func (c *TaskCache) remember(taskID, projectID int64) {
	if projectID == 0 {
		return
	}
	c.mu.Lock()
	c.projects[taskID] = projectID
	c.mu.Unlock()
}

func (c *TaskCache) lookup(taskID int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projects[taskID]
}

func (c *TaskCache) forget(taskID int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	project := c.projects[taskID]
	delete(c.projects, taskID)
	return project
}

func tasksCacheKey(projectID int64) string {
	return fmt.Sprintf("tasks:%d", projectID)
}
