package backendtest

import (
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"

	"tracker-board/domain"
)

// SessionCookie is the cookie carrying the signed session token.
const SessionCookie = "tracker_session"

const sessionTTL = 12 * time.Hour

// Server is an in-process tracker backend speaking the exact HTTP surface
// the client expects, with controllable fault injection on the task routes.
// It exists for tests and local runs; it is a double, not a product.
type Server struct {
	URL string

	ts     *httptest.Server
	secret []byte
	parser *jwt.Parser

	mu       sync.Mutex
	users    map[string]seededUser
	members  map[int64]domain.Member
	projects map[int64]domain.Project
	roster   map[int64][]int64 // project id -> member ids
	tasks    map[int64]domain.Task
	order    map[int64][]int64 // project id -> task ids in insertion order
	nextID   int64

	faults   faultScript
	requests int
}

type seededUser struct {
	member   domain.Member
	password string
}

type faultScript struct {
	failures   int
	status     int
	retryAfter time.Duration
	brokenBody int
}

// Run starts a Server on a local listener.
func Run() (*Server, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}

	s := &Server{
		secret:   secret,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
		users:    make(map[string]seededUser),
		members:  make(map[int64]domain.Member),
		projects: make(map[int64]domain.Project),
		roster:   make(map[int64][]int64),
		tasks:    make(map[int64]domain.Task),
		order:    make(map[int64][]int64),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.POST("/auth/login", s.handleLogin)
	e.POST("/auth/logout", s.handleLogout)
	e.GET("/auth/me", s.handleMe, s.requireSession)

	e.GET("/projects", s.handleProjects, s.requireSession)
	e.GET("/projects/:id/members", s.handleMembers, s.requireSession)
	e.GET("/projects/:id/tasks", s.handleListTasks, s.injectFaults, s.requireSession)
	e.POST("/tasks", s.handleCreateTask, s.injectFaults, s.requireSession)
	e.PATCH("/tasks/:id", s.handlePatchTask, s.injectFaults, s.requireSession)
	e.DELETE("/tasks/:id", s.handleDeleteTask, s.injectFaults, s.requireSession)

	s.ts = httptest.NewServer(e)
	s.URL = s.ts.URL
	return s, nil
}

// Close shuts the listener down.
func (s *Server) Close() {
	s.ts.Close()
}

// FailNext makes the next n task-route requests answer with the given
// status and the error envelope.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	s.faults.failures = n
	s.faults.status = status
	s.mu.Unlock()
}

// RetryAfter attaches a Retry-After hint to injected 429 responses.
func (s *Server) RetryAfter(d time.Duration) {
	s.mu.Lock()
	s.faults.retryAfter = d
	s.mu.Unlock()
}

// BreakBody makes the next n task-route responses return a 200 with a body
// that is not valid JSON.
func (s *Server) BreakBody(n int) {
	s.mu.Lock()
	s.faults.brokenBody = n
	s.mu.Unlock()
}

// Requests returns how many requests reached the task routes, fault
// injected ones included.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// ResetRequests zeroes the task-route request counter.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	s.requests = 0
	s.mu.Unlock()
}

// SeedUser registers a login and its member record.
func (s *Server) SeedUser(name, email, password string, role domain.Role) domain.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m := domain.Member{ID: s.nextID, Name: name, Email: email, Role: role}
	s.members[m.ID] = m
	s.users[strings.ToLower(email)] = seededUser{member: m, password: password}
	return m
}

// SeedMember registers a member without login credentials, for rosters
// that include people who never sign in themselves.
func (s *Server) SeedMember(name, email string, role domain.Role) domain.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m := domain.Member{ID: s.nextID, Name: name, Email: email, Role: role}
	s.members[m.ID] = m
	return m
}

// SeedProject registers a project.
func (s *Server) SeedProject(name string) domain.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p := domain.Project{ID: s.nextID, Name: name, CreatedAt: time.Now().UTC()}
	s.projects[p.ID] = p
	return p
}

// AddToProject puts a member on a project's roster.
func (s *Server) AddToProject(projectID, memberID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roster[projectID] = append(s.roster[projectID], memberID)
}

// SeedTask stores a task under the project, filling in id, status, and
// timestamps when absent, and returns the completed record.
func (s *Server) SeedTask(projectID int64, t domain.Task) domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		s.nextID++
		t.ID = s.nextID
	}
	t.ProjectID = projectID
	if t.Status == "" {
		t.Status = domain.StatusTodo
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.tasks[t.ID] = t
	s.order[projectID] = append(s.order[projectID], t.ID)
	return t
}

// TaskRecord returns the stored record of a task.
func (s *Server) TaskRecord(id int64) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

func respondError(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]any{
		"success":   false,
		"message":   msg,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// requireSession validates the session cookie and stashes the member id on
// the request context.
func (s *Server) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		cookie, err := c.Cookie(SessionCookie)
		if err != nil || cookie.Value == "" {
			return respondError(c, http.StatusUnauthorized, "authentication required")
		}
		memberID, err := s.memberIDFromToken(cookie.Value)
		if err != nil {
			return respondError(c, http.StatusUnauthorized, "invalid session")
		}
		c.Set("member_id", memberID)
		return next(c)
	}
}

func (s *Server) memberIDFromToken(token string) (int64, error) {
	parsed, err := s.parser.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return 0, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return 0, errors.New("invalid claims")
	}
	if !claims.VerifyExpiresAt(time.Now().Unix(), true) {
		return 0, errors.New("token expired")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return 0, errors.New("missing sub")
	}
	return strconv.ParseInt(sub, 10, 64)
}

func (s *Server) issueToken(memberID int64) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": strconv.FormatInt(memberID, 10),
		"iat": now.Unix(),
		"exp": now.Add(sessionTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// injectFaults serves the scripted failures and broken bodies ahead of the
// real handlers. Faults run before auth so retry behavior can be exercised
// without a session.
func (s *Server) injectFaults(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.mu.Lock()
		s.requests++
		if s.faults.failures > 0 {
			s.faults.failures--
			status := s.faults.status
			retryAfter := s.faults.retryAfter
			s.mu.Unlock()
			if status == http.StatusTooManyRequests && retryAfter > 0 {
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
			}
			return respondError(c, status, "injected failure")
		}
		if s.faults.brokenBody > 0 {
			s.faults.brokenBody--
			s.mu.Unlock()
			return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte("{\"tasks\": ["))
		}
		s.mu.Unlock()
		return next(c)
	}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(c echo.Context) error {
	var creds credentials
	if err := c.Bind(&creds); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid body")
	}
	s.mu.Lock()
	u, ok := s.users[strings.ToLower(creds.Email)]
	s.mu.Unlock()
	if !ok || u.password != creds.Password {
		return respondError(c, http.StatusUnauthorized, "invalid credentials")
	}
	token, err := s.issueToken(u.member.ID)
	if err != nil {
		return respondError(c, http.StatusInternalServerError, "issue session")
	}
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(sessionTTL),
	})
	return c.JSON(http.StatusOK, u.member)
}

func (s *Server) handleLogout(c echo.Context) error {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMe(c echo.Context) error {
	id := c.Get("member_id").(int64)
	s.mu.Lock()
	m, ok := s.members[id]
	s.mu.Unlock()
	if !ok {
		return respondError(c, http.StatusUnauthorized, "unknown member")
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleProjects(c echo.Context) error {
	s.mu.Lock()
	projects := make([]domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		projects = append(projects, p)
	}
	s.mu.Unlock()
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return c.JSON(http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleMembers(c echo.Context) error {
	projectID, err := paramID(c)
	if err != nil {
		return respondError(c, http.StatusBadRequest, "invalid project id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return respondError(c, http.StatusNotFound, "project not found")
	}
	members := make([]domain.Member, 0, len(s.roster[projectID]))
	for _, id := range s.roster[projectID] {
		if m, ok := s.members[id]; ok {
			members = append(members, m)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleListTasks(c echo.Context) error {
	projectID, err := paramID(c)
	if err != nil {
		return respondError(c, http.StatusBadRequest, "invalid project id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return respondError(c, http.StatusNotFound, "project not found")
	}
	tasks := make([]domain.Task, 0, len(s.order[projectID]))
	for _, id := range s.order[projectID] {
		if t, ok := s.tasks[id]; ok {
			tasks = append(tasks, t)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"tasks": tasks})
}

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ProjectID   int64  `json:"project_id"`
	Status      string `json:"status"`
	AssigneeID  *int64 `json:"assignee_id"`
}

func (s *Server) handleCreateTask(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid body")
	}
	if strings.TrimSpace(req.Title) == "" {
		return respondError(c, http.StatusBadRequest, "title required")
	}
	status := domain.Status(req.Status)
	if req.Status == "" {
		status = domain.StatusTodo
	}
	if !status.Valid() {
		return respondError(c, http.StatusBadRequest, "unknown status")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[req.ProjectID]; !ok {
		return respondError(c, http.StatusNotFound, "project not found")
	}
	s.nextID++
	now := time.Now().UTC()
	task := domain.Task{
		ID:          s.nextID,
		ProjectID:   req.ProjectID,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Status:      status,
		AssigneeID:  req.AssigneeID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.tasks[task.ID] = task
	s.order[req.ProjectID] = append(s.order[req.ProjectID], task.ID)
	return c.JSON(http.StatusCreated, task)
}

type patchTaskRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	AssigneeID  *int64  `json:"assignee_id"`
}

func (s *Server) handlePatchTask(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return respondError(c, http.StatusBadRequest, "invalid task id")
	}
	var req patchTaskRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid body")
	}
	if req.Status != nil && !domain.Status(*req.Status).Valid() {
		return respondError(c, http.StatusBadRequest, "unknown status")
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		return respondError(c, http.StatusBadRequest, "title required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return respondError(c, http.StatusNotFound, "task not found")
	}
	if req.Title != nil {
		task.Title = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.Status != nil {
		task.Status = domain.Status(*req.Status)
	}
	if req.AssigneeID != nil {
		task.AssigneeID = req.AssigneeID
	}
	task.UpdatedAt = time.Now().UTC()
	s.tasks[id] = task
	return c.JSON(http.StatusOK, task)
}

func (s *Server) handleDeleteTask(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return respondError(c, http.StatusBadRequest, "invalid task id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return respondError(c, http.StatusNotFound, "task not found")
	}
	delete(s.tasks, id)
	ids := s.order[task.ProjectID]
	for i, tid := range ids {
		if tid == id {
			s.order[task.ProjectID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func paramID(c echo.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}
