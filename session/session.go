package session

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"tracker-board/domain"
)

// Client is the slice of the HTTP gateway the manager needs.
type Client interface {
	Login(ctx context.Context, email, password string) (domain.Member, error)
	Logout(ctx context.Context) error
	Me(ctx context.Context) (domain.Member, error)
}

// Manager caches the signed-in identity and reacts to authentication
// failures reported by the transport. The reaction is one-shot per login:
// the first 401 clears the identity and runs the redirect callback, later
// 401s stay quiet until the next login.
type Manager struct {
	client   Client
	logger   *log.Logger
	redirect func()

	mu      sync.Mutex
	current *domain.Member
	armed   bool
}

// New builds a Manager. redirect runs when an armed session hits a 401 and
// may be nil.
func New(client Client, redirect func(), logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Manager{client: client, redirect: redirect, logger: logger}
}

// Login authenticates, caches the identity, and arms the failure latch.
func (m *Manager) Login(ctx context.Context, email, password string) (domain.Member, error) {
	me, err := m.client.Login(ctx, email, password)
	if err != nil {
		return domain.Member{}, err
	}
	m.store(me)
	return me, nil
}

// Refresh re-fetches the identity bound to the session cookie.
func (m *Manager) Refresh(ctx context.Context) (domain.Member, error) {
	me, err := m.client.Me(ctx)
	if err != nil {
		return domain.Member{}, err
	}
	m.store(me)
	return me, nil
}

// Logout invalidates the session server-side and clears the cached identity
// even when the server call fails.
func (m *Manager) Logout(ctx context.Context) error {
	err := m.client.Logout(ctx)
	m.mu.Lock()
	m.current = nil
	m.armed = false
	m.mu.Unlock()
	return err
}

// Current returns the cached identity.
func (m *Manager) Current() (domain.Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return domain.Member{}, false
	}
	return *m.current, true
}

// AuthFailed is wired as the transport's 401 hook.
func (m *Manager) AuthFailed() {
	m.mu.Lock()
	wasArmed := m.armed
	m.armed = false
	m.current = nil
	m.mu.Unlock()
	if !wasArmed {
		return
	}
	m.logger.Warn("session expired, sign-in required")
	if m.redirect != nil {
		m.redirect()
	}
}

func (m *Manager) store(me domain.Member) {
	m.mu.Lock()
	m.current = &me
	m.armed = true
	m.mu.Unlock()
}
