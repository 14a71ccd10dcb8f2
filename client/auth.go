package client

import (
	"context"
	"net/http"

	"tracker-board/domain"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login exchanges credentials for a session cookie and returns the member
// identity. The backend sets the cookie; it lands in the private jar and is
// attached to every later request automatically.
func (c *Client) Login(ctx context.Context, email, password string) (domain.Member, error) {
	var me domain.Member
	if err := c.do(ctx, http.MethodPost, "/auth/login", loginRequest{Email: email, Password: password}, &me); err != nil {
		return domain.Member{}, err
	}
	return me, nil
}

// Logout invalidates the session server-side.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

// Me returns the identity bound to the current session cookie.
func (c *Client) Me(ctx context.Context) (domain.Member, error) {
	var me domain.Member
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &me); err != nil {
		return domain.Member{}, err
	}
	return me, nil
}
