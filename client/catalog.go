package client

import (
	"context"
	"fmt"
	"net/http"

	"tracker-board/domain"
)

type projectsResponse struct {
	Projects []domain.Project `json:"projects"`
}

type membersResponse struct {
	Members []domain.Member `json:"members"`
}

// ListProjects fetches the projects visible to the session.
func (c *Client) ListProjects(ctx context.Context) ([]domain.Project, error) {
	var res projectsResponse
	if err := c.do(ctx, http.MethodGet, "/projects", nil, &res); err != nil {
		return nil, err
	}
	return res.Projects, nil
}

// ListMembers fetches the member roster of a project.
func (c *Client) ListMembers(ctx context.Context, projectID int64) ([]domain.Member, error) {
	var res membersResponse
	path := fmt.Sprintf("/projects/%d/members", projectID)
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Members, nil
}
