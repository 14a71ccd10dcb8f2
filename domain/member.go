package domain

import (
	"fmt"
	"time"
)

// Role identifies the access level of a member.
type Role string

const (
	RoleManager  Role = "manager"
	RoleEmployee Role = "employee"
)

// Project represents a tracked project.
type Project struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Member represents a person with access to the tracker.
type Member struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role,omitempty"`
}

// Roster indexes members by id for assignee lookups.
type Roster map[int64]Member

// NewRoster builds a roster from a member list.
func NewRoster(members []Member) Roster {
	r := make(Roster, len(members))
	for _, m := range members {
		r[m.ID] = m
	}
	return r
}

// DisplayName resolves an assignee id to a printable name.
func (r Roster) DisplayName(id *int64) string {
	if id == nil {
		return "unassigned"
	}
	if m, ok := r[*id]; ok {
		return m.Name
	}
	return fmt.Sprintf("member #%d", *id)
}
