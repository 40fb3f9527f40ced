// Package models defines the typed rows of the synced tables.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/tasksync/internal/core/protocol"
)

const (
	TableUsers    = "users"
	TableProjects = "projects"
	TableTasks    = "tasks"
	TableComments = "comments"
)

var (
	ErrInvalidEntity = errors.New("invalid entity")
	ErrUnknownTable  = errors.New("unknown table")
)

// Entity is a typed row of one synced table.
type Entity interface {
	Table() string
	EntityID() string
	Validate() error
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	OwnerID     string `json:"owner_id,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at,omitempty"`
}

type TaskStatus string

const (
	StatusOpen       TaskStatus = "open"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
)

type Task struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	Title      string     `json:"title"`
	Status     TaskStatus `json:"status,omitempty"`
	AssigneeID string     `json:"assignee_id,omitempty"`
	DueAt      int64      `json:"due_at,omitempty"`
	CreatedAt  int64      `json:"created_at,omitempty"`
}

type Comment struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

func (User) Table() string    { return TableUsers }
func (Project) Table() string { return TableProjects }
func (Task) Table() string    { return TableTasks }
func (Comment) Table() string { return TableComments }

func (u User) EntityID() string    { return u.ID }
func (p Project) EntityID() string { return p.ID }
func (t Task) EntityID() string    { return t.ID }
func (c Comment) EntityID() string { return c.ID }

func (u User) Validate() error {
	return requireFields(u, map[string]string{"id": u.ID, "name": u.Name})
}

func (p Project) Validate() error {
	return requireFields(p, map[string]string{"id": p.ID, "name": p.Name})
}

func (t Task) Validate() error {
	if err := requireFields(t, map[string]string{"id": t.ID, "project_id": t.ProjectID, "title": t.Title}); err != nil {
		return err
	}
	switch t.Status {
	case "", StatusOpen, StatusInProgress, StatusDone:
		return nil
	}
	return fmt.Errorf("%w: tasks: unknown status %q", ErrInvalidEntity, t.Status)
}

func (c Comment) Validate() error {
	return requireFields(c, map[string]string{"id": c.ID, "task_id": c.TaskID, "author_id": c.AuthorID, "body": c.Body})
}

func requireFields(e Entity, fields map[string]string) error {
	for name, v := range fields {
		if v == "" {
			return fmt.Errorf("%w: %s: %s is required", ErrInvalidEntity, e.Table(), name)
		}
	}
	return nil
}

// NewID returns a fresh row id.
func NewID() string {
	return uuid.NewString()
}

// Now is the creation timestamp used for new rows, in Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToRecord converts an entity to its wire record.
func ToRecord(e Entity) (protocol.Record, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var rec protocol.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// FromRecord decodes a record of table into its typed entity.
func FromRecord(table string, rec protocol.Record) (Entity, error) {
	var e Entity
	switch table {
	case TableUsers:
		e = &User{}
	case TableProjects:
		e = &Project{}
	case TableTasks:
		e = &Task{}
	case TableComments:
		e = &Comment{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEntity, table, err)
	}
	return e, nil
}
