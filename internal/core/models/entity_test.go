package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToRecord(t *testing.T) {
	rec, err := ToRecord(Task{ID: "t1", ProjectID: "p1", Title: "Ship", Status: StatusOpen})
	require.NoError(t, err)
	assert.Equal(t, "t1", rec.ID())
	assert.Equal(t, "p1", rec["project_id"])
	assert.Equal(t, "open", rec["status"])
	assert.NotContains(t, rec, "assignee_id")
}

func TestToRecord_Validates(t *testing.T) {
	_, err := ToRecord(Comment{ID: "c1", TaskID: "t1", AuthorID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidEntity)

	_, err = ToRecord(Task{ID: "t1", ProjectID: "p1", Title: "x", Status: "blocked"})
	assert.ErrorIs(t, err, ErrInvalidEntity)
}

func TestFromRecord(t *testing.T) {
	rec, err := ToRecord(User{ID: "u1", Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)

	e, err := FromRecord(TableUsers, rec)
	require.NoError(t, err)
	u, ok := e.(*User)
	require.True(t, ok)
	assert.Equal(t, "Ada", u.Name)
	assert.Equal(t, "u1", u.EntityID())

	_, err = FromRecord("invoices", rec)
	assert.ErrorIs(t, err, ErrUnknownTable)
}
