package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/tasksync/internal/core/protocol"
)

type cli struct {
	t    *testing.T
	base []string
}

func newCLI(t *testing.T) *cli {
	dir := t.TempDir()
	return &cli{t: t, base: []string{
		"--config", filepath.Join(dir, "tasksync.yaml"),
		"--data-dir", filepath.Join(dir, "data"),
		"--client-id", "cli-test",
	}}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(append([]string{}, c.base...), args...))
	err := root.Execute()
	return out.String(), err
}

func (c *cli) must(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, out)
	return out
}

func TestCLI_WriteAndQueryOffline(t *testing.T) {
	c := newCLI(t)

	out := c.must("add", "users", "--set", "id=u1", "--set", "name=Ada", "--set", "email=ada@example.com")
	assert.Contains(t, out, "users u1")
	c.must("add", "projects", "--set", "id=p1", "--set", "name=Launch", "--set", "owner_id=u1")
	c.must("add", "tasks", "--set", "id=t1", "--set", "project_id=p1", "--set", "title=Ship", "--set", "due_at=1700000000000")

	var tasks []protocol.Record
	require.NoError(t, json.Unmarshal([]byte(c.must("--json", "list", "tasks")), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "Ship", tasks[0]["title"])
	assert.EqualValues(t, 1700000000000, tasks[0]["due_at"])
	assert.NotNil(t, tasks[0]["created_at"])

	c.must("update", "tasks", "t1", "--set", "status=done")
	var task protocol.Record
	require.NoError(t, json.Unmarshal([]byte(c.must("get", "tasks", "t1")), &task))
	assert.Equal(t, "done", task["status"])
	assert.Equal(t, "Ship", task["title"])

	table := c.must("list", "users")
	assert.True(t, strings.HasPrefix(table, "ID"))
	assert.Contains(t, table, "ada@example.com")

	c.must("delete", "tasks", "t1")
	assert.Contains(t, c.must("list", "tasks"), "no rows")

	var st statusView
	require.NoError(t, json.Unmarshal([]byte(c.must("--json", "status")), &st))
	assert.Equal(t, "cli-test", st.ClientID)
	assert.Equal(t, 5, st.Unsynced)
	assert.Zero(t, st.Failed)

	assert.Contains(t, c.must("failures"), "no failed changes")
}

func TestCLI_RejectsInvalidRows(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("add", "tasks", "--set", "title=No project")
	assert.Error(t, err)

	_, err = c.run("add", "users", "--set", "name")
	assert.ErrorIs(t, err, errBadAssignment)

	c.must("add", "tasks", "--set", "id=t1", "--set", "project_id=p1", "--set", "title=Ship")
	_, err = c.run("update", "tasks", "t1", "--set", "status=someday")
	assert.Error(t, err)

	_, err = c.run("update", "tasks", "t1")
	assert.ErrorIs(t, err, errBadAssignment)
}

func TestCLI_ConfigInit(t *testing.T) {
	c := newCLI(t)

	c.must("config", "init")
	_, err := c.run("config", "init")
	assert.Error(t, err)
	c.must("config", "init", "--force")

	out := c.must("config", "show")
	assert.Contains(t, out, "cli-test")
}
