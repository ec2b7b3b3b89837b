package github

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubRunner records every invocation and replays canned responses.
type stubRunner struct {
	calls [][]string
	out   []string
	errs  []error
}

func (s *stubRunner) run(_ context.Context, args ...string) (string, error) {
	s.calls = append(s.calls, args)
	i := len(s.calls) - 1
	var out string
	if i < len(s.out) {
		out = s.out[i]
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return out, err
}

func newStubClient(stub *stubRunner) *Client {
	c := NewClient("archhq/demo")
	c.run = stub.run
	return c
}

func TestVerify(t *testing.T) {
	stub := &stubRunner{out: []string{"gh version 2.60.0", "Logged in", `{"name":"demo"}`}}
	c := newStubClient(stub)

	require.NoError(t, c.Verify(context.Background()))
	require.Len(t, stub.calls, 3)
	require.Equal(t, []string{"--version"}, stub.calls[0])
	require.Equal(t, []string{"auth", "status"}, stub.calls[1])
	require.Equal(t, []string{"repo", "view", "archhq/demo", "--json", "name"}, stub.calls[2])
}

func TestVerify_NotAuthenticated(t *testing.T) {
	stub := &stubRunner{
		out:  []string{"gh version 2.60.0", "", ""},
		errs: []error{nil, errors.New("no credentials")},
	}
	c := newStubClient(stub)

	err := c.Verify(context.Background())
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestCreateIssue(t *testing.T) {
	stub := &stubRunner{out: []string{"https://github.com/archhq/demo/issues/42\n"}}
	c := newStubClient(stub)

	number, url, err := c.CreateIssue(context.Background(), CreateIssueParams{
		Title:     "Add retry logic",
		Body:      "Details here",
		Labels:    []string{"backend", "p1"},
		Milestone: "Sprint 1",
	})
	require.NoError(t, err)
	require.Equal(t, 42, number)
	require.Equal(t, "https://github.com/archhq/demo/issues/42", url)

	require.Equal(t, []string{
		"issue", "create", "--repo", "archhq/demo",
		"--title", "Add retry logic", "--body", "Details here",
		"--label", "backend,p1",
		"--milestone", "Sprint 1",
	}, stub.calls[0])
}

func TestListIssues(t *testing.T) {
	stub := &stubRunner{out: []string{`[
		{"number":1,"title":"First","state":"OPEN","url":"u1",
		 "labels":[{"name":"backend"}],"assignees":[{"login":"alice"}]},
		{"number":2,"title":"Second","state":"OPEN","url":"u2","labels":[],"assignees":[]}
	]`}}
	c := newStubClient(stub)

	issues, err := c.ListIssues(context.Background(), ListIssuesParams{Labels: []string{"backend"}})
	require.NoError(t, err)
	require.Len(t, issues, 2)
	require.Equal(t, Issue{Number: 1, Title: "First", Labels: []string{"backend"}, State: "OPEN", Assignee: "alice", URL: "u1"}, issues[0])
	require.Empty(t, issues[1].Assignee)

	// defaults fill in state and limit
	require.Contains(t, stub.calls[0], "--state")
	require.Contains(t, stub.calls[0], "open")
	require.Contains(t, stub.calls[0], "30")
}

func TestCloseIssue(t *testing.T) {
	stub := &stubRunner{}
	c := newStubClient(stub)

	require.NoError(t, c.CloseIssue(context.Background(), 7, "fixed in #8"))
	require.Equal(t, []string{"issue", "close", "7", "--repo", "archhq/demo", "--comment", "fixed in #8"}, stub.calls[0])
}

func TestUpdateIssue(t *testing.T) {
	stub := &stubRunner{}
	c := newStubClient(stub)

	err := c.UpdateIssue(context.Background(), 7, UpdateIssueParams{
		AddLabels:    []string{"in-progress"},
		RemoveLabels: []string{"todo"},
		Assignee:     "bob",
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"issue", "edit", "7", "--repo", "archhq/demo",
		"--add-label", "in-progress", "--remove-label", "todo",
		"--add-assignee", "bob",
	}, stub.calls[0])
}

func TestCreateMilestone(t *testing.T) {
	stub := &stubRunner{out: []string{`{"number":3,"title":"Sprint 1","html_url":"https://github.com/archhq/demo/milestone/3"}`}}
	c := newStubClient(stub)

	m, err := c.CreateMilestone(context.Background(), "Sprint 1", "First sprint", "2026-09-01")
	require.NoError(t, err)
	require.Equal(t, 3, m.Number)
	require.Equal(t, "Sprint 1", m.Title)

	require.Equal(t, []string{
		"api", "repos/archhq/demo/milestones", "-X", "POST",
		"-f", "title=Sprint 1",
		"-f", "description=First sprint",
		"-f", "due_on=2026-09-01T00:00:00Z",
	}, stub.calls[0])
}

func TestListMilestones(t *testing.T) {
	stub := &stubRunner{out: []string{`[
		{"number":1,"title":"Sprint 1","open_issues":4,"closed_issues":2,"due_on":"2026-09-01T00:00:00Z","html_url":"u1"}
	]`}}
	c := newStubClient(stub)

	milestones, err := c.ListMilestones(context.Background())
	require.NoError(t, err)
	require.Len(t, milestones, 1)
	require.Equal(t, 4, milestones[0].OpenIssues)
	require.Equal(t, "2026-09-01T00:00:00Z", milestones[0].DueDate)
}
