// Package github wraps the gh CLI for issue and milestone tracking. All
// calls shell out with a bounded timeout; a nil client means the
// integration is disabled.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/archhq/arch/internal/log"
)

// CommandTimeout bounds every gh invocation.
const CommandTimeout = 30 * time.Second

var (
	// ErrGHNotFound indicates the gh CLI is not installed.
	ErrGHNotFound = errors.New("gh CLI not found")

	// ErrNotAuthenticated indicates gh has no usable credentials.
	ErrNotAuthenticated = errors.New("gh is not authenticated")

	// ErrRepoInaccessible indicates the configured repository cannot be viewed.
	ErrRepoInaccessible = errors.New("github repository not accessible")
)

// runner executes a gh command and returns its stdout. Swappable for tests.
type runner func(ctx context.Context, args ...string) (string, error)

// Client talks to one GitHub repository through the gh CLI.
type Client struct {
	repo string
	run  runner
}

// NewClient creates a client for a repository in "owner/repo" form.
func NewClient(repo string) *Client {
	return &Client{repo: repo, run: runGH}
}

// Repo returns the configured repository.
func (c *Client) Repo() string { return c.repo }

func runGH(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	log.Debug(log.CatGitHub, "Running gh", "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, "gh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", ErrGHNotFound
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("gh %s timed out: %w", args[0], ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("gh %s failed: %s", args[0], msg)
	}

	return stdout.String(), nil
}

// Verify checks that gh is installed, authenticated, and can view the
// configured repository.
func (c *Client) Verify(ctx context.Context) error {
	if _, err := c.run(ctx, "--version"); err != nil {
		return ErrGHNotFound
	}
	if _, err := c.run(ctx, "auth", "status"); err != nil {
		return fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	if _, err := c.run(ctx, "repo", "view", c.repo, "--json", "name"); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRepoInaccessible, c.repo, err)
	}
	return nil
}

// Issue is one tracker issue row.
type Issue struct {
	Number   int      `json:"number"`
	Title    string   `json:"title"`
	Labels   []string `json:"labels"`
	State    string   `json:"state"`
	Assignee string   `json:"assignee,omitempty"`
	URL      string   `json:"url"`
}

// CreateIssueParams describes a new issue.
type CreateIssueParams struct {
	Title     string
	Body      string
	Labels    []string
	Milestone string
	Assignee  string
}

// CreateIssue opens an issue and returns its number and URL.
func (c *Client) CreateIssue(ctx context.Context, p CreateIssueParams) (int, string, error) {
	args := []string{"issue", "create", "--repo", c.repo, "--title", p.Title, "--body", p.Body}
	if len(p.Labels) > 0 {
		args = append(args, "--label", strings.Join(p.Labels, ","))
	}
	if p.Milestone != "" {
		args = append(args, "--milestone", p.Milestone)
	}
	if p.Assignee != "" {
		args = append(args, "--assignee", p.Assignee)
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return 0, "", err
	}

	// gh prints the issue URL; the number is its last path segment.
	url := strings.TrimSpace(out)
	parts := strings.Split(url, "/")
	number, _ := strconv.Atoi(parts[len(parts)-1])
	return number, url, nil
}

// ListIssuesParams filters an issue listing.
type ListIssuesParams struct {
	Labels    []string
	Milestone string
	State     string // open | closed | all
	Limit     int
}

// ListIssues returns issues matching the filters.
func (c *Client) ListIssues(ctx context.Context, p ListIssuesParams) ([]Issue, error) {
	state := p.State
	if state == "" {
		state = "open"
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 30
	}

	args := []string{
		"issue", "list", "--repo", c.repo,
		"--json", "number,title,labels,state,assignees,url",
		"--state", state,
		"--limit", strconv.Itoa(limit),
	}
	for _, label := range p.Labels {
		args = append(args, "--label", label)
	}
	if p.Milestone != "" {
		args = append(args, "--milestone", p.Milestone)
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Number    int    `json:"number"`
		Title     string `json:"title"`
		State     string `json:"state"`
		URL       string `json:"url"`
		Labels    []struct {
			Name string `json:"name"`
		} `json:"labels"`
		Assignees []struct {
			Login string `json:"login"`
		} `json:"assignees"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parsing issue list: %w", err)
	}

	issues := make([]Issue, 0, len(raw))
	for _, r := range raw {
		issue := Issue{Number: r.Number, Title: r.Title, State: r.State, URL: r.URL}
		for _, l := range r.Labels {
			issue.Labels = append(issue.Labels, l.Name)
		}
		if len(r.Assignees) > 0 {
			issue.Assignee = r.Assignees[0].Login
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

// CloseIssue closes an issue, optionally leaving a comment.
func (c *Client) CloseIssue(ctx context.Context, number int, comment string) error {
	args := []string{"issue", "close", strconv.Itoa(number), "--repo", c.repo}
	if comment != "" {
		args = append(args, "--comment", comment)
	}
	_, err := c.run(ctx, args...)
	return err
}

// UpdateIssueParams describes an issue edit.
type UpdateIssueParams struct {
	AddLabels    []string
	RemoveLabels []string
	Milestone    string
	Assignee     string
}

// UpdateIssue edits an issue's labels, milestone, or assignee.
func (c *Client) UpdateIssue(ctx context.Context, number int, p UpdateIssueParams) error {
	args := []string{"issue", "edit", strconv.Itoa(number), "--repo", c.repo}
	if len(p.AddLabels) > 0 {
		args = append(args, "--add-label", strings.Join(p.AddLabels, ","))
	}
	if len(p.RemoveLabels) > 0 {
		args = append(args, "--remove-label", strings.Join(p.RemoveLabels, ","))
	}
	if p.Milestone != "" {
		args = append(args, "--milestone", p.Milestone)
	}
	if p.Assignee != "" {
		args = append(args, "--add-assignee", p.Assignee)
	}
	_, err := c.run(ctx, args...)
	return err
}

// AddComment comments on an issue.
func (c *Client) AddComment(ctx context.Context, number int, body string) error {
	_, err := c.run(ctx, "issue", "comment", strconv.Itoa(number), "--repo", c.repo, "--body", body)
	return err
}

// Milestone is one tracker milestone row.
type Milestone struct {
	Number       int    `json:"number"`
	Title        string `json:"title"`
	OpenIssues   int    `json:"open_issues"`
	ClosedIssues int    `json:"closed_issues"`
	DueDate      string `json:"due_date,omitempty"`
	URL          string `json:"url"`
}

// CreateMilestone creates a milestone via the REST API (gh has no native
// milestone subcommand). dueDate is YYYY-MM-DD or empty.
func (c *Client) CreateMilestone(ctx context.Context, title, description, dueDate string) (Milestone, error) {
	args := []string{"api", "repos/" + c.repo + "/milestones", "-X", "POST", "-f", "title=" + title}
	if description != "" {
		args = append(args, "-f", "description="+description)
	}
	if dueDate != "" {
		args = append(args, "-f", "due_on="+dueDate+"T00:00:00Z")
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return Milestone{}, err
	}

	var raw struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return Milestone{}, fmt.Errorf("parsing milestone: %w", err)
	}
	return Milestone{Number: raw.Number, Title: raw.Title, URL: raw.HTMLURL}, nil
}

// ListMilestones returns open milestones.
func (c *Client) ListMilestones(ctx context.Context) ([]Milestone, error) {
	out, err := c.run(ctx, "api", "repos/"+c.repo+"/milestones")
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Number       int    `json:"number"`
		Title        string `json:"title"`
		OpenIssues   int    `json:"open_issues"`
		ClosedIssues int    `json:"closed_issues"`
		DueOn        string `json:"due_on"`
		HTMLURL      string `json:"html_url"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parsing milestone list: %w", err)
	}

	milestones := make([]Milestone, 0, len(raw))
	for _, m := range raw {
		milestones = append(milestones, Milestone{
			Number:       m.Number,
			Title:        m.Title,
			OpenIssues:   m.OpenIssues,
			ClosedIssues: m.ClosedIssues,
			DueDate:      m.DueOn,
			URL:          m.HTMLURL,
		})
	}
	return milestones, nil
}
