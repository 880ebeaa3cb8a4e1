// Package github implements incident.VCSProvider against the GitHub REST
// API (v3).
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/remedy/internal/incident"
)

const (
	apiBase     = "https://api.github.com"
	httpTimeout = 20 * time.Second
)

// Client drives remediation branches, PRs, CI observation, and merges.
type Client struct {
	token      string
	owner      string
	baseBranch string
	apiURL     string
	client     *http.Client
	logger     log.Logger
}

// Config holds the GitHub connection settings.
type Config struct {
	Token string
	Owner string
	// BaseBranch is the fallback when the repository reports no default.
	BaseBranch string
	// APIURL overrides the API base for GitHub Enterprise or tests.
	APIURL string
}

// New creates a GitHub VCS client.
func New(cfg Config, logger log.Logger) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	base := cfg.BaseBranch
	if base == "" {
		base = "main"
	}
	api := strings.TrimRight(cfg.APIURL, "/")
	if api == "" {
		api = apiBase
	}
	return &Client{
		token:      cfg.Token,
		owner:      cfg.Owner,
		baseBranch: base,
		apiURL:     api,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// CreateBranch creates the remediation branch off the repository's default
// branch. A 422 (branch already exists) is success: the branch is the prior
// attempt's work.
func (c *Client) CreateBranch(ctx context.Context, req *incident.BranchRequest) error {
	repo := c.repoName(req.Repository)

	base, err := c.defaultBranch(ctx, repo)
	if err != nil {
		return err
	}

	status, body, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", c.owner, repo, url.PathEscape(base)), nil)
	if err != nil {
		return incident.TransientError(incident.StageRemediation, err)
	}
	if err := classifyStatus(status, body); err != nil {
		return err
	}

	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := json.Unmarshal(body, &ref); err != nil {
		return incident.PermanentError(incident.StageRemediation, fmt.Errorf("decode base ref: %w", err))
	}

	status, body, err = c.do(ctx, http.MethodPost,
		fmt.Sprintf("/repos/%s/%s/git/refs", c.owner, repo),
		map[string]any{"ref": "refs/heads/" + req.BranchName, "sha": ref.Object.SHA})
	if err != nil {
		return incident.TransientError(incident.StageRemediation, err)
	}
	if status == http.StatusUnprocessableEntity {
		// branch already exists from an earlier attempt
		return nil
	}
	return classifyStatus(status, body)
}

// PushFiles commits the remediation content to the branch, carrying the
// existing file's blob SHA when updating.
func (c *Client) PushFiles(ctx context.Context, req *incident.PushRequest) error {
	repo := c.repoName(req.Repository)
	path := strings.TrimLeft(req.Path, "/")

	var existingSHA string
	status, body, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s", c.owner, repo, escapePath(path), url.QueryEscape(req.BranchName)), nil)
	if err != nil {
		return incident.TransientError(incident.StageRemediation, err)
	}
	switch {
	case status == http.StatusOK:
		var file struct {
			SHA string `json:"sha"`
		}
		if err := json.Unmarshal(body, &file); err == nil {
			existingSHA = file.SHA
		}
	case status == http.StatusNotFound:
		// new file
	default:
		if err := classifyStatus(status, body); err != nil {
			return err
		}
	}

	payload := map[string]any{
		"message": req.CommitMessage,
		"content": base64.StdEncoding.EncodeToString([]byte(req.Content)),
		"branch":  req.BranchName,
	}
	if existingSHA != "" {
		payload["sha"] = existingSHA
	}

	status, body, err = c.do(ctx, http.MethodPut,
		fmt.Sprintf("/repos/%s/%s/contents/%s", c.owner, repo, escapePath(path)), payload)
	if err != nil {
		return incident.TransientError(incident.StageRemediation, err)
	}
	return classifyStatus(status, body)
}

// CreatePullRequest opens the remediation PR. On 422 (PR already open for
// the branch) the existing PR is looked up by head and returned.
func (c *Client) CreatePullRequest(ctx context.Context, req *incident.PullRequestRequest) (*incident.PullRequest, error) {
	repo := c.repoName(req.Repository)

	base, err := c.defaultBranch(ctx, repo)
	if err != nil {
		return nil, err
	}

	status, body, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/repos/%s/%s/pulls", c.owner, repo),
		map[string]any{
			"title": req.Title,
			"head":  req.BranchName,
			"base":  base,
			"body":  req.Body,
		})
	if err != nil {
		return nil, incident.TransientError(incident.StageRemediation, err)
	}

	if status == http.StatusUnprocessableEntity {
		return c.findOpenPR(ctx, repo, req.BranchName)
	}
	if err := classifyStatus(status, body); err != nil {
		return nil, err
	}

	var pr struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, incident.PermanentError(incident.StageRemediation, fmt.Errorf("decode pull request: %w", err))
	}
	return &incident.PullRequest{Number: pr.Number, URL: pr.HTMLURL}, nil
}

// GetCIStatus reports the combined commit status of the PR's head.
func (c *Client) GetCIStatus(ctx context.Context, repository string, prNumber int) (incident.CIStatus, error) {
	repo := c.repoName(repository)

	headSHA, _, err := c.prHead(ctx, repo, prNumber)
	if err != nil {
		return incident.CIPending, err
	}

	status, body, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/commits/%s/status", c.owner, repo, headSHA), nil)
	if err != nil {
		return incident.CIPending, incident.TransientError(incident.StageRemediation, err)
	}
	if err := classifyStatus(status, body); err != nil {
		return incident.CIPending, err
	}

	var combined struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &combined); err != nil {
		return incident.CIPending, incident.PermanentError(incident.StageRemediation, fmt.Errorf("decode combined status: %w", err))
	}

	switch combined.State {
	case "success":
		return incident.CIPassed, nil
	case "failure", "error":
		return incident.CIFailed, nil
	default:
		return incident.CIPending, nil
	}
}

// GetReviewStatus reports whether the PR carries an approving review and
// whether GitHub considers it clean to merge (which implies required
// reviewers, including codeowners, have signed off).
func (c *Client) GetReviewStatus(ctx context.Context, repository string, prNumber int) (incident.ReviewStatus, error) {
	repo := c.repoName(repository)

	_, mergeableState, err := c.prHead(ctx, repo, prNumber)
	if err != nil {
		return incident.ReviewStatus{}, err
	}

	status, body, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", c.owner, repo, prNumber), nil)
	if err != nil {
		return incident.ReviewStatus{}, incident.TransientError(incident.StageRemediation, err)
	}
	if err := classifyStatus(status, body); err != nil {
		return incident.ReviewStatus{}, err
	}

	var reviews []struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &reviews); err != nil {
		return incident.ReviewStatus{}, incident.PermanentError(incident.StageRemediation, fmt.Errorf("decode reviews: %w", err))
	}

	approved := false
	for _, r := range reviews {
		if r.State == "APPROVED" {
			approved = true
			break
		}
	}

	return incident.ReviewStatus{
		Approved:          approved,
		CodeownerApproved: approved && (mergeableState == "clean" || mergeableState == "has_hooks"),
	}, nil
}

// MergePullRequest merges the PR. GitHub's "not mergeable" responses (405,
// 409, 422) report merged=false without an error; the caller decides what a
// refused merge means.
func (c *Client) MergePullRequest(ctx context.Context, repository string, prNumber int, method string) (bool, error) {
	repo := c.repoName(repository)

	status, body, err := c.do(ctx, http.MethodPut,
		fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", c.owner, repo, prNumber),
		map[string]any{"merge_method": method})
	if err != nil {
		return false, incident.TransientError(incident.StageMerge, err)
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		return true, nil
	case status == http.StatusMethodNotAllowed,
		status == http.StatusConflict,
		status == http.StatusUnprocessableEntity:
		c.logger.Warn(ctx, "merge refused by github",
			"pr_number", prNumber, "status", status, "body", truncateBody(body))
		return false, nil
	case status == http.StatusTooManyRequests || status >= 500:
		return false, incident.TransientError(incident.StageMerge,
			fmt.Errorf("github returned %d: %s", status, truncateBody(body)))
	default:
		return false, incident.PermanentError(incident.StageMerge,
			fmt.Errorf("github returned %d: %s", status, truncateBody(body)))
	}
}

// findOpenPR resolves the PR already open for a branch.
func (c *Client) findOpenPR(ctx context.Context, repo, branch string) (*incident.PullRequest, error) {
	status, body, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/pulls?state=open&head=%s", c.owner, repo,
			url.QueryEscape(c.owner+":"+branch)), nil)
	if err != nil {
		return nil, incident.TransientError(incident.StageRemediation, err)
	}
	if err := classifyStatus(status, body); err != nil {
		return nil, err
	}

	var prs []struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(body, &prs); err != nil {
		return nil, incident.PermanentError(incident.StageRemediation, fmt.Errorf("decode pull request list: %w", err))
	}
	if len(prs) == 0 {
		return nil, incident.PermanentError(incident.StageRemediation,
			fmt.Errorf("pull request for branch %s reported as duplicate but not found", branch))
	}
	return &incident.PullRequest{Number: prs[0].Number, URL: prs[0].HTMLURL}, nil
}

func (c *Client) prHead(ctx context.Context, repo string, prNumber int) (sha, mergeableState string, err error) {
	status, body, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/pulls/%d", c.owner, repo, prNumber), nil)
	if err != nil {
		return "", "", incident.TransientError(incident.StageRemediation, err)
	}
	if err := classifyStatus(status, body); err != nil {
		return "", "", err
	}

	var pr struct {
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
		MergeableState string `json:"mergeable_state"`
	}
	if err := json.Unmarshal(body, &pr); err != nil {
		return "", "", incident.PermanentError(incident.StageRemediation, fmt.Errorf("decode pull request: %w", err))
	}
	return pr.Head.SHA, pr.MergeableState, nil
}

func (c *Client) defaultBranch(ctx context.Context, repo string) (string, error) {
	status, body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", c.owner, repo), nil)
	if err != nil {
		return "", incident.TransientError(incident.StageRemediation, err)
	}
	if err := classifyStatus(status, body); err != nil {
		return "", err
	}

	var info struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", incident.PermanentError(incident.StageRemediation, fmt.Errorf("decode repository: %w", err))
	}
	if info.DefaultBranch == "" {
		return c.baseBranch, nil
	}
	return info.DefaultBranch, nil
}

// repoName strips an owner prefix: "acme/checkout" -> "checkout".
func (c *Client) repoName(repository string) string {
	if i := strings.Index(repository, "/"); i >= 0 {
		return repository[i+1:]
	}
	return repository
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("github: marshal payload: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("github: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("github: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("github: read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return incident.TransientError(incident.StageRemediation,
			fmt.Errorf("github returned %d: %s", status, truncateBody(body)))
	default:
		return incident.PermanentError(incident.StageRemediation,
			fmt.Errorf("github returned %d: %s", status, truncateBody(body)))
	}
}

// escapePath escapes each segment of a repo-relative path.
func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func truncateBody(b []byte) string {
	const n = 512
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
