// Package memvcs provides an in-memory incident.VCSProvider for dev mode
// and tests.
package memvcs

import (
	"context"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/linnemanlabs/remedy/internal/incident"
)

// Provider simulates a VCS host. PR numbers derive from the branch name so
// repeated runs of the same incident produce the same PR, and CI behavior is
// configurable so tests can exercise every gate path.
type Provider struct {
	// CIOutcome is the status CI eventually reports. Defaults to passed.
	CIOutcome incident.CIStatus
	// CILatency is the number of polls that report pending before CIOutcome
	// takes effect. Zero reports the outcome immediately.
	CILatency int
	// Review is the review status reported for every PR. The zero value
	// reports no approvals, like a freshly opened PR.
	Review incident.ReviewStatus

	mu       sync.Mutex
	branches map[string]bool     // repo/branch
	files    map[string]string   // repo/branch/path -> content
	prs      map[string]*memPR   // repo/branch
	byNumber map[int]*memPR      // pr number
	polls    map[int]int         // pr number -> CI polls seen
	merged   map[int]bool        // pr number -> merged
	idem     map[string]struct{} // idempotency keys seen
}

type memPR struct {
	number int
	url    string
	repo   string
	branch string
}

// New creates an in-memory VCS provider whose CI passes immediately and
// whose PRs carry no reviews.
func New() *Provider {
	return &Provider{
		CIOutcome: incident.CIPassed,
		branches:  make(map[string]bool),
		files:     make(map[string]string),
		prs:       make(map[string]*memPR),
		byNumber:  make(map[int]*memPR),
		polls:     make(map[int]int),
		merged:    make(map[int]bool),
		idem:      make(map[string]struct{}),
	}
}

// CreateBranch records the branch. Re-creating an existing branch is success.
func (p *Provider) CreateBranch(_ context.Context, req *incident.BranchRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idem[req.IdempotencyKey] = struct{}{}
	p.branches[req.Repository+"/"+req.BranchName] = true
	return nil
}

// PushFiles records the file content on the branch, overwriting any prior
// content from an earlier attempt.
func (p *Provider) PushFiles(_ context.Context, req *incident.PushRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.branches[req.Repository+"/"+req.BranchName] {
		return incident.PermanentError(incident.StageRemediation,
			fmt.Errorf("branch %s does not exist in %s", req.BranchName, req.Repository))
	}
	p.idem[req.IdempotencyKey] = struct{}{}
	p.files[req.Repository+"/"+req.BranchName+"/"+req.Path] = req.Content
	return nil
}

// CreatePullRequest opens a PR for the branch, returning the existing PR when
// one is already open.
func (p *Provider) CreatePullRequest(_ context.Context, req *incident.PullRequestRequest) (*incident.PullRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := req.Repository + "/" + req.BranchName
	if existing, ok := p.prs[key]; ok {
		return &incident.PullRequest{Number: existing.number, URL: existing.url}, nil
	}

	number := int(crc32.ChecksumIEEE([]byte(req.BranchName))%9000) + 1000
	pr := &memPR{
		number: number,
		url:    fmt.Sprintf("https://github.com/%s/pull/%d", req.Repository, number),
		repo:   req.Repository,
		branch: req.BranchName,
	}
	p.idem[req.IdempotencyKey] = struct{}{}
	p.prs[key] = pr
	p.byNumber[number] = pr
	return &incident.PullRequest{Number: pr.number, URL: pr.url}, nil
}

// GetCIStatus reports pending for the first CILatency polls, then CIOutcome.
func (p *Provider) GetCIStatus(_ context.Context, _ string, prNumber int) (incident.CIStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byNumber[prNumber]; !ok {
		return incident.CIPending, incident.PermanentError(incident.StageRemediation,
			fmt.Errorf("pull request %d not found", prNumber))
	}
	p.polls[prNumber]++
	if p.polls[prNumber] <= p.CILatency {
		return incident.CIPending, nil
	}
	return p.CIOutcome, nil
}

// GetReviewStatus reports the configured review status.
func (p *Provider) GetReviewStatus(_ context.Context, _ string, prNumber int) (incident.ReviewStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byNumber[prNumber]; !ok {
		return incident.ReviewStatus{}, incident.PermanentError(incident.StageRemediation,
			fmt.Errorf("pull request %d not found", prNumber))
	}
	return p.Review, nil
}

// MergePullRequest merges the PR. Merging an already-merged PR is success.
func (p *Provider) MergePullRequest(_ context.Context, _ string, prNumber int, _ string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byNumber[prNumber]; !ok {
		return false, incident.PermanentError(incident.StageMerge,
			fmt.Errorf("pull request %d not found", prNumber))
	}
	p.merged[prNumber] = true
	return true, nil
}

// Merged reports whether the PR has been merged.
func (p *Provider) Merged(prNumber int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.merged[prNumber]
}

// FileContent returns the content pushed to repo/branch/path, if any.
func (p *Provider) FileContent(repository, branch, path string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	content, ok := p.files[repository+"/"+branch+"/"+path]
	return content, ok
}
