package memvcs

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/linnemanlabs/remedy/internal/incident"
)

const (
	repo   = "acme/checkout"
	branch = "fix/remedy-inc-01abc"
)

func openPR(t *testing.T, p *Provider) *incident.PullRequest {
	t.Helper()
	ctx := context.Background()
	if err := p.CreateBranch(ctx, &incident.BranchRequest{Repository: repo, BranchName: branch}); err != nil {
		t.Fatal(err)
	}
	if err := p.PushFiles(ctx, &incident.PushRequest{
		Repository: repo, BranchName: branch,
		Path: "internal/payment/handler.go", Content: "patched",
		CommitMessage: "fix: nil deref",
	}); err != nil {
		t.Fatal(err)
	}
	pr, err := p.CreatePullRequest(ctx, &incident.PullRequestRequest{
		Repository: repo, BranchName: branch, Title: "[AUTO] fix", Body: "body",
	})
	if err != nil {
		t.Fatal(err)
	}
	return pr
}

func TestCreateBranch_Idempotent(t *testing.T) {
	t.Parallel()

	p := New()
	ctx := context.Background()
	req := &incident.BranchRequest{Repository: repo, BranchName: branch}
	if err := p.CreateBranch(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := p.CreateBranch(ctx, req); err != nil {
		t.Errorf("re-creating an existing branch = %v, want nil", err)
	}
}

func TestPushFiles(t *testing.T) {
	t.Parallel()

	p := New()
	ctx := context.Background()

	// Pushing to a missing branch is a permanent failure.
	err := p.PushFiles(ctx, &incident.PushRequest{Repository: repo, BranchName: "fix/ghost", Path: "a.go", Content: "x"})
	var ie *incident.IntegrationError
	if !errors.As(err, &ie) || ie.Transient {
		t.Fatalf("err = %v, want permanent IntegrationError", err)
	}

	if err := p.CreateBranch(ctx, &incident.BranchRequest{Repository: repo, BranchName: branch}); err != nil {
		t.Fatal(err)
	}
	if err := p.PushFiles(ctx, &incident.PushRequest{Repository: repo, BranchName: branch, Path: "a.go", Content: "first"}); err != nil {
		t.Fatal(err)
	}
	// A retry overwrites rather than duplicating.
	if err := p.PushFiles(ctx, &incident.PushRequest{Repository: repo, BranchName: branch, Path: "a.go", Content: "second"}); err != nil {
		t.Fatal(err)
	}
	got, ok := p.FileContent(repo, branch, "a.go")
	if !ok || got != "second" {
		t.Errorf("file content = %q/%v, want second/true", got, ok)
	}
}

func TestCreatePullRequest_DeterministicAndIdempotent(t *testing.T) {
	t.Parallel()

	p := New()
	pr := openPR(t, p)
	if pr.Number < 1000 || pr.Number > 9999 {
		t.Errorf("pr number = %d, want 1000..9999", pr.Number)
	}
	if !strings.Contains(pr.URL, repo) || !strings.HasSuffix(pr.URL, "/pull/"+strconv.Itoa(pr.Number)) {
		t.Errorf("pr url = %q", pr.URL)
	}

	again, err := p.CreatePullRequest(context.Background(), &incident.PullRequestRequest{
		Repository: repo, BranchName: branch, Title: "retry", Body: "retry",
	})
	if err != nil {
		t.Fatal(err)
	}
	if again.Number != pr.Number || again.URL != pr.URL {
		t.Errorf("repeat create = %+v, want reuse of %+v", again, pr)
	}

	// Same branch on a fresh provider derives the same PR number.
	other := New()
	fresh := openPR(t, other)
	if fresh.Number != pr.Number {
		t.Errorf("pr numbers differ across runs: %d vs %d", fresh.Number, pr.Number)
	}
}

func TestGetCIStatus_LatencyThenOutcome(t *testing.T) {
	t.Parallel()

	p := New()
	p.CILatency = 2
	p.CIOutcome = incident.CIFailed
	pr := openPR(t, p)
	ctx := context.Background()

	for i := range 2 {
		status, err := p.GetCIStatus(ctx, repo, pr.Number)
		if err != nil {
			t.Fatal(err)
		}
		if status != incident.CIPending {
			t.Errorf("poll %d = %s, want pending", i+1, status)
		}
	}
	status, err := p.GetCIStatus(ctx, repo, pr.Number)
	if err != nil {
		t.Fatal(err)
	}
	if status != incident.CIFailed {
		t.Errorf("final poll = %s, want failed", status)
	}
}

func TestGetCIStatus_DefaultPassesImmediately(t *testing.T) {
	t.Parallel()

	p := New()
	pr := openPR(t, p)
	status, err := p.GetCIStatus(context.Background(), repo, pr.Number)
	if err != nil {
		t.Fatal(err)
	}
	if status != incident.CIPassed {
		t.Errorf("status = %s, want passed", status)
	}
}

func TestGetCIStatus_UnknownPR(t *testing.T) {
	t.Parallel()

	p := New()
	_, err := p.GetCIStatus(context.Background(), repo, 4242)
	var ie *incident.IntegrationError
	if !errors.As(err, &ie) || ie.Transient {
		t.Errorf("err = %v, want permanent IntegrationError", err)
	}
}

func TestGetReviewStatus(t *testing.T) {
	t.Parallel()

	p := New()
	pr := openPR(t, p)

	review, err := p.GetReviewStatus(context.Background(), repo, pr.Number)
	if err != nil {
		t.Fatal(err)
	}
	if review.Approved || review.CodeownerApproved {
		t.Errorf("default review = %+v, want no approvals", review)
	}

	p.Review = incident.ReviewStatus{Approved: true, CodeownerApproved: true}
	review, _ = p.GetReviewStatus(context.Background(), repo, pr.Number)
	if !review.Approved || !review.CodeownerApproved {
		t.Errorf("review = %+v, want configured approvals", review)
	}

	if _, err := p.GetReviewStatus(context.Background(), repo, 4242); err == nil {
		t.Error("expected error for unknown PR")
	}
}

func TestMergePullRequest_Idempotent(t *testing.T) {
	t.Parallel()

	p := New()
	pr := openPR(t, p)
	ctx := context.Background()

	merged, err := p.MergePullRequest(ctx, repo, pr.Number, "squash")
	if err != nil || !merged {
		t.Fatalf("merge = %v/%v, want true/nil", merged, err)
	}
	if !p.Merged(pr.Number) {
		t.Error("Merged() = false after merge")
	}

	// Re-merging an already-merged PR reports success.
	merged, err = p.MergePullRequest(ctx, repo, pr.Number, "squash")
	if err != nil || !merged {
		t.Errorf("repeat merge = %v/%v, want true/nil", merged, err)
	}

	if _, err := p.MergePullRequest(ctx, repo, 4242, "squash"); err == nil {
		t.Error("expected error for unknown PR")
	}
}
