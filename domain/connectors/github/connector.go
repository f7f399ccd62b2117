// Package github implements the GitHub connector: repositories, issues,
// and pull requests, with per-repo updated-at watermarks for incremental
// syncs.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/kbforge/kbforge/domain/connectors"
	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/logger"
)

// Connector syncs GitHub repositories, issues, and pull requests.
type Connector struct {
	cfg *config.Config
	log *slog.Logger
}

// New creates the GitHub connector
func New(cfg *config.Config, log *slog.Logger) *Connector {
	return &Connector{
		cfg: cfg,
		log: log.With(logger.Scope("github")),
	}
}

// Manifest declares the connector's capabilities.
func (c *Connector) Manifest() connectors.Manifest {
	return connectors.Manifest{
		Name:      "github",
		Version:   "1.0.0",
		SyncModes: []string{"full", "incremental"},
		Actions: []connectors.ActionSpec{
			{
				Name:        "get_repo",
				Description: "Fetch repository metadata",
				Parameters: map[string]any{
					"repo": map[string]any{"type": "string", "description": "owner/name"},
				},
				Mode: "read",
			},
			{
				Name:        "list_issues",
				Description: "List recent issues for a repository",
				Parameters: map[string]any{
					"repo":  map[string]any{"type": "string", "description": "owner/name"},
					"state": map[string]any{"type": "string", "description": "open, closed, or all"},
				},
				Mode: "read",
			},
		},
	}
}

// Action invokes a declared read action.
func (c *Connector) Action(ctx context.Context, req connectors.ActionRequest) (any, error) {
	token, _ := req.Credentials["token"].(string)
	baseURL, _ := req.Params["api_base_url"].(string)
	gh := newClient(baseURL, token, c.cfg.Connector.PageTimeout)

	repoName, _ := req.Params["repo"].(string)
	if repoName == "" {
		return nil, apperror.NewBadRequest("repo parameter is required")
	}

	switch req.Action {
	case "get_repo":
		var out map[string]any
		if _, err := gh.get(ctx, "/repos/"+repoName, &out); err != nil {
			return nil, err
		}
		return out, nil

	case "list_issues":
		state, _ := req.Params["state"].(string)
		if state == "" {
			state = "open"
		}
		var out []map[string]any
		if _, err := gh.get(ctx, "/repos/"+repoName+"/issues?state="+state+"&per_page=30", &out); err != nil {
			return nil, err
		}
		return out, nil

	default:
		return nil, apperror.NewBadRequest(fmt.Sprintf("unknown action %q", req.Action))
	}
}

// Sync walks the configured repositories and their issues and pull
// requests, emitting documents and advancing watermarks. Cancellation is
// polled before every page.
func (c *Connector) Sync(ctx context.Context, sdk *connectors.SDK, req connectors.SyncRequest) error {
	token, _ := req.Credentials["token"].(string)
	if token == "" {
		return apperror.ErrAuth.WithMessage("github token missing from credentials")
	}

	baseURL, _ := req.Config["api_base_url"].(string)
	gh := newClient(baseURL, token, c.cfg.Connector.PageTimeout)

	if err := gh.checkAuth(ctx); err != nil {
		return err
	}

	run := &syncRun{
		connector: c,
		gh:        gh,
		sdk:       sdk,
		full:      req.SyncMode == "full",
		state:     cloneState(req.State),
		every:     c.cfg.Sync.CheckpointInterval,
	}

	repos, err := run.listRepos(ctx, req.Config)
	if err != nil {
		return err
	}

	for _, r := range repos {
		if sdk.IsCancelled() {
			return run.checkpoint(ctx)
		}
		run.syncRepo(ctx, r)
	}

	if sdk.IsCancelled() {
		return run.checkpoint(ctx)
	}
	return sdk.Complete(ctx, run.state)
}

// syncRun carries the per-invocation walk state.
type syncRun struct {
	connector *Connector
	gh        *client
	sdk       *connectors.SDK
	full      bool
	state     map[string]any
	every     int
	emitted   int
}

// listRepos resolves which repositories to walk: an explicit list, an
// organization, or the token's own repositories.
func (r *syncRun) listRepos(ctx context.Context, cfg map[string]any) ([]repo, error) {
	if names, ok := cfg["repos"].([]any); ok && len(names) > 0 {
		repos := make([]repo, 0, len(names))
		for _, n := range names {
			name, ok := n.(string)
			if !ok {
				continue
			}
			var rp repo
			if _, err := r.gh.get(ctx, "/repos/"+name, &rp); err != nil {
				return nil, err
			}
			repos = append(repos, rp)
		}
		return repos, nil
	}

	url := "/user/repos?per_page=100"
	if org, ok := cfg["org"].(string); ok && org != "" {
		url = "/orgs/" + org + "/repos?per_page=100"
	}

	var repos []repo
	for url != "" {
		if r.sdk.IsCancelled() {
			return repos, nil
		}
		var page []repo
		next, err := r.gh.get(ctx, url, &page)
		if err != nil {
			return nil, err
		}
		repos = append(repos, page...)
		url = next
	}
	return repos, nil
}

// syncRepo emits the repository document and walks its sub-resources.
// Sub-resource failures are recorded as wildcard errors and do not stop
// the rest of the repo.
func (r *syncRun) syncRepo(ctx context.Context, rp repo) {
	if err := r.emitRepo(ctx, rp); err != nil {
		r.sdk.EmitError(ctx, rp.FullName, err.Error())
	}

	if err := r.syncIssues(ctx, rp); err != nil {
		r.sdk.EmitError(ctx, rp.FullName+"/issues/*", err.Error())
	}
	if r.sdk.IsCancelled() {
		return
	}
	if err := r.syncPulls(ctx, rp); err != nil {
		r.sdk.EmitError(ctx, rp.FullName+"/pulls/*", err.Error())
	}
}

func (r *syncRun) emitRepo(ctx context.Context, rp repo) error {
	since := r.watermark(rp.FullName, "updated_at")
	if !r.full && since != "" && rp.UpdatedAt != nil && !rp.UpdatedAt.After(parseTime(since)) {
		return nil
	}

	r.sdk.IncrementScanned(ctx)

	contentID := ""
	if rp.Description != "" {
		id, err := r.sdk.SaveContent(ctx, []byte(rp.Description), "text/plain")
		if err != nil {
			return err
		}
		contentID = id
	}

	doc := connectors.Document{
		ExternalID:  rp.FullName,
		Title:       rp.FullName,
		URL:         rp.HTMLURL,
		ContentID:   contentID,
		ContentType: "text/plain",
		Attributes: map[string]string{
			"type": "repository",
			"repo": rp.FullName,
		},
		Public:    !rp.Private,
		CreatedAt: rp.CreatedAt,
		UpdatedAt: rp.UpdatedAt,
	}

	if err := r.emit(ctx, doc, since); err != nil {
		return err
	}
	if rp.UpdatedAt != nil {
		r.advance(rp.FullName, "updated_at", *rp.UpdatedAt)
	}
	return nil
}

// syncIssues walks the issues endpoint ascending by updated-at, skipping
// the pull requests it also returns.
func (r *syncRun) syncIssues(ctx context.Context, rp repo) error {
	since := ""
	if !r.full {
		since = r.watermark(rp.FullName, "issues_updated_at")
	}

	url := "/repos/" + rp.FullName + "/issues?state=all&per_page=100&sort=updated&direction=asc"
	if since != "" {
		url += "&since=" + since
	}

	for url != "" {
		if r.sdk.IsCancelled() {
			return nil
		}

		var page []issue
		next, err := r.gh.get(ctx, url, &page)
		if err != nil {
			return err
		}

		for _, is := range page {
			if is.PullRequest != nil {
				continue
			}
			if err := r.emitIssue(ctx, rp, is, "issue", since); err != nil {
				externalID := fmt.Sprintf("%s/issues/%d", rp.FullName, is.Number)
				r.sdk.EmitError(ctx, externalID, err.Error())
				continue
			}
			if is.UpdatedAt != nil {
				r.advance(rp.FullName, "issues_updated_at", *is.UpdatedAt)
			}
		}
		url = next
	}
	return nil
}

// syncPulls walks the pulls endpoint. It has no since parameter, so the
// watermark filters client-side.
func (r *syncRun) syncPulls(ctx context.Context, rp repo) error {
	since := ""
	if !r.full {
		since = r.watermark(rp.FullName, "pulls_updated_at")
	}
	sinceTime := parseTime(since)

	url := "/repos/" + rp.FullName + "/pulls?state=all&per_page=100&sort=updated&direction=asc"
	for url != "" {
		if r.sdk.IsCancelled() {
			return nil
		}

		var page []issue
		next, err := r.gh.get(ctx, url, &page)
		if err != nil {
			return err
		}

		for _, pr := range page {
			if since != "" && pr.UpdatedAt != nil && !pr.UpdatedAt.After(sinceTime) {
				continue
			}
			if err := r.emitIssue(ctx, rp, pr, "pull_request", since); err != nil {
				externalID := fmt.Sprintf("%s/pulls/%d", rp.FullName, pr.Number)
				r.sdk.EmitError(ctx, externalID, err.Error())
				continue
			}
			if pr.UpdatedAt != nil {
				r.advance(rp.FullName, "pulls_updated_at", *pr.UpdatedAt)
			}
		}
		url = next
	}
	return nil
}

func (r *syncRun) emitIssue(ctx context.Context, rp repo, is issue, kind, since string) error {
	r.sdk.IncrementScanned(ctx)

	sub := "issues"
	if kind == "pull_request" {
		sub = "pulls"
	}
	externalID := fmt.Sprintf("%s/%s/%d", rp.FullName, sub, is.Number)

	contentID := ""
	if is.Body != "" {
		id, err := r.sdk.SaveContent(ctx, []byte(is.Body), "text/markdown")
		if err != nil {
			return err
		}
		contentID = id
	}

	doc := connectors.Document{
		ExternalID:  externalID,
		Title:       is.Title,
		URL:         is.HTMLURL,
		ContentID:   contentID,
		ContentType: "text/markdown",
		Attributes: map[string]string{
			"type":   kind,
			"repo":   rp.FullName,
			"state":  is.State,
			"number": strconv.Itoa(is.Number),
		},
		Public:    !rp.Private,
		CreatedAt: is.CreatedAt,
		UpdatedAt: is.UpdatedAt,
	}
	return r.emit(ctx, doc, since)
}

// emit sends created for entities born after the watermark and updated for
// the rest, then checkpoints on the configured cadence.
func (r *syncRun) emit(ctx context.Context, doc connectors.Document, since string) error {
	isNew := since == "" ||
		(doc.CreatedAt != nil && doc.CreatedAt.After(parseTime(since)))

	var err error
	if isNew {
		err = r.sdk.Emit(ctx, doc)
	} else {
		err = r.sdk.EmitUpdated(ctx, doc)
	}
	if err != nil {
		return err
	}

	r.emitted++
	if r.every > 0 && r.emitted%r.every == 0 {
		if err := r.checkpoint(ctx); err != nil {
			r.connector.log.Warn("checkpoint failed", logger.Error(err))
		}
	}
	return nil
}

func (r *syncRun) checkpoint(ctx context.Context) error {
	return r.sdk.SaveState(ctx, r.state)
}

// watermark reads a per-repo watermark from connector state.
func (r *syncRun) watermark(repoName, key string) string {
	repos, ok := r.state["repos"].(map[string]any)
	if !ok {
		return ""
	}
	rs, ok := repos[repoName].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := rs[key].(string)
	return v
}

// advance raises a per-repo watermark, never lowering it.
func (r *syncRun) advance(repoName, key string, t time.Time) {
	repos, ok := r.state["repos"].(map[string]any)
	if !ok {
		repos = map[string]any{}
		r.state["repos"] = repos
	}
	rs, ok := repos[repoName].(map[string]any)
	if !ok {
		rs = map[string]any{}
		repos[repoName] = rs
	}

	stamp := t.UTC().Format(time.RFC3339)
	if cur, _ := rs[key].(string); cur == "" || stamp > cur {
		rs[key] = stamp
	}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func cloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state)+1)
	for k, v := range state {
		if m, ok := v.(map[string]any); ok {
			out[k] = cloneState(m)
			continue
		}
		out[k] = v
	}
	return out
}
