package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/kbforge/kbforge/pkg/apperror"
)

const defaultBaseURL = "https://api.github.com"

// linkNextRe extracts the rel="next" URL from a Link header.
var linkNextRe = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// client is a thin GitHub REST client with Link-header paging.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string, timeout time.Duration) *client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &client{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
			},
		},
	}
}

type repo struct {
	FullName    string     `json:"full_name"`
	Description string     `json:"description"`
	HTMLURL     string     `json:"html_url"`
	Private     bool       `json:"private"`
	CreatedAt   *time.Time `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
}

type issue struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	State     string     `json:"state"`
	HTMLURL   string     `json:"html_url"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`

	// PullRequest is set when the issues endpoint returns a PR
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

// get fetches one page and returns the rel="next" URL, if any. The url may
// be a path or the absolute next-page URL from a Link header.
func (c *client) get(ctx context.Context, url string, out any) (string, error) {
	if len(url) > 0 && url[0] == '/' {
		url = c.baseURL + url
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperror.ErrCancelled.WithInternal(ctx.Err())
		}
		return "", apperror.ErrTransient.WithMessage("github unreachable").WithInternal(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperror.FromStatus(resp.StatusCode, string(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	return nextLink(resp.Header.Get("Link")), nil
}

func nextLink(header string) string {
	m := linkNextRe.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	return m[1]
}

// checkAuth verifies the token against /user.
func (c *client) checkAuth(ctx context.Context) error {
	var user struct {
		Login string `json:"login"`
	}
	_, err := c.get(ctx, "/user", &user)
	return err
}
