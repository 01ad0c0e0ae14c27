package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sketchline/internal/domain"
)

const defaultClientTimeout = 30 * time.Second

// GitHubClient implements ChangeReader and CommentPublisher against the
// GitHub REST API. One client is constructed per run; nothing is cached
// across runs.
type GitHubClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewGitHubClient(baseURL, token string) *GitHubClient {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHubClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: defaultClientTimeout},
	}
}

func (c *GitHubClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, res.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

type fileEntry struct {
	Filename string `json:"filename"`
	Patch    string `json:"patch"`
}

// ListChangedFiles pages through pulls/{n}/files preserving API order.
func (c *GitHubClient) ListChangedFiles(ctx context.Context, repo string, number int) ([]domain.ChangedFile, error) {
	var files []domain.ChangedFile
	for page := 1; ; page++ {
		var entries []fileEntry
		path := fmt.Sprintf("/repos/%s/pulls/%d/files?per_page=100&page=%d", repo, number, page)
		if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
			return nil, fmt.Errorf("list changed files: %w", err)
		}
		for _, e := range entries {
			files = append(files, domain.ChangedFile{Name: e.Filename, Patch: e.Patch})
		}
		if len(entries) < 100 {
			return files, nil
		}
	}
}

type commentEntry struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
}

// FindExisting scans issue comments for the marker token.
func (c *GitHubClient) FindExisting(ctx context.Context, repo string, number int, marker string) (*Comment, error) {
	for page := 1; ; page++ {
		var entries []commentEntry
		path := fmt.Sprintf("/repos/%s/issues/%d/comments?per_page=100&page=%d", repo, number, page)
		if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
			return nil, fmt.Errorf("list comments: %w", err)
		}
		for _, e := range entries {
			if strings.Contains(e.Body, marker) {
				return &Comment{ID: e.ID, Body: e.Body}, nil
			}
		}
		if len(entries) < 100 {
			return nil, nil
		}
	}
}

// Upsert patches the existing comment or creates a new one.
func (c *GitHubClient) Upsert(ctx context.Context, repo string, number int, existingID int64, body string) error {
	payload := map[string]string{"body": body}
	if existingID != 0 {
		path := fmt.Sprintf("/repos/%s/issues/comments/%d", repo, existingID)
		if err := c.do(ctx, http.MethodPatch, path, payload, nil); err != nil {
			return fmt.Errorf("update comment: %w", err)
		}
		return nil
	}
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number)
	if err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("create comment: %w", err)
	}
	return nil
}
