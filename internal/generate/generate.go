// Package generate is the content-generation collaborator boundary. The core
// treats brief and artifact production as fallible, possibly slow single-shot
// calls; retry and timeout policy lives in the engine, not here.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type Adapter interface {
	// ProduceBrief turns assembled change context into a short visual brief.
	ProduceBrief(ctx context.Context, changeContext string) (string, error)
	// ProduceArtifact renders the brief into image bytes plus a content type.
	ProduceArtifact(ctx context.Context, brief string) ([]byte, string, error)
}

// HTTPAdapter talks to the hosted generation service.
type HTTPAdapter struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewHTTPAdapter(baseURL, token string) *HTTPAdapter {
	return &HTTPAdapter{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		// No client-level timeout; the engine bounds each attempt via ctx.
		HTTP: &http.Client{},
	}
}

func (a *HTTPAdapter) ProduceBrief(ctx context.Context, changeContext string) (string, error) {
	body, err := json.Marshal(map[string]string{"context": changeContext})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/briefs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	res, err := a.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("brief generation: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("brief generation: status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	var out struct {
		Brief string `json:"brief"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("brief generation: decode response: %w", err)
	}
	if out.Brief == "" {
		return "", fmt.Errorf("brief generation: empty brief in response")
	}
	return out.Brief, nil
}

func (a *HTTPAdapter) ProduceArtifact(ctx context.Context, brief string) ([]byte, string, error) {
	body, err := json.Marshal(map[string]string{"brief": brief})
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/images", bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	res, err := a.HTTP.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("image generation: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, "", fmt.Errorf("image generation: status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, "", fmt.Errorf("image generation: read response: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("image generation: empty image in response")
	}
	contentType := res.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	return data, contentType, nil
}
