package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPStore uploads to an object-storage bucket endpoint with a bearer token
// and returns URLs rooted at the bucket's public base.
type HTTPStore struct {
	Endpoint  string
	PublicURL string
	Token     string
	HTTP      *http.Client
}

func NewHTTPStore(endpoint, publicURL, token string) *HTTPStore {
	return &HTTPStore{
		Endpoint:  strings.TrimRight(endpoint, "/"),
		PublicURL: strings.TrimRight(publicURL, "/"),
		Token:     token,
		HTTP:      &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *HTTPStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	k := key(contentType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.Endpoint+"/"+k, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	res, err := s.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("store artifact: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return s.PublicURL + "/" + k, nil
}
