package billing

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

// HTTPClient talks to the billing service.
type HTTPClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) Lookup(ctx context.Context, accountID int64) (domain.EntitlementState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/accounts/%d", c.BaseURL, accountID), nil)
	if err != nil {
		return domain.EntitlementState{}, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return domain.EntitlementState{}, fmt.Errorf("billing lookup: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return domain.EntitlementState{}, ErrUnknownAccount
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return domain.EntitlementState{}, fmt.Errorf("billing lookup: status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	var state domain.EntitlementState
	if err := json.NewDecoder(res.Body).Decode(&state); err != nil {
		return domain.EntitlementState{}, fmt.Errorf("billing lookup: decode response: %w", err)
	}
	return state, nil
}

func (c *HTTPClient) Report(ctx context.Context, usage Usage) error {
	data, err := json.Marshal(usage)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/usage", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("usage report: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("usage report: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
