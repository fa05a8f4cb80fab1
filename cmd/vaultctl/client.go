package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// apiError is the error body returned by vaultd.
type apiError struct {
	Status     int
	Message    string `json:"error"`
	Violations []struct {
		Rule    string `json:"rule"`
		Token   string `json:"token"`
		Message string `json:"message"`
	} `json:"violations"`
	Symbols []string `json:"symbols"`
}

func (e *apiError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "vaultd returned %d: %s", e.Status, e.Message)
	for _, v := range e.Violations {
		fmt.Fprintf(&b, "\n  - [%s] %s", v.Rule, v.Message)
	}
	if len(e.Symbols) > 0 {
		fmt.Fprintf(&b, " (unpriced: %s)", strings.Join(e.Symbols, ", "))
	}
	return b.String()
}

type client struct {
	base     string
	operator string
	http     *http.Client
}

func newClient(endpoint, operator string, timeout time.Duration) *client {
	return &client{
		base:     strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		operator: strings.TrimSpace(operator),
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.operator != "" {
		req.Header.Set("X-Operator", c.operator)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
