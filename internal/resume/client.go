// Package resume calls the external engine's resume interface.
package resume

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Request is the body of the outbound resume call.
type Request struct {
	ExecutionID string `json:"executionId"`
	TaskID      string `json:"taskId"`
	Decision    string `json:"decision"`
	Feedback    string `json:"feedback,omitempty"`
	ApprovalID  string `json:"approvalId,omitempty"`
}

// Sender delivers one resume call.
type Sender interface {
	Resume(ctx context.Context, req Request) error
}

// StatusError is a non-2xx response from the engine.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("resume endpoint returned %d: %s", e.Code, e.Body)
}

// Retryable is false for client errors other than timeouts and rate limits.
func (e *StatusError) Retryable() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return true
	}
	return e.Code < 400 || e.Code >= 500
}

// Client posts resume calls to URL with an optional bearer token.
type Client struct {
	URL   string
	Token string
	HTTP  *http.Client
}

func NewClient(url, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{URL: url, Token: token, HTTP: &http.Client{Timeout: timeout}}
}

func (c *Client) Resume(ctx context.Context, req Request) error {
	if c.URL == "" {
		return errors.New("resume url not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ExecutionID+"/"+req.TaskID)
	if c.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Policy bounds redelivery.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// BackOff returns an exponential schedule capped at MaxAttempts total calls.
func (p Policy) BackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// Deliver calls sender until it succeeds, the policy is exhausted or the engine rejects the
// call with a non-retryable status. onFailure runs after every failed call with the 1-based
// attempt number. It returns the number of calls made.
func Deliver(ctx context.Context, sender Sender, req Request, p Policy, onFailure func(attempt int, err error)) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		err := sender.Resume(ctx, req)
		if err == nil {
			return nil
		}
		if onFailure != nil {
			onFailure(attempts, err)
		}
		var status *StatusError
		if errors.As(err, &status) && !status.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, p.BackOff(ctx))
	return attempts, err
}
