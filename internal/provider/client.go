package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// maxErrorBody bounds how much of an error response ends up in a reason string.
const maxErrorBody = 512

// Options configures a base client.
type Options struct {
	BaseURL          string
	APIKey           string
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HTTPClient       *http.Client
}

// client performs JSON requests behind a circuit breaker.
type client struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// settled carries a response the breaker should not count as a failure.
type settled struct {
	err error
}

func newClient(name string, opts Options) *client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	threshold := opts.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return &client{
		name:    name,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    httpClient,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: opts.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logrus.WithFields(logrus.Fields{
					"provider": name,
					"from":     from.String(),
					"to":       to.String(),
				}).Warn("provider breaker state changed")
			},
		}),
	}
}

// do sends body as JSON and decodes a 2xx response into out. Permanent and conflict
// outcomes pass through the breaker as successes so bad payloads cannot trip it.
func (c *client) do(ctx context.Context, op, method, path string, body, out any) error {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		err := c.roundTrip(ctx, op, method, path, body, out)
		if err != nil && !IsTransient(err) {
			return settled{err: err}, nil
		}
		return nil, err
	})
	if s, ok := res.(settled); ok {
		return s.err
	}
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return err
		}
		return transportError(op, err)
	}
	return nil
}

func (c *client) roundTrip(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return Permanentf(op, "encode request: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Permanentf(op, "build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Kind: Transient, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	pe := &Error{
		Kind:       kindForStatus(resp.StatusCode),
		Op:         op,
		StatusCode: resp.StatusCode,
		Err:        errors.New(errorMessage(raw, resp.Status)),
	}
	if pe.Kind == Conflict {
		pe.ExternalID = conflictID(raw)
	}
	return pe
}

type errorBody struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func errorMessage(raw []byte, status string) string {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return status
}

func conflictID(raw []byte) string {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.ID
}

// isNotFound reports a 404 from a lookup.
func isNotFound(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound
}
