// Package rooms talks to the platform's room service: joining a room by
// invite token, listing and ending rooms for the interviewer side.
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codepair/roomlink/internal/backoff"
)

var (
	// ErrRoomNotFound means the token or id did not match a room.
	ErrRoomNotFound = errors.New("room not found")
	// ErrUnauthorized means the server rejected the credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// Room is the server's view of an interview room.
type Room struct {
	ID            string    `json:"id"`
	CandidateName string    `json:"candidateName"`
	IsActive      bool      `json:"isActive"`
	Token         string    `json:"token"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Client is the room service HTTP client. Transient failures, 5xx and
// network errors, are retried on the shared backoff policy; 4xx responses
// are returned immediately.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
	policy     backoff.Policy
	log        *zap.Logger
}

// NewClient builds a client for the given API base URL. authToken may be
// empty for candidate-side use, where the invite token is the credential.
func NewClient(baseURL, authToken string, policy backoff.Policy, log *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		authToken:  authToken,
		policy:     policy,
		log:        log,
	}
}

// Join resolves an invite token to its room.
func (c *Client) Join(ctx context.Context, token string) (*Room, error) {
	endpoint := fmt.Sprintf("%s/rooms/join?token=%s", c.baseURL, url.QueryEscape(token))

	var room Room
	if err := c.getJSON(ctx, endpoint, &room); err != nil {
		return nil, fmt.Errorf("failed to join room: %w", err)
	}
	return &room, nil
}

// List fetches all rooms visible to the authenticated user.
func (c *Client) List(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := c.getJSON(ctx, c.baseURL+"/rooms", &rooms); err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return rooms, nil
}

// End marks a room inactive.
func (c *Client) End(ctx context.Context, roomID string) error {
	endpoint := fmt.Sprintf("%s/rooms/%s/end", c.baseURL, url.PathEscape(roomID))
	if err := c.do(ctx, http.MethodPost, endpoint, nil); err != nil {
		return fmt.Errorf("failed to end room: %w", err)
	}
	return nil
}

// Delete removes a room entirely.
func (c *Client) Delete(ctx context.Context, roomID string) error {
	endpoint := fmt.Sprintf("%s/rooms/%s", c.baseURL, url.PathEscape(roomID))
	if err := c.do(ctx, http.MethodDelete, endpoint, nil); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	return c.do(ctx, http.MethodGet, endpoint, out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, out interface{}) error {
	retrier := c.policy.NewRetrier()

	for {
		err := c.attempt(ctx, method, endpoint, out)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}

		delay, ok := retrier.Next()
		if !ok {
			return fmt.Errorf("retries exhausted: %w", err)
		}
		c.log.Warn("room service request failed, retrying",
			zap.String("endpoint", endpoint),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// transientError marks failures worth retrying.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

func (c *Client) attempt(ctx context.Context, method, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &transientError{err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return &transientError{fmt.Errorf("server error: %s", resp.Status)}
	case resp.StatusCode == http.StatusNotFound:
		return ErrRoomNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
