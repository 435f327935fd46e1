// Package matrixapi is the relay's client for the one upstream call it
// makes outside of plain passthrough: reading and writing a user's
// m.room.member state event so it can be rewritten to the current
// fronter's identity before a send proceeds.
package matrixapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Lunaphied/plural-kitty/internal/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/event"
)

// MemberContent is an alias for mautrix's own m.room.member wire type, so a
// read-modify-write round trip preserves every field the relay doesn't
// touch (reason, is_direct, join_authorised_via_users_server, third-party
// invite data, …) instead of silently dropping them.
type MemberContent = event.MemberEventContent

// Client talks to the homeserver's client-server API using the relay's
// own bot/service credentials are NOT used here — every call is made with
// the caller-supplied access token so Synapse's own permission checks
// apply exactly as they would without the relay in front.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// New builds a Client. baseURL is the homeserver's own origin, e.g.
// "https://matrix.example.org".
func New(baseURL string, logger *zap.Logger) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "matrixapi",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c
}

// GetMemberState fetches the current m.room.member state event for userID
// in roomID, using the caller's own access token.
func (c *Client) GetMemberState(ctx context.Context, token, roomID, userID string) (*MemberContent, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		reqURL := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/state/m.room.member/%s",
			c.baseURL, pathEscape(roomID), pathEscape(userID))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("matrixapi: get member state: unexpected status %d", resp.StatusCode)
		}

		var content MemberContent
		if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
			return nil, fmt.Errorf("matrixapi: decode member state: %w", err)
		}
		return &content, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.CircuitBreakerRejections.WithLabelValues("matrixapi").Inc()
		}
		return nil, err
	}
	return result.(*MemberContent), nil
}

// PutMemberState writes a new m.room.member state event for userID in
// roomID, using the caller's own access token.
func (c *Client) PutMemberState(ctx context.Context, token, roomID, userID string, content MemberContent) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		body, err := json.Marshal(content)
		if err != nil {
			return nil, err
		}

		url := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/state/m.room.member/%s",
			c.baseURL, pathEscape(roomID), pathEscape(userID))
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			metrics.ProxyStateEventPuts.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("matrixapi: put member state: unexpected status %d", resp.StatusCode)
		}
		metrics.ProxyStateEventPuts.WithLabelValues("ok").Inc()
		return nil, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.CircuitBreakerRejections.WithLabelValues("matrixapi").Inc()
		}
		c.logger.Error("put member state failed", zap.Error(err), zap.String("room_id", roomID))
		return err
	}
	return nil
}

func pathEscape(s string) string {
	return (&url.URL{Path: s}).EscapedPath()
}
