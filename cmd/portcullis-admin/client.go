// ABOUTME: Console API client for the portcullis-admin CLI
// ABOUTME: Wraps the REST control surface and the SSE observer stream

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lanward/portcullis/internal/ledger"
	"github.com/lanward/portcullis/internal/status"
)

// serverStatus mirrors GET /api/server/status.
type serverStatus struct {
	Status    string    `json:"status"`
	ChangedAt time.Time `json:"changedAt"`
	Managed   bool      `json:"managed"`
	Ready     bool      `json:"ready"`
}

// gatewayStats mirrors GET /api/gateway/stats.
type gatewayStats struct {
	Connections   map[string]int `json:"connections"`
	Total         int            `json:"total"`
	BytesSent     int64          `json:"bytesSent"`
	BytesReceived int64          `json:"bytesReceived"`
	Observers     int            `json:"observers"`
	ServerStatus  string         `json:"serverStatus"`
	UptimeSeconds int64          `json:"uptimeSeconds"`
}

// ledgerPage mirrors GET /api/ledger.
type ledgerPage struct {
	Entries []ledger.Entry `json:"entries"`
}

// loginResult mirrors POST /api/login.
type loginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// errorEnvelope mirrors the console's error responses.
type errorEnvelope struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// consoleClient talks to the gateway's operator console over HTTP.
type consoleClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// newConsoleClient creates a client for the given console URL. The token
// may be empty when the console runs without authentication.
func newConsoleClient(baseURL, token string) *consoleClient {
	return &consoleClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// get performs a GET request and decodes the JSON response into out.
func (c *consoleClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, out)
}

// post performs a POST request with an optional JSON body and decodes the
// response into out. Pass nil for either to skip them.
func (c *consoleClient) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *consoleClient) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// handleErrorResponse extracts the error message from non-2xx responses.
func (c *consoleClient) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var envelope errorEnvelope
		if json.Unmarshal(body, &envelope) == nil && envelope.Error != "" {
			return fmt.Errorf("console error (%d): %s", resp.StatusCode, envelope.Error)
		}
	}

	return fmt.Errorf("console returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// watchEvents subscribes to the console's SSE stream and calls onEvent for
// each event until the stream closes or ctx is canceled.
func (c *consoleClient) watchEvents(ctx context.Context, onEvent func(status.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/events", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// No client timeout on the stream; it stays open until canceled.
	stream := &http.Client{}
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}

	return parseSSEStream(ctx, resp.Body, onEvent)
}

// parseSSEStream reads server-sent events from the response body.
func parseSSEStream(ctx context.Context, body io.Reader, onEvent func(status.Event)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		seq       uint64
		eventKind string
		dataLines []string
	)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventKind != "" && len(dataLines) > 0 {
				onEvent(status.Event{
					Seq:     seq,
					Kind:    status.Kind(eventKind),
					Payload: json.RawMessage(strings.Join(dataLines, "\n")),
				})
			}
			seq = 0
			eventKind = ""
			dataLines = nil
			continue
		}

		// Heartbeat comments keep the connection alive; skip them.
		if strings.HasPrefix(line, ":") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "id:"):
			seq, _ = strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64)
		case strings.HasPrefix(line, "event:"):
			eventKind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("reading event stream: %w", err)
	}
	return nil
}
