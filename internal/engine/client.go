package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"
)

const (
	defaultStreamTimeout = 120 * time.Second
	maxErrorBody         = 2048
)

var errEngineChunk = errors.New("engine returned error chunk")

// Invoker is the engine call surface a session needs. *Client implements it;
// tests substitute a scripted fake.
type Invoker interface {
	Stream(ctx context.Context, req StreamRequest) iter.Seq2[Chunk, error]
}

// StreamRequest carries one engine invocation.
type StreamRequest struct {
	ThreadID     string        `json:"thread_id"`
	SystemPrompt string        `json:"system"`
	Messages     []ChatMessage `json:"messages"`
	Tools        []Tool        `json:"tools,omitempty"`
}

// wireChunk is the engine's NDJSON line format.
type wireChunk struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Config describes how to reach the engine service.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client speaks streaming HTTP (NDJSON) to the reasoning engine.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates an engine client.
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("engine api key cannot be empty")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("engine base url cannot be empty")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultStreamTimeout
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Stream invokes the engine and yields chunks as they arrive. Tool-call and
// tool-result chunks pass through tagged; callers concatenate agent turns.
func (c *Client) Stream(ctx context.Context, req StreamRequest) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		payload, err := json.Marshal(req)
		if err != nil {
			yield(Chunk{}, fmt.Errorf("marshal engine request: %w", err))
			return
		}

		endpoint := c.baseURL + "/agent/stream"
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			yield(Chunk{}, fmt.Errorf("build engine request: %w", err))
			return
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/x-ndjson")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			yield(Chunk{}, fmt.Errorf("engine request failed: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			yield(Chunk{}, fmt.Errorf("engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var wc wireChunk
			if err := json.Unmarshal(line, &wc); err != nil {
				yield(Chunk{}, fmt.Errorf("decode engine chunk: %w", err))
				return
			}

			chunk, err := decodeChunk(wc)
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Chunk{}, fmt.Errorf("engine stream read: %w", err))
		}
	}
}

// decodeChunk maps a wire chunk onto the tagged variant, rejecting unknown
// kinds at the boundary.
func decodeChunk(wc wireChunk) (Chunk, error) {
	switch wc.Type {
	case "agent":
		return Chunk{Kind: KindAgentTurn, Text: wc.Text}, nil
	case "tool_call":
		return Chunk{Kind: KindToolCall, Tool: wc.Tool, Payload: wc.Payload}, nil
	case "tool_result":
		return Chunk{Kind: KindToolResult, Tool: wc.Tool, Payload: wc.Payload}, nil
	case "error":
		if wc.Error == "" {
			return Chunk{}, errEngineChunk
		}
		return Chunk{}, fmt.Errorf("%w: %s", errEngineChunk, wc.Error)
	default:
		return Chunk{}, fmt.Errorf("unknown engine chunk type %q", wc.Type)
	}
}
