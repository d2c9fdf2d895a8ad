package oracle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Config configures the HTTP oracle client.
type Config struct {
	URL       string
	APIKey    string
	Model     string
	MaxTokens int
	// RPS limits outbound requests per second; zero means unlimited.
	RPS     float64
	Timeout time.Duration
}

// New returns a Client for cfg, or Unavailable when no URL is configured.
func New(cfg Config) Oracle {
	if cfg.URL == "" {
		return Unavailable{}
	}
	return NewClient(cfg, &http.Client{Timeout: cfg.Timeout})
}

// Client talks to a Messages-style completion API.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a client that sends requests through hc.
func NewClient(cfg Config, hc *http.Client) *Client {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &Client{cfg: cfg, http: hc, limiter: rate.NewLimiter(limit, 1)}
}

// Available reports true; reachability is discovered per call.
func (c *Client) Available() bool { return true }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
	Stream    bool      `json:"stream,omitempty"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, system, prompt string, stream bool) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("oracle rate limit: %w", err)
	}

	body, err := json.Marshal(request{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		System:    system,
		Messages:  []message{{Role: "user", Content: prompt}},
		Stream:    stream,
	})
	if err != nil {
		return nil, fmt.Errorf("encode oracle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.cfg.URL, "/")+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("oracle http %d: %s: %s",
			resp.StatusCode, strings.ToLower(http.StatusText(resp.StatusCode)), strings.TrimSpace(string(detail)))
	}
	return resp, nil
}

// Complete sends a single non-streaming request.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.post(ctx, system, prompt, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode oracle response: %w", err)
	}
	var b strings.Builder
	for _, part := range out.Content {
		if part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	return b.String(), nil
}

// Stream sends a streaming request and reads server-sent events until the
// message stops.
func (c *Client) Stream(ctx context.Context, system, prompt string, onChunk func(string)) (string, error) {
	resp, err := c.post(ctx, system, prompt, true)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var text strings.Builder
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Text == "" {
				continue
			}
			text.WriteString(ev.Delta.Text)
			if onChunk != nil {
				onChunk(ev.Delta.Text)
			}
		case "message_stop":
			return text.String(), nil
		case "error":
			return text.String(), fmt.Errorf("oracle stream: %s: %s", ev.Error.Type, ev.Error.Message)
		}
	}
	if err := sc.Err(); err != nil {
		return text.String(), fmt.Errorf("oracle stream: %w", err)
	}
	return text.String(), fmt.Errorf("oracle stream: unexpected eof")
}
