package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/user/octoroute/internal/models"
)

// UpstreamError carries the status and body of a failed upstream call.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, truncateStr(e.Body, 200))
}

// isRetryableStatusCode reports whether another endpoint may succeed where
// this status failed.
func isRetryableStatusCode(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// StreamChunk is one unit read from an upstream SSE stream.
type StreamChunk struct {
	Content string
	Err     error
}

// UpstreamClient talks to OpenAI-compatible model endpoints.
type UpstreamClient struct {
	logger *zap.Logger
	// streamClient has no global timeout; streams are bounded by the
	// request context instead.
	streamClient *http.Client
	client       *http.Client
}

// NewUpstreamClient builds the shared upstream transport.
func NewUpstreamClient(logger *zap.Logger) *UpstreamClient {
	return &UpstreamClient{
		logger:       logger,
		streamClient: &http.Client{},
		client:       &http.Client{},
	}
}

// QueryOptions carries request-level sampling overrides. Nil fields fall
// back to the endpoint's configured values.
type QueryOptions struct {
	Temperature *float64
	MaxTokens   *int64
	TopP        *float64
}

type upstreamChatRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	Stream      bool                 `json:"stream"`
	MaxTokens   int64                `json:"max_tokens"`
	Temperature float64              `json:"temperature"`
	TopP        *float64             `json:"top_p,omitempty"`
}

func buildChatBody(ep *models.ModelEndpoint, prompt string, stream bool, opts QueryOptions) ([]byte, error) {
	body := upstreamChatRequest{
		Model:       ep.Name,
		Messages:    []models.ChatMessage{{Role: models.RoleUser, Content: prompt}},
		Stream:      stream,
		MaxTokens:   ep.MaxTokens,
		Temperature: ep.Temperature,
		TopP:        opts.TopP,
	}
	if opts.Temperature != nil {
		body.Temperature = *opts.Temperature
	}
	if opts.MaxTokens != nil {
		body.MaxTokens = *opts.MaxTokens
	}
	return json.Marshal(body)
}

func chatCompletionsURL(ep *models.ModelEndpoint) string {
	return strings.TrimRight(ep.BaseURL, "/") + "/chat/completions"
}

// Complete performs a non-streaming completion against one endpoint and
// returns the assistant content. The context carries the per-tier deadline.
func (u *UpstreamClient) Complete(ctx context.Context, ep *models.ModelEndpoint, prompt string, opts QueryOptions) (string, error) {
	body, err := buildChatBody(ep, prompt, false, opts)
	if err != nil {
		return "", fmt.Errorf("encode upstream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, chatCompletionsURL(ep), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", ep.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &UpstreamError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var completion models.ChatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("decode upstream response from %s: %w", ep.Name, err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("upstream %s returned no choices", ep.Name)
	}
	return completion.Choices[0].Message.Content, nil
}

// Stream opens a streaming completion. Connection-phase failures are
// returned directly; afterwards content arrives on the channel and a
// mid-stream failure is delivered as a chunk with Err set. The channel is
// closed when the stream ends.
func (u *UpstreamClient) Stream(ctx context.Context, ep *models.ModelEndpoint, prompt string, opts QueryOptions) (<-chan StreamChunk, error) {
	body, err := buildChatBody(ep, prompt, true, opts)
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, chatCompletionsURL(ep), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := u.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", ep.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	chunks := make(chan StreamChunk, 16)
	go u.readSSEStream(resp.Body, chunks, ep.Name)
	return chunks, nil
}

// readSSEStream parses the upstream SSE body into content chunks.
func (u *UpstreamClient) readSSEStream(body io.ReadCloser, chunks chan<- StreamChunk, endpoint string) {
	defer close(chunks)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return
		}
		var chunk models.ChatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			u.logger.Warn("skipping malformed stream chunk",
				zap.String("endpoint", endpoint),
				zap.String("payload", truncateStr(payload, 200)),
			)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			chunks <- StreamChunk{Content: content}
		}
	}
	if err := scanner.Err(); err != nil {
		chunks <- StreamChunk{Err: fmt.Errorf("stream from %s interrupted: %w", endpoint, err)}
	}
}

// CollectStream drains a stream into a single string, honoring the context.
func CollectStream(ctx context.Context, chunks <-chan StreamChunk) (string, error) {
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return sb.String(), nil
			}
			if chunk.Err != nil {
				return sb.String(), chunk.Err
			}
			sb.WriteString(chunk.Content)
		}
	}
}

// truncateStr shortens s to max runes for logging.
func truncateStr(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// deadlineExceeded reports whether err stems from a context deadline.
func deadlineExceeded(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
