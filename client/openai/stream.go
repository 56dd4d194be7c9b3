package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/nevindra/switchboard"
)

// ChatCompletionStream sends a streaming chat request, forwarding text
// deltas to ch, and returns the accumulated response. ch is left open;
// the dispatcher owns its closure.
func (c *Client) ChatCompletionStream(ctx context.Context, cred switchboard.Credential, model string, msgs []switchboard.ChatMessage, params switchboard.ChatParams, ch chan<- switchboard.StreamEvent) (switchboard.ChatResponse, error) {
	body := buildBody(model, msgs, params)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}

	resp, err := c.sendHTTP(ctx, cred, "/chat/completions", body)
	if err != nil {
		return switchboard.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return switchboard.ChatResponse{}, httpErr(resp)
	}

	return c.streamSSE(ctx, resp.Body, ch)
}

// streamSSE reads an SSE stream from body, sends text deltas to ch, and
// returns the fully accumulated response.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func (c *Client) streamSSE(ctx context.Context, body io.Reader, ch chan<- switchboard.StreamEvent) (switchboard.ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var totals switchboard.Usage

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			if c.logger != nil {
				c.logger.Debug("skipping malformed stream chunk", "error", err)
			}
			continue
		}

		// Usage arrives in the final chunk (or a usage-only chunk).
		if chunk.Usage != nil {
			totals = switchboard.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta == nil || delta.Content == "" {
			continue
		}

		fullContent.WriteString(delta.Content)
		select {
		case ch <- switchboard.StreamEvent{Type: switchboard.EventTextDelta, Content: delta.Content}:
		case <-ctx.Done():
			return switchboard.ChatResponse{}, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return switchboard.ChatResponse{}, err
	}

	return switchboard.ChatResponse{Content: fullContent.String(), Usage: totals}, nil
}
