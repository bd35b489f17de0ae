package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/llm"
	"github.com/BaSui01/vtubeflow/types"
)

// Complete performs a non-streaming chat completion.
func (b *Backend) Complete(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	body, err := b.marshalRequest(req.Model, req.Messages, req.MaxTokens, req.Temperature, false, req.Tools)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	httpReq, err := b.newHTTPRequest(cctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "request failed").
			WithProvider(b.Name()).WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "read response").
			WithProvider(b.Name()).WithRetryable(true).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, b.mapHTTPError(resp.StatusCode, respBody)
	}

	var wire wireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, types.NewError(types.ErrProtocol, "decode response").
			WithProvider(b.Name()).WithCause(err)
	}
	if wire.Error != nil {
		return nil, types.NewError(types.ErrUpstreamError, wire.Error.Message).WithProvider(b.Name())
	}
	if len(wire.Choices) == 0 {
		return nil, types.NewError(types.ErrProtocol, "response has no choices").WithProvider(b.Name())
	}

	choice := wire.Choices[0]
	out := &llm.ChatResponse{
		Model: wire.Model,
	}
	if s, ok := choice.Message.Content.(string); ok {
		out.Content = s
	}
	for _, wtc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:        wtc.ID,
			Name:      wtc.Function.Name,
			Arguments: json.RawMessage(wtc.Function.Arguments),
		})
	}
	if wire.Usage != nil {
		out.Usage = types.TokenUsage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
		out.UsageKnown = true
	}
	return out, nil
}

// Stream performs a streaming chat completion over SSE.
func (b *Backend) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	body, err := b.marshalRequest(req.Model, req.Messages, req.MaxTokens, req.Temperature, true, nil)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := b.newHTTPRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "stream request failed").
			WithProvider(b.Name()).WithRetryable(true).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, b.mapHTTPError(resp.StatusCode, respBody)
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				out <- llm.StreamChunk{Done: true}
				return
			}
			var wire wireResponse
			if err := json.Unmarshal([]byte(data), &wire); err != nil {
				b.logger.Debug("skipping malformed stream line", zap.Error(err))
				continue
			}
			if len(wire.Choices) == 0 {
				continue
			}
			if s, ok := wire.Choices[0].Delta.Content.(string); ok && s != "" {
				select {
				case out <- llm.StreamChunk{Content: s}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			out <- llm.StreamChunk{Err: err}
		}
	}()
	return out, nil
}
