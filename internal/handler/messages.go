// Package handler provides HTTP handlers for the Kiro server.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/anthropics/AIClient-2-API/internal/account"
	"github.com/anthropics/AIClient-2-API/internal/claude"
	"github.com/anthropics/AIClient-2-API/internal/debug"
	"github.com/anthropics/AIClient-2-API/internal/kiro"
	"github.com/anthropics/AIClient-2-API/internal/orchestrator"
	"github.com/anthropics/AIClient-2-API/internal/redis"
	"github.com/google/uuid"
)

// MessagesHandler handles POST /v1/messages requests. Account selection,
// token refresh and vendor retry are delegated to orchestrator.Dispatcher;
// this handler owns only the Claude wire format: decoding the request,
// streaming/aggregating the Kiro event stream back into Claude SSE/JSON.
type MessagesHandler struct {
	dispatcher  *orchestrator.Dispatcher
	logger      *slog.Logger
	debugDumper *debug.Dumper
}

// MessagesHandlerOptions configures the messages handler.
type MessagesHandlerOptions struct {
	Selector     *account.Selector
	PoolManager  *redis.PoolManager
	TokenManager *redis.TokenManager
	KiroClient   *kiro.Client
	Logger       *slog.Logger
	MaxRetries   int
}

// NewMessagesHandler creates a new messages handler.
func NewMessagesHandler(opts MessagesHandlerOptions) *MessagesHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debugDumper := debug.NewDumper()
	if debugDumper.Enabled() {
		logger.Info("debug dumper enabled", "dir", "/tmp/kiro-debug")
	}

	dispatcher := orchestrator.New(orchestrator.Options{
		Selector:     opts.Selector,
		PoolManager:  opts.PoolManager,
		TokenManager: opts.TokenManager,
		KiroClient:   opts.KiroClient,
		Logger:       logger,
		MaxRetries:   opts.MaxRetries,
	})

	return &MessagesHandler{
		dispatcher:  dispatcher,
		logger:      logger,
		debugDumper: debugDumper,
	}
}

// ServeHTTP handles the messages request.
func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Generate session ID for debugging (use request ID if available)
	sessionID := r.Header.Get("x-request-id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	// Create debug session (nil if disabled)
	debugSession := h.debugDumper.NewSession(sessionID)
	defer func() {
		if debugSession != nil {
			debugSession.Close()
		}
	}()

	// Parse request body
	var req claude.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, claude.NewInvalidRequestError("Invalid JSON: "+err.Error()))
		return
	}

	// Dump request for debugging
	if debugSession != nil {
		debugSession.SetModel(req.Model)
		debugSession.DumpRequestJSON(&req)
	}

	// Log received model for debugging
	h.logger.Debug("received request", "model", req.Model, "session_id", sessionID)

	// Validate request
	if err := h.validateRequest(&req); err != nil {
		h.writeError(w, err)
		return
	}

	// Handle streaming vs non-streaming
	if req.Stream {
		h.handleStreaming(ctx, w, &req, debugSession)
	} else {
		h.handleNonStreaming(ctx, w, &req, debugSession)
	}
}

// validateRequest validates the message request.
func (h *MessagesHandler) validateRequest(req *claude.MessageRequest) *claude.APIError {
	// Required fields
	if req.Model == "" {
		return claude.NewInvalidRequestError("model: field is required")
	}
	if len(req.Messages) == 0 {
		return claude.NewInvalidRequestError("messages: field is required and must contain at least one message")
	}
	if req.MaxTokens <= 0 {
		return claude.NewInvalidRequestError("max_tokens: must be a positive integer greater than 0")
	}

	// Validate max_tokens range
	if req.MaxTokens > 200000 {
		return claude.NewInvalidRequestError("max_tokens: exceeds maximum allowed value of 200000")
	}

	// Validate messages
	for i, msg := range req.Messages {
		if msg.Role == "" {
			return claude.NewInvalidRequestError(fmt.Sprintf("messages[%d].role: field is required", i))
		}
		if msg.Role != "user" && msg.Role != "assistant" {
			return claude.NewInvalidRequestError(fmt.Sprintf("messages[%d].role: must be 'user' or 'assistant', got '%s'", i, msg.Role))
		}
		if msg.Content == nil {
			return claude.NewInvalidRequestError(fmt.Sprintf("messages[%d].content: field is required", i))
		}
	}

	// Validate conversation starts with user
	if len(req.Messages) > 0 && req.Messages[0].Role != "user" {
		return claude.NewInvalidRequestError("messages: first message must have role 'user'")
	}

	// Validate temperature range if provided
	if req.Temperature != nil {
		if *req.Temperature < 0.0 || *req.Temperature > 1.0 {
			return claude.NewInvalidRequestError("temperature: must be between 0.0 and 1.0")
		}
	}

	// Validate top_p range if provided
	if req.TopP != nil {
		if *req.TopP < 0.0 || *req.TopP > 1.0 {
			return claude.NewInvalidRequestError("top_p: must be between 0.0 and 1.0")
		}
	}

	// Validate top_k if provided
	if req.TopK != nil && *req.TopK < 0 {
		return claude.NewInvalidRequestError("top_k: must be a non-negative integer")
	}

	return nil
}

// handleStreaming handles streaming requests.
func (h *MessagesHandler) handleStreaming(ctx context.Context, w http.ResponseWriter, req *claude.MessageRequest, debugSession *debug.Session) {
	estimatedInputTokens := claude.EstimateInputTokens(req)

	sseWriter := claude.NewSSEWriter(w)
	sseWriter.WriteHeaders()

	result, err := h.dispatcher.Dispatch(ctx, req, debugSession)
	if err != nil {
		h.handleStreamDispatchError(err, sseWriter, debugSession)
		return
	}

	h.streamResponse(ctx, result.Body, sseWriter, req.Model, estimatedInputTokens, result.AccountUUID, result.StartTime, debugSession)
	if err := result.Body.Close(); err != nil {
		h.logger.Warn("failed to close response body", "error", err)
	}
	if debugSession != nil {
		debugSession.Success()
	}
}

// handleStreamDispatchError translates a dispatch failure into the SSE
// error event the Claude protocol expects.
func (h *MessagesHandler) handleStreamDispatchError(err error, sseWriter *claude.SSEWriter, debugSession *debug.Session) {
	if debugSession != nil {
		debugSession.SetError(err)
		debugSession.Fail(err)
	}

	if errors.Is(err, orchestrator.ErrNoHealthyAccounts) {
		_ = sseWriter.WriteError(claude.ErrNoHealthyAccounts)
		return
	}

	var tooLong *orchestrator.ContextTooLongError
	if errors.As(err, &tooLong) {
		h.logger.Warn("Context too long, returning 503 to trigger compaction", "uuid", tooLong.AccountUUID)
		_ = sseWriter.WriteError(claude.NewOverloadedError(
			"Input context is too long. Please compact or reduce your conversation history to continue. " +
				"Consider using /compact command or starting a new conversation."))
		return
	}

	var exhausted *orchestrator.ExhaustedError
	if errors.As(err, &exhausted) {
		h.logger.Error("all retries failed", "error", exhausted.LastErr, "tried_accounts", exhausted.TriedAccounts)
		var apiErr *kiro.APIError
		if errors.As(exhausted.LastErr, &apiErr) {
			if apiErr.IsOverloaded() {
				_ = sseWriter.WriteError(claude.NewOverloadedError(fmt.Sprintf("Service overloaded (account: %s): %s", exhausted.LastAccountUUID, string(apiErr.Body))))
				return
			}
			_ = sseWriter.WriteError(claude.NewAPIErrorWithStatus(
				fmt.Sprintf("Upstream error (account: %s, status %d): %s", exhausted.LastAccountUUID, apiErr.StatusCode, string(apiErr.Body)),
				apiErr.StatusCode,
			))
			return
		}
		_ = sseWriter.WriteError(claude.NewAPIError(fmt.Sprintf("All accounts failed (tried: %v): %v", exhausted.TriedAccounts, exhausted.LastErr)))
		return
	}

	h.logger.Error("dispatch failed", "error", err)
	_ = sseWriter.WriteError(claude.NewAPIError("Upstream error"))
}

// streamResponse reads from Kiro and writes SSE events.
func (h *MessagesHandler) streamResponse(ctx context.Context, body io.Reader, sseWriter *claude.SSEWriter, model string, estimatedInputTokens int, accountUUID string, startTime time.Time, debugSession *debug.Session) {
	// Use pooled parser to reduce GC pressure under high concurrency
	parser := kiro.GetEventStreamParser()
	defer kiro.ReleaseEventStreamParser(parser)

	converter := claude.NewConverterWithEstimate(model, estimatedInputTokens)

	buf := make([]byte, 4096)

	// Read and process chunks
	for {
		select {
		case <-ctx.Done():
			// Send final events on context cancellation
			h.sendFinalStreamEvents(sseWriter, converter, model, accountUUID, startTime)
			return
		default:
		}

		n, err := body.Read(buf)
		if err != nil {
			if err == io.EOF {
				// End of stream - send final events
				h.sendFinalStreamEvents(sseWriter, converter, model, accountUUID, startTime)
			} else {
				h.logger.Error("error reading response", "error", err)
			}
			return
		}

		if n == 0 {
			continue
		}

		// Parse AWS event stream messages
		messages, parseErr := parser.Parse(buf[:n])
		if parseErr != nil {
			h.logger.Error("error parsing event stream", "error", parseErr)
			continue
		}

		for _, msg := range messages {
			if !msg.IsEvent() {
				if msg.IsException() {
					h.logger.Error("received exception", "payload", string(msg.Payload))
					// Dump exception for debugging
					if debugSession != nil {
						debugSession.AppendKiroChunk(msg.Payload)
					}
				}
				continue
			}

			// Dump chunk for debugging
			if debugSession != nil {
				debugSession.AppendKiroChunk(msg.Payload)
			}

			// Parse Kiro chunk
			var chunk kiro.KiroChunk
			if err := json.Unmarshal(msg.Payload, &chunk); err != nil {
				h.logger.Warn("failed to parse chunk", "error", err)
				continue
			}

			// Convert to Claude format (returns multiple events)
			events, err := converter.Convert(&chunk)
			if err != nil {
				h.logger.Warn("failed to convert chunk", "error", err)
				continue
			}

			// Write all events returned by the converter
			for _, event := range events {
				if event == nil {
					continue
				}

				// Dump Claude event for debugging
				if debugSession != nil {
					debugSession.AppendClaudeChunk(event.Type, event.Data)
				}

				if err := sseWriter.WriteEvent(event.Type, event.Data); err != nil {
					h.logger.Error("failed to write SSE event", "error", err)
					return
				}
			}
		}
	}
}

// sendFinalStreamEvents sends the final SSE events at the end of a stream.
// Uses the converter's state to avoid sending duplicate events.
func (h *MessagesHandler) sendFinalStreamEvents(sseWriter *claude.SSEWriter, converter *claude.Converter, model string, accountUUID string, startTime time.Time) {
	// Flush any content the thinking splitter was holding back waiting to
	// see whether it was the start of a tag.
	for _, event := range converter.FlushThinking() {
		if err := sseWriter.WriteEvent(event.Type, event.Data); err != nil {
			h.logger.Error("failed to write SSE event", "error", err)
		}
	}

	// Get final usage from converter
	finalUsage := converter.GetFinalUsage()

	// Log usage information for monitoring
	h.logUsage(model, accountUUID, &finalUsage, startTime)

	// Send content_block_stop only if there's an unclosed content block
	// The converter tracks this state and handles closing text blocks before tool_use
	if converter.HasOpenContentBlock() {
		if err := sseWriter.WriteContentBlockStop(converter.GetCurrentContentIndex()); err != nil {
			h.logger.Error("failed to write content_block_stop", "error", err)
		}
		converter.MarkContentBlockClosed()
	}

	// Only send message_delta if the converter hasn't already sent one
	// This prevents duplicate message_delta events which can confuse clients
	if !converter.WasMessageDeltaEmitted() {
		// Get the appropriate stop_reason based on what was processed
		// If tool_use blocks were emitted, use "tool_use", otherwise "end_turn"
		stopReason := converter.GetStopReason()

		// Send message_delta with final usage (using typed struct for efficiency)
		// Note: SSEUsage has different json tags than Usage, so explicit copy is intentional
		messageDeltaEvent := claude.FullMessageDeltaEvent{
			Type: "message_delta",
			Delta: claude.MessageDeltaData{
				StopReason: stopReason,
			},
			Usage: claude.SSEUsage(finalUsage),
		}
		if err := sseWriter.WriteEvent("message_delta", messageDeltaEvent); err != nil {
			h.logger.Error("failed to write message_delta", "error", err)
		}
	}

	// Send message_stop
	if err := sseWriter.WriteMessageStop(); err != nil {
		h.logger.Error("failed to write message_stop", "error", err)
	}
}

// handleNonStreaming handles non-streaming requests.
func (h *MessagesHandler) handleNonStreaming(ctx context.Context, w http.ResponseWriter, req *claude.MessageRequest, debugSession *debug.Session) {
	estimatedInputTokens := claude.EstimateInputTokens(req)

	result, err := h.dispatcher.Dispatch(ctx, req, debugSession)
	if err != nil {
		h.handleNonStreamDispatchError(err, w, debugSession)
		return
	}

	response := h.aggregateResponse(ctx, result.Body, req.Model, estimatedInputTokens, result.AccountUUID, result.StartTime, debugSession)
	if err := result.Body.Close(); err != nil {
		h.logger.Warn("failed to close response body", "error", err)
	}

	if response == nil {
		if debugSession != nil {
			debugSession.SetError(fmt.Errorf("failed to aggregate response"))
			debugSession.Fail(fmt.Errorf("failed to aggregate response"))
		}
		h.writeError(w, claude.NewAPIError("Failed to aggregate response"))
		return
	}

	if debugSession != nil {
		debugSession.Success()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

// handleNonStreamDispatchError translates a dispatch failure into a Claude
// JSON error response.
func (h *MessagesHandler) handleNonStreamDispatchError(err error, w http.ResponseWriter, debugSession *debug.Session) {
	if debugSession != nil {
		debugSession.SetError(err)
		debugSession.Fail(err)
	}

	if errors.Is(err, orchestrator.ErrNoHealthyAccounts) {
		h.writeError(w, claude.ErrNoHealthyAccounts)
		return
	}

	var tooLong *orchestrator.ContextTooLongError
	if errors.As(err, &tooLong) {
		h.logger.Warn("Context too long, returning 503 to trigger compaction", "uuid", tooLong.AccountUUID)
		h.writeError(w, claude.NewOverloadedError(
			"Input context is too long. Please compact or reduce your conversation history to continue. "+
				"Consider using /compact command or starting a new conversation."))
		return
	}

	var exhausted *orchestrator.ExhaustedError
	if errors.As(err, &exhausted) {
		h.logger.Error("all retries failed", "error", exhausted.LastErr, "tried_accounts", exhausted.TriedAccounts)
		var apiErr *kiro.APIError
		if errors.As(exhausted.LastErr, &apiErr) {
			if apiErr.IsOverloaded() {
				h.writeError(w, claude.NewOverloadedError(fmt.Sprintf("Service overloaded (account: %s): %s", exhausted.LastAccountUUID, string(apiErr.Body))))
				return
			}
			h.writeError(w, claude.NewAPIErrorWithStatus(
				fmt.Sprintf("Upstream error (account: %s, status %d): %s", exhausted.LastAccountUUID, apiErr.StatusCode, string(apiErr.Body)),
				apiErr.StatusCode,
			))
			return
		}
		h.writeError(w, claude.NewAPIError(fmt.Sprintf("All accounts failed (tried: %v): %v", exhausted.TriedAccounts, exhausted.LastErr)))
		return
	}

	h.logger.Error("dispatch failed", "error", err)
	h.writeError(w, claude.NewAPIError("Upstream error"))
}

// aggregateResponse reads all chunks and builds a complete response.
func (h *MessagesHandler) aggregateResponse(ctx context.Context, body io.Reader, model string, estimatedInputTokens int, accountUUID string, startTime time.Time, debugSession *debug.Session) *claude.MessageResponse {
	// Use pooled parser to reduce GC pressure under high concurrency
	parser := kiro.GetEventStreamParser()
	defer kiro.ReleaseEventStreamParser(parser)

	aggregator := claude.NewAggregatorWithEstimate(model, estimatedInputTokens)

	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			resp := aggregator.Build()
			h.logUsage(model, accountUUID, &resp.Usage, startTime)
			return resp
		default:
		}

		n, err := body.Read(buf)
		if err != nil {
			if err == io.EOF {
				// End of stream, return aggregated response
				resp := aggregator.Build()
				h.logUsage(model, accountUUID, &resp.Usage, startTime)
				return resp
			}
			h.logger.Error("error reading response", "error", err)
			resp := aggregator.Build()
			h.logUsage(model, accountUUID, &resp.Usage, startTime)
			return resp
		}

		if n == 0 {
			continue
		}

		// Parse AWS event stream messages
		messages, err := parser.Parse(buf[:n])
		if err != nil {
			h.logger.Error("error parsing event stream", "error", err)
			continue
		}

		for _, msg := range messages {
			if !msg.IsEvent() {
				if msg.IsException() {
					h.logger.Error("received exception", "payload", string(msg.Payload))
					// Dump exception for debugging
					if debugSession != nil {
						debugSession.AppendKiroChunk(msg.Payload)
					}
				}
				continue
			}

			// Dump chunk for debugging
			if debugSession != nil {
				debugSession.AppendKiroChunk(msg.Payload)
			}

			// Parse Kiro chunk
			var chunk kiro.KiroChunk
			if err := json.Unmarshal(msg.Payload, &chunk); err != nil {
				h.logger.Warn("failed to parse chunk", "error", err)
				continue
			}

			// Add to aggregator
			if err := aggregator.Add(&chunk); err != nil {
				h.logger.Warn("failed to aggregate chunk", "error", err)
			}
		}
	}
}

// writeError writes an error response.
func (h *MessagesHandler) writeError(w http.ResponseWriter, err *claude.APIError) {
	err.WriteError(w)
}

// logUsage logs the token usage information for a completed request.
func (h *MessagesHandler) logUsage(model string, accountUUID string, usage *claude.Usage, startTime time.Time) {
	if usage == nil {
		return
	}
	h.logger.Info("request completed",
		"model", model,
		"account_uuid", accountUUID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"cache_creation_tokens", usage.CacheCreationInputTokens,
		"cache_read_tokens", usage.CacheReadInputTokens,
		"total_input_tokens", usage.InputTokens+usage.CacheCreationInputTokens+usage.CacheReadInputTokens,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
}
