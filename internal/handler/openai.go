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

	"github.com/anthropics/AIClient-2-API/internal/claude"
	"github.com/anthropics/AIClient-2-API/internal/debug"
	"github.com/anthropics/AIClient-2-API/internal/kiro"
	"github.com/anthropics/AIClient-2-API/internal/openai"
	"github.com/anthropics/AIClient-2-API/internal/orchestrator"
	"github.com/google/uuid"
)

// OpenAIHandler handles POST /v1/chat/completions requests, translating them
// to the Claude Messages shape and driving the same orchestrator.Dispatcher
// and Kiro event-stream pipeline MessagesHandler uses, so there is exactly
// one retry policy and one Kiro chunk consumer behind both protocol surfaces.
type OpenAIHandler struct {
	dispatcher  *orchestrator.Dispatcher
	logger      *slog.Logger
	debugDumper *debug.Dumper
}

// NewOpenAIHandler creates a new chat completions handler.
func NewOpenAIHandler(opts MessagesHandlerOptions) *OpenAIHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dispatcher := orchestrator.New(orchestrator.Options{
		Selector:     opts.Selector,
		PoolManager:  opts.PoolManager,
		TokenManager: opts.TokenManager,
		KiroClient:   opts.KiroClient,
		Logger:       logger,
		MaxRetries:   opts.MaxRetries,
	})
	return &OpenAIHandler{
		dispatcher:  dispatcher,
		logger:      logger,
		debugDumper: debug.NewDumper(),
	}
}

// ServeHTTP handles the chat completions request.
func (h *OpenAIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "Invalid JSON: "+err.Error())
		return
	}
	if req.Model == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "model: field is required")
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "messages: field is required and must contain at least one message")
		return
	}

	claudeReq, err := openai.ToClaudeRequest(&req)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to translate request: "+err.Error())
		return
	}
	claudeReq.Stream = req.Stream

	sessionID := uuid.New().String()
	debugSession := h.debugDumper.NewSession(sessionID)
	defer func() {
		if debugSession != nil {
			debugSession.Close()
		}
	}()
	if debugSession != nil {
		debugSession.SetModel(req.Model)
		debugSession.DumpRequestJSON(&req)
	}

	if req.Stream {
		h.handleStreaming(ctx, w, claudeReq, debugSession)
	} else {
		h.handleNonStreaming(ctx, w, claudeReq, debugSession)
	}
}

func (h *OpenAIHandler) handleStreaming(ctx context.Context, w http.ResponseWriter, req *claude.MessageRequest, debugSession *debug.Session) {
	id := openai.GenerateCompletionID()
	created := time.Now().Unix()
	sw := openai.NewStreamWriter(w, id, req.Model, created)
	sw.WriteHeaders()

	result, err := h.dispatcher.Dispatch(ctx, req, debugSession)
	if err != nil {
		h.writeStreamDispatchError(sw, err)
		return
	}

	h.streamResponse(ctx, result.Body, sw, req.Model, debugSession)
	_ = result.Body.Close()
	if debugSession != nil {
		debugSession.Success()
	}
}

func (h *OpenAIHandler) writeStreamDispatchError(sw *openai.StreamWriter, err error) {
	if errors.Is(err, orchestrator.ErrNoHealthyAccounts) {
		h.writeStreamError(sw, http.StatusServiceUnavailable, "no healthy accounts available")
		return
	}

	var tooLong *orchestrator.ContextTooLongError
	if errors.As(err, &tooLong) {
		h.writeStreamError(sw, http.StatusServiceUnavailable, "Input context is too long. Please compact or reduce your conversation history to continue.")
		return
	}

	var exhausted *orchestrator.ExhaustedError
	if errors.As(err, &exhausted) {
		h.logger.Error("openai: all retries failed", "error", exhausted.LastErr, "tried_accounts", exhausted.TriedAccounts)
		h.writeStreamError(sw, http.StatusBadGateway, fmt.Sprintf("all accounts failed: %v", exhausted.LastErr))
		return
	}

	h.writeStreamError(sw, http.StatusBadGateway, "upstream error")
}

func (h *OpenAIHandler) streamResponse(ctx context.Context, body io.Reader, sw *openai.StreamWriter, model string, debugSession *debug.Session) {
	parser := kiro.GetEventStreamParser()
	defer kiro.ReleaseEventStreamParser(parser)

	converter := claude.NewConverter(model)
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			_ = sw.WriteDone()
			return
		default:
		}

		n, err := body.Read(buf)
		if err != nil {
			if err == io.EOF {
				if ferr := sw.HandleClaudeEvents(converter.FlushThinking()); ferr != nil {
					h.logger.Error("openai: failed to write chunk", "error", ferr)
				}
				_ = sw.WriteDone()
			}
			return
		}
		if n == 0 {
			continue
		}

		messages, parseErr := parser.Parse(buf[:n])
		if parseErr != nil {
			h.logger.Error("openai: error parsing event stream", "error", parseErr)
			continue
		}

		for _, msg := range messages {
			if !msg.IsEvent() {
				continue
			}
			if debugSession != nil {
				debugSession.AppendKiroChunk(msg.Payload)
			}

			var chunk kiro.KiroChunk
			if err := json.Unmarshal(msg.Payload, &chunk); err != nil {
				continue
			}
			events, err := converter.Convert(&chunk)
			if err != nil {
				continue
			}
			if err := sw.HandleClaudeEvents(events); err != nil {
				h.logger.Error("openai: failed to write chunk", "error", err)
				return
			}
		}
	}
}

func (h *OpenAIHandler) handleNonStreaming(ctx context.Context, w http.ResponseWriter, req *claude.MessageRequest, debugSession *debug.Session) {
	result, err := h.dispatcher.Dispatch(ctx, req, debugSession)
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}

	resp := h.aggregate(ctx, result.Body, req.Model)
	_ = result.Body.Close()

	if debugSession != nil {
		debugSession.Success()
	}

	completion := openai.FromClaudeResponse(resp, time.Now().Unix())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(completion)
}

func (h *OpenAIHandler) writeDispatchError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrNoHealthyAccounts) {
		h.writeError(w, http.StatusServiceUnavailable, "api_error", "no healthy accounts available")
		return
	}

	var tooLong *orchestrator.ContextTooLongError
	if errors.As(err, &tooLong) {
		h.writeError(w, http.StatusServiceUnavailable, "api_error", "Input context is too long. Please compact or reduce your conversation history to continue.")
		return
	}

	var exhausted *orchestrator.ExhaustedError
	if errors.As(err, &exhausted) {
		h.logger.Error("openai: all retries failed", "error", exhausted.LastErr, "tried_accounts", exhausted.TriedAccounts)
		h.writeError(w, http.StatusBadGateway, "api_error", fmt.Sprintf("all accounts failed: %v", exhausted.LastErr))
		return
	}

	h.writeError(w, http.StatusBadGateway, "api_error", "upstream error")
}

func (h *OpenAIHandler) aggregate(ctx context.Context, body io.Reader, model string) *claude.MessageResponse {
	parser := kiro.GetEventStreamParser()
	defer kiro.ReleaseEventStreamParser(parser)

	aggregator := claude.NewAggregator(model)
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return aggregator.Build()
		default:
		}

		n, err := body.Read(buf)
		if err != nil {
			return aggregator.Build()
		}
		if n == 0 {
			continue
		}

		messages, err := parser.Parse(buf[:n])
		if err != nil {
			continue
		}
		for _, msg := range messages {
			if !msg.IsEvent() {
				continue
			}
			var chunk kiro.KiroChunk
			if err := json.Unmarshal(msg.Payload, &chunk); err != nil {
				continue
			}
			_ = aggregator.Add(&chunk)
		}
	}
}

func (h *OpenAIHandler) writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(openai.ErrorResponse{Error: openai.ErrorDetail{Message: message, Type: errType}})
}

func (h *OpenAIHandler) writeStreamError(sw *openai.StreamWriter, status int, message string) {
	_ = status
	h.logger.Error("openai: streaming error", "message", message)
	_ = sw.WriteDone()
}
