package openai

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/anthropics/AIClient-2-API/internal/claude"
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// StreamWriter translates the claude package's Kiro-derived SSE events into
// OpenAI chat.completion.chunk frames, so both protocol adapters share one
// Kiro-event-stream consumer instead of each re-deriving chunk boundaries.
type StreamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	id      string
	model   string
	created int64

	roleSent     bool
	blockIsTool  map[int]bool
	toolCallSent map[int]bool
}

// NewStreamWriter creates a StreamWriter for a single chat completion.
func NewStreamWriter(w http.ResponseWriter, id, model string, created int64) *StreamWriter {
	flusher, _ := w.(http.Flusher)
	return &StreamWriter{
		w:            w,
		flusher:      flusher,
		id:           id,
		model:        model,
		created:      created,
		blockIsTool:  make(map[int]bool),
		toolCallSent: make(map[int]bool),
	}
}

// WriteHeaders sets the response headers for SSE streaming.
func (s *StreamWriter) WriteHeaders() {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no")
}

func (s *StreamWriter) writeChunk(chunk ChatCompletionChunk) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	buf.WriteString("data: ")
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(chunk); err != nil {
		return err
	}
	buf.WriteByte('\n')

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *StreamWriter) newChunk(choice ChunkChoice) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{choice},
	}
}

// HandleClaudeEvents consumes the SSE events claude.Converter.Convert
// produced for one Kiro chunk, emitting the corresponding OpenAI chunks.
func (s *StreamWriter) HandleClaudeEvents(events []*claude.SSEEvent) error {
	for _, evt := range events {
		if err := s.handleOne(evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StreamWriter) handleOne(evt *claude.SSEEvent) error {
	switch data := evt.Data.(type) {
	case claude.MessageStartEvent:
		if s.roleSent {
			return nil
		}
		s.roleSent = true
		return s.writeChunk(s.newChunk(ChunkChoice{Index: 0, Delta: Delta{Role: "assistant"}}))

	case claude.ContentBlockStartEvent:
		if data.ContentBlock.Type == "tool_use" {
			s.blockIsTool[data.Index] = true
			idx := data.Index
			return s.writeChunk(s.newChunk(ChunkChoice{
				Index: 0,
				Delta: Delta{ToolCalls: []ToolCall{{
					Index:    &idx,
					ID:       data.ContentBlock.ID,
					Type:     "function",
					Function: ToolCallFunction{Name: data.ContentBlock.Name},
				}}},
			}))
		}
		return nil

	case claude.ContentBlockDeltaEvent:
		if s.blockIsTool[data.Index] {
			var partial string
			if data.Delta.PartialJSON != nil {
				partial = *data.Delta.PartialJSON
			}
			idx := data.Index
			return s.writeChunk(s.newChunk(ChunkChoice{
				Index: 0,
				Delta: Delta{ToolCalls: []ToolCall{{
					Index:    &idx,
					Function: ToolCallFunction{Arguments: partial},
				}}},
			}))
		}
		if data.Delta.Text == "" {
			return nil
		}
		if data.Delta.Type == "thinking_delta" {
			return s.writeChunk(s.newChunk(ChunkChoice{Index: 0, Delta: Delta{ReasoningContent: data.Delta.Text}}))
		}
		return s.writeChunk(s.newChunk(ChunkChoice{Index: 0, Delta: Delta{Content: data.Delta.Text}}))

	case claude.ContentBlockStopEvent:
		return nil

	case claude.FullMessageDeltaEvent:
		if data.Delta.StopReason == "" {
			return nil
		}
		reason := FinishReason(data.Delta.StopReason)
		return s.writeChunk(s.newChunk(ChunkChoice{Index: 0, Delta: Delta{}, FinishReason: &reason}))

	case claude.MessageDeltaEvent:
		if data.Delta.StopReason == "" {
			return nil
		}
		reason := FinishReason(data.Delta.StopReason)
		return s.writeChunk(s.newChunk(ChunkChoice{Index: 0, Delta: Delta{}, FinishReason: &reason}))

	default:
		return nil
	}
}

// WriteDone writes the terminal "[DONE]" marker OpenAI streaming clients
// expect after the final chunk.
func (s *StreamWriter) WriteDone() error {
	if _, err := s.w.Write([]byte("data: [DONE]\n\n")); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
