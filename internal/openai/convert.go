package openai

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/anthropics/AIClient-2-API/internal/claude"
)

// GenerateCompletionID generates a chatcmpl-style response ID.
func GenerateCompletionID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return "chatcmpl-" + hex.EncodeToString(b)
}

// ToClaudeRequest translates an OpenAI chat completion request into the
// vendor-facing Claude Messages request the Kiro pipeline already speaks,
// so both protocol adapters share one conversion into Kiro's wire format.
func ToClaudeRequest(req *ChatCompletionRequest) (*claude.MessageRequest, error) {
	out := &claude.MessageRequest{
		Model:  req.Model,
		Stream: req.Stream,
	}

	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	} else {
		out.MaxTokens = 4096
	}
	out.Temperature = req.Temperature
	out.TopP = req.TopP

	if len(req.Stop) > 0 {
		var single string
		if err := json.Unmarshal(req.Stop, &single); err == nil {
			if single != "" {
				out.StopSequences = []string{single}
			}
		} else {
			var many []string
			if err := json.Unmarshal(req.Stop, &many); err == nil {
				out.StopSequences = many
			}
		}
	}

	var systemParts []string
	var messages []claude.Message
	for _, m := range req.Messages {
		if m.Role == "system" {
			systemParts = append(systemParts, contentToText(m.Content))
			continue
		}

		role := m.Role
		if role == "tool" {
			// OpenAI tool results become Claude tool_result blocks on a user turn.
			block := claude.ContentBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   json.RawMessage(mustMarshal(contentToText(m.Content))),
			}
			content, err := json.Marshal([]claude.ContentBlock{block})
			if err != nil {
				return nil, err
			}
			messages = append(messages, claude.Message{Role: "user", Content: content})
			continue
		}

		if len(m.ToolCalls) > 0 {
			var blocks []claude.ContentBlock
			if text := contentToText(m.Content); text != "" {
				blocks = append(blocks, claude.ContentBlock{Type: "text", Text: text})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, claude.ContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: json.RawMessage(tc.Function.Arguments),
				})
			}
			content, err := json.Marshal(blocks)
			if err != nil {
				return nil, err
			}
			messages = append(messages, claude.Message{Role: "assistant", Content: content})
			continue
		}

		content, err := json.Marshal(contentToText(m.Content))
		if err != nil {
			return nil, err
		}
		messages = append(messages, claude.Message{Role: role, Content: content})
	}

	out.Messages = messages
	if len(systemParts) > 0 {
		sysJSON, err := json.Marshal(strings.Join(systemParts, "\n\n"))
		if err != nil {
			return nil, err
		}
		out.System = sysJSON
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, claude.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	return out, nil
}

// contentToText flattens an OpenAI message content field (string or
// []ContentPart) to plain text, images are dropped since the Kiro vendor
// pipeline this proxy fronts is text-only.
func contentToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []ContentPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		var sb strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				sb.WriteString(p.Text)
			}
		}
		return sb.String()
	}
	return ""
}

func mustMarshal(s string) []byte {
	b, err := json.Marshal(s)
	if err != nil {
		return []byte(`""`)
	}
	return b
}

// finishReasonMap translates Claude stop reasons to OpenAI finish reasons.
var finishReasonMap = map[string]string{
	"end_turn":      "stop",
	"stop_sequence": "stop",
	"max_tokens":    "length",
	"tool_use":      "tool_calls",
}

// FinishReason maps a Claude stop_reason to its OpenAI equivalent.
func FinishReason(claudeStopReason string) string {
	if mapped, ok := finishReasonMap[claudeStopReason]; ok {
		return mapped
	}
	return "stop"
}

// FromClaudeResponse builds the non-streaming OpenAI response from an
// aggregated Claude message (the same aggregation the Claude adapter uses
// to collect Kiro's streamed chunks, reused here rather than duplicated).
func FromClaudeResponse(resp *claude.MessageResponse, created int64) *ChatCompletionResponse {
	var text strings.Builder
	var reasoning strings.Builder
	var toolCalls []ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "tool_use":
			toolCalls = append(toolCalls, ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: ToolCallFunction{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}

	msg := ResponseMessage{Role: "assistant", Content: text.String(), ReasoningContent: reasoning.String()}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
	}

	return &ChatCompletionResponse{
		ID:      GenerateCompletionID(),
		Object:  "chat.completion",
		Created: created,
		Model:   resp.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: FinishReason(resp.StopReason),
		}},
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}
