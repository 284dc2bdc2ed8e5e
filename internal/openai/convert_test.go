package openai

import (
	"encoding/json"
	"testing"

	"github.com/anthropics/AIClient-2-API/internal/claude"
)

func TestToClaudeRequestExtractsSystemAndMessages(t *testing.T) {
	req := &ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []ChatMessage{
			{Role: "system", Content: json.RawMessage(`"be terse"`)},
			{Role: "user", Content: json.RawMessage(`"hello"`)},
		},
	}

	out, err := ToClaudeRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.GetSystemString() != "be terse" {
		t.Fatalf("expected system prompt extracted, got %q", out.GetSystemString())
	}
	if len(out.Messages) != 1 || out.Messages[0].GetContentString() != "hello" {
		t.Fatalf("expected single user message 'hello', got %+v", out.Messages)
	}
}

func TestToClaudeRequestDefaultsMaxTokens(t *testing.T) {
	req := &ChatCompletionRequest{Model: "gpt-4o", Messages: []ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}}}
	out, err := ToClaudeRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.MaxTokens != 4096 {
		t.Fatalf("expected default max_tokens 4096, got %d", out.MaxTokens)
	}
}

func TestToClaudeRequestToolCallRoundTrip(t *testing.T) {
	req := &ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []ChatMessage{
			{Role: "user", Content: json.RawMessage(`"what's the weather"`)},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "call_1", Type: "function", Function: ToolCallFunction{Name: "get_weather", Arguments: `{"city":"nyc"}`}}}},
			{Role: "tool", ToolCallID: "call_1", Content: json.RawMessage(`"72F and sunny"`)},
		},
	}

	out, err := ToClaudeRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("expected 3 translated messages, got %d", len(out.Messages))
	}
	if out.Messages[2].Role != "user" {
		t.Fatalf("expected tool result translated onto a user turn, got role %q", out.Messages[2].Role)
	}
}

func TestFinishReasonMapping(t *testing.T) {
	cases := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"tool_use":      "tool_calls",
		"unknown":       "stop",
	}
	for in, want := range cases {
		if got := FinishReason(in); got != want {
			t.Fatalf("FinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFromClaudeResponseAggregatesTextAndTools(t *testing.T) {
	resp := &claude.MessageResponse{
		Model:      "gpt-4o",
		StopReason: "tool_use",
		Content: []claude.ContentBlock{
			{Type: "text", Text: "looking it up"},
			{Type: "tool_use", ID: "call_1", Name: "get_weather", Input: json.RawMessage(`{"city":"nyc"}`)},
		},
		Usage: claude.Usage{InputTokens: 10, OutputTokens: 5},
	}

	out := FromClaudeResponse(resp, 1700000000)
	if out.Choices[0].Message.Content != "looking it up" {
		t.Fatalf("expected text content preserved, got %q", out.Choices[0].Message.Content)
	}
	if len(out.Choices[0].Message.ToolCalls) != 1 || out.Choices[0].Message.ToolCalls[0].Function.Name != "get_weather" {
		t.Fatalf("expected tool call translated, got %+v", out.Choices[0].Message.ToolCalls)
	}
	if out.Choices[0].FinishReason != "tool_calls" {
		t.Fatalf("expected finish_reason tool_calls, got %q", out.Choices[0].FinishReason)
	}
	if out.Usage.TotalTokens != 15 {
		t.Fatalf("expected total_tokens 15, got %d", out.Usage.TotalTokens)
	}
}
