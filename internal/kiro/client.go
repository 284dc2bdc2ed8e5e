// Package kiro provides HTTP client for Kiro API.
package kiro

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client is an HTTP client for the Kiro API.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOptions configures the Kiro HTTP client.
type ClientOptions struct {
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	Timeout             time.Duration
	Logger              *slog.Logger
}

// NewClient creates a new Kiro API client with connection pooling.
func NewClient(opts ClientOptions) *Client {
	transport := &http.Transport{
		MaxIdleConns:        opts.MaxConns,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:     opts.MaxConns,
		IdleConnTimeout:     opts.IdleConnTimeout,
		DisableKeepAlives:   false,
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout, // 0 for streaming
		},
		logger: logger,
	}
}

// APIVersion selects which Kiro wire generation a request targets.
type APIVersion int

const (
	// APIVersionV2 targets the Q endpoint (generateAssistantResponse),
	// used by IAM and builder-id accounts.
	APIVersionV2 APIVersion = iota
	// APIVersionV1 targets the legacy CodeWhisperer endpoint, used by
	// GitHub/Google IDP accounts.
	APIVersionV1
)

// Request represents a request to the Kiro API.
type Request struct {
	Region     string
	ProfileARN string
	Token      string
	Body       []byte
	APIVersion APIVersion
	// Metadata carries request-building diagnostics (original/kiro model
	// names) for logging; it is never sent to the vendor.
	Metadata map[string]string
}

// SendStreamingRequest sends a streaming request to the Kiro API.
// It returns a reader for the response body that must be closed by the caller.
func (c *Client) SendStreamingRequest(ctx context.Context, req *Request) (io.ReadCloser, error) {
	// Build Kiro API URL
	url := buildKiroURL(req.Region, req.APIVersion)

	// Create HTTP request
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/vnd.amazon.eventstream")
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	httpReq.Header.Set("x-amz-profile-arn", req.ProfileARN)

	c.logger.Debug("sending request to Kiro API",
		"url", url,
		"profile_arn", req.ProfileARN,
		"kiro_model", req.Metadata["kiro_model"],
		"original_model", req.Metadata["original_model"],
	)

	// Send request
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	// Check for error responses
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)

		c.logger.Warn("Kiro API error",
			"status", resp.StatusCode,
			"body", string(body),
		)

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	return resp.Body, nil
}

// APIError represents an error from the Kiro API.
type APIError struct {
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("Kiro API error: status %d, body: %s", e.StatusCode, string(e.Body))
}

// IsRateLimited returns true if this is a rate limit error (429).
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsForbidden returns true if this is an authorization error (403).
func (e *APIError) IsForbidden() bool {
	return e.StatusCode == http.StatusForbidden
}

// IsBadRequest returns true if the vendor rejected the request shape (400).
func (e *APIError) IsBadRequest() bool {
	return e.StatusCode == http.StatusBadRequest
}

// IsOverloaded returns true if the vendor is overloaded (502/503/504).
func (e *APIError) IsOverloaded() bool {
	switch e.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsPaymentRequired returns true if the account's quota is exhausted (402).
func (e *APIError) IsPaymentRequired() bool {
	return e.StatusCode == http.StatusPaymentRequired
}

// IsContextTooLong reports whether the vendor rejected the request because
// the conversation exceeds its context window. Kiro signals this as a 400
// carrying a recognizable message rather than a distinct status code.
func (e *APIError) IsContextTooLong() bool {
	if e.StatusCode != http.StatusBadRequest {
		return false
	}
	body := string(e.Body)
	return bytes.Contains([]byte(body), []byte("too long")) ||
		bytes.Contains([]byte(body), []byte("context length")) ||
		bytes.Contains([]byte(body), []byte("CONTENT_LENGTH_EXCEEDS_THRESHOLD"))
}

// MarshalWithoutHTMLEscape marshals v like json.Marshal but leaves
// <, >, and & unescaped. Kiro request bodies routinely carry shell
// commands and code containing these characters verbatim.
func MarshalWithoutHTMLEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// buildKiroURL builds the Kiro API URL for the given region and API
// generation. V1 accounts (GitHub/Google IDP) use the legacy CodeWhisperer
// host; V2 accounts (IAM/builder-id) use the Q host.
func buildKiroURL(region string, version APIVersion) string {
	if region == "" {
		region = "us-east-1"
	}
	if version == APIVersionV1 {
		return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com/generateAssistantResponse", region)
	}
	return fmt.Sprintf("https://q.%s.amazonaws.com/generateAssistantResponse", region)
}

// rawMessage is a Claude message as received: content may be a plain string
// or an array of content blocks.
type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// rawBlock covers every content-block shape BuildRequestBody needs to
// translate: text, thinking, image, tool_use, tool_result.
type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Source    *rawImageSource `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type rawImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type toolUseEntry struct {
	id    string
	name  string
	input json.RawMessage
}

type toolResultEntry struct {
	toolUseID string
	content   string
}

// convMessage is one merged turn of the conversation, after adjacent
// same-role messages have been combined.
type convMessage struct {
	role        string
	textParts   []string
	images      []rawImageSource
	toolUses    []toolUseEntry
	toolResults []toolResultEntry
}

const maxToolNameLen = 64
const maxToolDescLen = 10237
const imageHistoryCutoff = 5

// BuildRequestBody builds the request body for the Kiro API, converting
// Claude-shaped messages and tools into Kiro's conversationState format. It
// returns the marshaled body plus a metadata map (original/kiro model
// names) the caller may use for logging, never sent to the vendor itself.
func BuildRequestBody(model string, messages []byte, maxTokens int, stream bool, system string, profileArn string, tools []byte) ([]byte, map[string]string, error) {
	var raw []rawMessage
	if err := json.Unmarshal(messages, &raw); err != nil {
		return nil, nil, fmt.Errorf("failed to parse messages: %w", err)
	}

	kiroModel := mapModelToKiro(model)
	metadata := map[string]string{"original_model": model, "kiro_model": kiroModel}

	parsed := make([]convMessage, 0, len(raw))
	for _, m := range raw {
		parsed = append(parsed, parseRawMessage(m))
	}
	merged := mergeAdjacentSameRole(parsed)

	var history []convMessage
	var current convMessage
	if len(merged) == 0 {
		current = convMessage{role: "user"}
	} else if merged[len(merged)-1].role == "assistant" {
		history = merged
		current = convMessage{role: "user", textParts: []string{"Continue"}}
	} else {
		history = merged[:len(merged)-1]
		current = merged[len(merged)-1]
	}

	if system != "" {
		if len(raw) == 1 {
			current.textParts = []string{strings.Join([]string{system, joinText(parsed[0].textParts)}, "\n\n")}
		} else if len(history) > 0 && history[0].role == "user" {
			history[0].textParts = []string{strings.Join([]string{system, joinText(history[0].textParts)}, "\n\n")}
		} else if len(history) > 0 {
			history = append([]convMessage{{role: "user", textParts: []string{system}}}, history...)
		} else {
			dup := current
			dup.textParts = []string{strings.Join([]string{system, joinText(current.textParts)}, "\n\n")}
			history = []convMessage{dup}
		}
	}

	conversationID := generateConversationID()
	convState := map[string]interface{}{
		"chatTriggerType": "MANUAL",
		"conversationId":  conversationID,
		"currentMessage":  map[string]interface{}{"userInputMessage": buildUserInputMessage(current, kiroModel, true, tools)},
	}

	if len(history) > 0 {
		historyOut := make([]map[string]interface{}, 0, len(history))
		for i, h := range history {
			distanceFromEnd := len(history) - i
			keepImages := distanceFromEnd <= imageHistoryCutoff
			if h.role == "assistant" {
				historyOut = append(historyOut, map[string]interface{}{"assistantResponseMessage": buildAssistantMessage(h)})
				continue
			}
			historyOut = append(historyOut, map[string]interface{}{"userInputMessage": buildUserInputMessage(h, kiroModel, keepImages, nil)})
		}
		convState["history"] = historyOut
	}

	request := map[string]interface{}{"conversationState": convState}
	if profileArn != "" {
		request["profileArn"] = profileArn
	}

	body, err := json.Marshal(request)
	return body, metadata, err
}

// parseRawMessage normalizes a single Claude message's content (string or
// block array) into its constituent text/image/tool pieces.
func parseRawMessage(m rawMessage) convMessage {
	out := convMessage{role: m.Role}

	var str string
	if err := json.Unmarshal(m.Content, &str); err == nil {
		if str != "" {
			out.textParts = append(out.textParts, str)
		}
		return out
	}

	var blocks []rawBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return out
	}

	var rendered []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			rendered = append(rendered, b.Text)
		case "thinking":
			rendered = append(rendered, "<kiro_thinking>"+b.Thinking+"</kiro_thinking>")
		case "image":
			if b.Source != nil {
				out.images = append(out.images, *b.Source)
			}
		case "tool_use":
			out.toolUses = append(out.toolUses, toolUseEntry{id: b.ID, name: b.Name, input: b.Input})
		case "tool_result":
			out.toolResults = append(out.toolResults, toolResultEntry{toolUseID: b.ToolUseID, content: extractToolResultText(b.Content)})
		}
	}
	if len(rendered) > 0 {
		out.textParts = append(out.textParts, strings.Join(rendered, "\n\n"))
	}
	return out
}

// extractToolResultText extracts the plain-text form of a tool_result
// block's content, which may be a string or a nested content-block array.
func extractToolResultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(content, &str); err == nil {
		return str
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}
	if err := json.Unmarshal(content, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" || b.Type == "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(content)
}

// mergeAdjacentSameRole concatenates consecutive same-role messages (e.g. a
// context message immediately followed by a prompt, or split tool results
// spread across several user turns) into a single turn each.
func mergeAdjacentSameRole(msgs []convMessage) []convMessage {
	var out []convMessage
	for _, m := range msgs {
		if len(out) > 0 && out[len(out)-1].role == m.role {
			last := &out[len(out)-1]
			last.textParts = append(last.textParts, m.textParts...)
			last.images = append(last.images, m.images...)
			last.toolUses = append(last.toolUses, m.toolUses...)
			last.toolResults = append(last.toolResults, m.toolResults...)
			continue
		}
		out = append(out, m)
	}
	return out
}

func joinText(parts []string) string {
	return strings.Join(parts, "\n")
}

// buildUserInputMessage renders a convMessage as a Kiro userInputMessage,
// attaching images/toolResults/tools via userInputMessageContext when
// present.
func buildUserInputMessage(m convMessage, kiroModel string, keepImages bool, tools []byte) map[string]interface{} {
	content := joinText(m.textParts)
	toolResults := dedupeToolResults(m.toolResults)
	if content == "" && len(toolResults) > 0 {
		content = "Tool results provided."
	}

	out := map[string]interface{}{
		"content": content,
		"modelId": kiroModel,
		"origin":  "AI_EDITOR",
	}

	if keepImages && len(m.images) > 0 {
		images := make([]map[string]interface{}, 0, len(m.images))
		for _, src := range m.images {
			images = append(images, map[string]interface{}{
				"format": imageFormat(src.MediaType),
				"source": map[string]interface{}{"bytes": src.Data},
			})
		}
		out["images"] = images
	} else if !keepImages && len(m.images) > 0 {
		out["content"] = content + fmt.Sprintf("\n[This message contains %d image(s), omitted from history]", len(m.images))
	}

	var context map[string]interface{}
	if len(toolResults) > 0 {
		trOut := make([]map[string]interface{}, 0, len(toolResults))
		for _, tr := range toolResults {
			trOut = append(trOut, map[string]interface{}{
				"toolUseId": tr.toolUseID,
				"content":   []map[string]interface{}{{"text": tr.content}},
				"status":    "success",
			})
		}
		context = ensureContext(context)
		context["toolResults"] = trOut
	}
	if toolSpecs := buildToolSpecs(tools); len(toolSpecs) > 0 {
		context = ensureContext(context)
		context["tools"] = toolSpecs
	}
	if context != nil {
		out["userInputMessageContext"] = context
	}
	return out
}

func ensureContext(ctx map[string]interface{}) map[string]interface{} {
	if ctx == nil {
		return map[string]interface{}{}
	}
	return ctx
}

// dedupeToolResults keeps only the first toolResult seen per toolUseId,
// since the vendor rejects duplicate ids (the client only ever asked once).
func dedupeToolResults(results []toolResultEntry) []toolResultEntry {
	seen := make(map[string]bool, len(results))
	out := make([]toolResultEntry, 0, len(results))
	for _, r := range results {
		if seen[r.toolUseID] {
			continue
		}
		seen[r.toolUseID] = true
		out = append(out, r)
	}
	return out
}

func buildAssistantMessage(m convMessage) map[string]interface{} {
	out := map[string]interface{}{"content": joinText(m.textParts)}
	if len(m.toolUses) > 0 {
		uses := make([]map[string]interface{}, 0, len(m.toolUses))
		for _, tu := range m.toolUses {
			input := tu.input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			uses = append(uses, map[string]interface{}{
				"toolUseId": tu.id,
				"name":      tu.name,
				"input":     input,
			})
		}
		out["toolUses"] = uses
	}
	return out
}

func imageFormat(mediaType string) string {
	_, format, found := strings.Cut(mediaType, "/")
	if !found {
		return mediaType
	}
	return format
}

// buildToolSpecs applies the vendor tool rules: drop web_search/websearch,
// truncate over-long names to 64 chars (first 32 + "_" + last 31), and
// normalize descriptions (empty -> placeholder, over-long -> ellipsis-
// truncated at 10 237 chars).
func buildToolSpecs(toolsJSON []byte) []map[string]interface{} {
	if len(toolsJSON) == 0 {
		return nil
	}
	var tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"input_schema"`
	}
	if err := json.Unmarshal(toolsJSON, &tools); err != nil {
		return nil
	}

	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		lower := strings.ToLower(t.Name)
		if lower == "web_search" || lower == "websearch" {
			continue
		}
		name := t.Name
		if len(name) > maxToolNameLen {
			name = name[:32] + "_" + name[len(name)-31:]
		}
		desc := t.Description
		if desc == "" {
			desc = "No description provided"
		} else if len(desc) > maxToolDescLen {
			desc = desc[:maxToolDescLen-1] + "…"
		}
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage("{}")
		}
		out = append(out, map[string]interface{}{
			"toolSpecification": map[string]interface{}{
				"name":        name,
				"description": desc,
				"inputSchema": map[string]interface{}{"json": schema},
			},
		})
	}
	return out
}

// mapModelToKiro maps Claude model names to Kiro model IDs.
// Haiku/Opus use lowercase dot format, Sonnet uses uppercase format.
func mapModelToKiro(model string) string {
	modelMapping := map[string]string{
		// Haiku models - lowercase dot format
		"claude-haiku-4-5":          "claude-haiku-4.5",
		"claude-haiku-4-5-20251001": "claude-haiku-4.5",
		// Opus models - lowercase dot format
		"claude-opus-4-5":          "claude-opus-4.5",
		"claude-opus-4-5-20251101": "claude-opus-4.5",
		// Sonnet models - uppercase format
		"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
		"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
		"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
		"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
	}

	if kiroModel, ok := modelMapping[model]; ok {
		return kiroModel
	}
	// Default to sonnet if unknown
	return "CLAUDE_SONNET_4_5_20250929_V1_0"
}

// generateConversationID generates a unique conversation ID.
func generateConversationID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// Close closes the client and releases resources.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
