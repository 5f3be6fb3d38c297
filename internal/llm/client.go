// Package llm provides the single schema-constrained model call the
// classifier, extractors, thread parser, and merger share. Each of those is
// just a different prompt pair and response shape passed through Complete.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

const (
	// DefaultModelID is the default Bedrock model.
	DefaultModelID = "anthropic.claude-haiku-4-5-20251001-v1:0"
	// DefaultDeadline bounds one model invocation.
	DefaultDeadline = 30 * time.Second
	// maxTokens bounds the response size for every call.
	maxTokens = 2048
	// anthropicVersion is the required API version for Claude on Bedrock.
	anthropicVersion = "bedrock-2023-05-31"
)

// Error types for model calls.
var (
	// ErrUnavailable wraps transport and provider failures, including the
	// call deadline expiring.
	ErrUnavailable = errors.New("model unavailable")
	// ErrBadResponse means the model replied but its output failed to parse
	// as the requested shape.
	ErrBadResponse = errors.New("model response failed validation")
)

// Completer is the call interface components depend on.
type Completer interface {
	// Complete sends the prompts and unmarshals the model's JSON reply into
	// out. Callers validate out and fall back on any error.
	Complete(ctx context.Context, systemPrompt, userPrompt string, out any) error
}

// BedrockInvoker abstracts Bedrock model invocation for dependency inversion.
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config holds client configuration.
type Config struct {
	ModelID  string
	Deadline time.Duration
}

// Client invokes Claude models on Amazon Bedrock.
type Client struct {
	client   BedrockInvoker
	modelID  string
	deadline time.Duration
}

// NewClient creates a Client.
func NewClient(client BedrockInvoker, cfg Config) *Client {
	modelID := cfg.ModelID
	if modelID == "" {
		modelID = DefaultModelID
	}
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Client{client: client, modelID: modelID, deadline: deadline}
}

// claudeRequest is the Claude Messages API request format for Bedrock.
type claudeRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	System           string    `json:"system,omitempty"`
	Messages         []message `json:"messages"`
}

// message represents a message in the Claude Messages API.
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// claudeResponse is the Claude Messages API response format.
type claudeResponse struct {
	Content []contentBlock `json:"content"`
}

// contentBlock represents a content block in the response.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// jsonOnlyInstruction is appended to every system prompt so replies stay
// machine-parseable.
const jsonOnlyInstruction = "\n\nRespond with a single JSON document matching the requested shape. No prose before or after the JSON."

// Complete implements Completer.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	reqBody, err := json.Marshal(claudeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		System:           systemPrompt + jsonOnlyInstruction,
		Messages: []message{
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	modelID := c.modelID
	output, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId: &modelID,
		Body:    reqBody,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var resp claudeResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return fmt.Errorf("%w: unmarshal envelope: %v", ErrBadResponse, err)
	}
	if len(resp.Content) == 0 {
		return fmt.Errorf("%w: empty content", ErrBadResponse)
	}

	doc := extractJSON(resp.Content[0].Text)
	if doc == "" {
		return fmt.Errorf("%w: no JSON document in reply", ErrBadResponse)
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return nil
}

// extractJSON returns the first JSON object or array in text. Models
// occasionally wrap output in fences or a sentence despite instructions.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}

	open := text[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
