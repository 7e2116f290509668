package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ashureev/supportdesk/internal/catalog"
	"github.com/containerd/errdefs"
	openai "github.com/sashabaranov/go-openai"
)

// ChatCompleter is the subset of the OpenAI client used here.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI resolves and classifies through chat completions.
type OpenAI struct {
	client ChatCompleter
	model  string
}

// NewOpenAI creates an OpenAI-backed resolver. baseURL may be empty.
func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model}
}

// NewOpenAIWithClient wires a custom completer, used by tests.
func NewOpenAIWithClient(client ChatCompleter, model string) *OpenAI {
	return &OpenAI{client: client, model: model}
}

func (o *OpenAI) complete(ctx context.Context, system, user string, temperature float32, maxTokens int, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusUnauthorized {
			return "", fmt.Errorf("chat completion: %w", errdefs.ErrUnauthenticated)
		}
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: %w", errdefs.ErrUnavailable)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// IsGreeting classifies text as a salutation.
func (o *OpenAI) IsGreeting(ctx context.Context, text string) (bool, error) {
	raw, err := o.complete(ctx,
		"Decide whether the user's message is a greeting or salutation in any language. "+
			`Respond with ONLY this JSON: {"is_greeting": true/false}`,
		text, 0, 20, true)
	if err != nil {
		return false, err
	}
	var out greetingResponse
	if err := json.Unmarshal([]byte(stripFence(raw)), &out); err != nil {
		return false, fmt.Errorf("decode greeting verdict: %w", err)
	}
	return out.IsGreeting, nil
}

// DetectLanguage names the language of text.
func (o *OpenAI) DetectLanguage(ctx context.Context, text string) (string, error) {
	raw, err := o.complete(ctx,
		`Detect the language of the following text. Respond with ONLY: {"language": "<language_name>", "code": "<iso_code>"}`,
		text, 0, 50, true)
	if err != nil {
		return "", err
	}
	var out languageResponse
	if err := json.Unmarshal([]byte(stripFence(raw)), &out); err != nil {
		return "", fmt.Errorf("decode language: %w", err)
	}
	return out.Language, nil
}

// ResolveStep classifies telecom relevance and generates the next troubleshooting step.
func (o *OpenAI) ResolveStep(ctx context.Context, req StepRequest) (StepResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an expert telecom customer support agent. The customer selected sector %q and issue type %q.\n", req.SectorName, req.SubprocessName)
	b.WriteString("First decide whether the complaint is telecom-related. Complaints reached through this menu are telecom-related unless they are explicitly about another industry.\n")
	b.WriteString("If it is, give an empathetic acknowledgement and 4-6 clear, actionable self-help steps.\n")
	if len(req.PreviousSolutions) > 0 {
		fmt.Fprintf(&b, "This is attempt %d. The customer already tried the following and it did not help, so do not repeat it:\n", req.Attempt)
		for i, s := range req.PreviousSolutions {
			fmt.Fprintf(&b, "--- previous step %d ---\n%s\n", i+1, s)
		}
	}
	if catalog.IsOther(req.SubprocessName) {
		b.WriteString("The issue type is a catch-all, so also name the specific issue type in identified_subprocess.\n")
	}
	fmt.Fprintf(&b, "Respond entirely in %s. ", req.Language)
	b.WriteString(`Respond with ONLY this JSON: {"is_telecom": true/false, "resolution": "<text>", "identified_subprocess": "<name or empty>"}`)

	raw, err := o.complete(ctx, b.String(), req.Query, 0.4, 1000, true)
	if err != nil {
		return StepResult{}, fmt.Errorf("resolve step: %w", err)
	}
	var out StepResult
	if err := json.Unmarshal([]byte(stripFence(raw)), &out); err != nil {
		return StepResult{}, fmt.Errorf("decode resolution: %w", err)
	}
	if out.IsTelecom && strings.TrimSpace(out.Resolution) == "" {
		return StepResult{}, fmt.Errorf("resolve step: empty resolution")
	}
	return out, nil
}

// stripFence removes a markdown code fence some models wrap JSON in.
func stripFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimPrefix(raw, "json")
	if i := strings.LastIndex(raw, "```"); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSpace(raw)
}

var (
	_ Resolver   = (*OpenAI)(nil)
	_ Classifier = (*OpenAI)(nil)
)
