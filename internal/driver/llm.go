package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ucplabs/ucp/internal/provider"
	"github.com/ucplabs/ucp/internal/tokens"
)

// ChatCaller is the slice of the provider client the llm driver needs.
type ChatCaller interface {
	Chat(ctx context.Context, req provider.ChatRequest) (*provider.ChatResult, error)
}

// LLMDriver routes llm.invoke/analyze/generate/summarize ops to the
// configured provider. Every output carries a tokens block (input, output,
// saved) using provider-reported counts when available and local estimates
// otherwise.
type LLMDriver struct {
	client ChatCaller
	model  string
}

func NewLLMDriver(client ChatCaller, model string) *LLMDriver {
	return &LLMDriver{client: client, model: model}
}

func (d *LLMDriver) Name() string { return "llm" }

func (d *LLMDriver) Call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	switch method {
	case "invoke":
		return d.invoke(ctx, args)
	case "analyze":
		data, err := json.MarshalIndent(args["data"], "", "  ")
		if err != nil {
			return nil, fmt.Errorf("llm.analyze: encode data: %w", err)
		}
		prompt := fmt.Sprintf("%s\n\nData to analyze:\n%s", stringArg(args, "instruction"), data)
		return d.invokePrompt(ctx, args, prompt)
	case "generate":
		prompt := stringArg(args, "template")
		if vars, ok := args["variables"].(map[string]any); ok {
			for k, v := range vars {
				prompt = strings.ReplaceAll(prompt, "{{"+k+"}}", coerceString(v))
			}
		}
		return d.invokePrompt(ctx, args, prompt)
	case "summarize":
		maxLength := intArg(args, "max_length", 100)
		prompt := fmt.Sprintf("Summarize the following in %d words or less:\n\n%s", maxLength, stringArg(args, "text"))
		return d.invokePrompt(ctx, args, prompt)
	}
	return nil, unknownMethod("llm", method)
}

func (d *LLMDriver) invoke(ctx context.Context, args map[string]any) (map[string]any, error) {
	prompt := stringArg(args, "prompt")
	if prompt == "" {
		return nil, fmt.Errorf("llm.invoke requires a prompt")
	}
	if llmContext := args["context"]; llmContext != nil {
		encoded, err := json.Marshal(llmContext)
		if err != nil {
			return nil, fmt.Errorf("llm.invoke: encode context: %w", err)
		}
		prompt = prompt + "\n\nContext:\n" + string(encoded)
	}
	return d.invokePrompt(ctx, args, prompt)
}

func (d *LLMDriver) invokePrompt(ctx context.Context, args map[string]any, prompt string) (map[string]any, error) {
	if d.client == nil {
		return nil, fmt.Errorf("no provider configured for llm ops")
	}
	model := stringArg(args, "model")
	if model == "" || model == "default" {
		model = d.model
	}

	estimatedInput := tokens.Estimate(prompt)
	result, err := d.client.Chat(ctx, provider.ChatRequest{
		Model:       model,
		Messages:    []provider.ChatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.7,
	})
	if err != nil {
		return nil, err
	}

	inputTokens := estimatedInput
	outputTokens := tokens.Estimate(result.Content)
	if result.Usage != nil {
		inputTokens = result.Usage.PromptTokens
		outputTokens = result.Usage.CompletionTokens
	}
	saved := 0
	if boolArg(args, "cached") {
		saved = inputTokens
	}

	return map[string]any{
		"response": result.Content,
		"tokens": map[string]any{
			"input":  inputTokens,
			"output": outputTokens,
			"saved":  saved,
		},
	}, nil
}
