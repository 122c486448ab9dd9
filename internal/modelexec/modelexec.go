// Package modelexec executes prompts against an AI model and reports
// token usage. The consensus engine treats it as a black box.
package modelexec

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/avery/foreman/internal/logging"
)

// Result is one model execution's output and usage.
type Result struct {
	Output       string
	InputTokens  int64
	OutputTokens int64
	Duration     time.Duration
}

// Executor runs a prompt on a named model.
type Executor interface {
	Execute(ctx context.Context, model, prompt string) (*Result, error)
}

// Anthropic executes prompts through the Anthropic Messages API.
type Anthropic struct {
	client    anthropic.Client
	maxTokens int64
	log       *logging.Logger
}

// NewAnthropic creates an Anthropic executor. An empty apiKey falls
// back to ANTHROPIC_API_KEY.
func NewAnthropic(apiKey string, maxTokens int64) (*Anthropic, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("modelexec: ANTHROPIC_API_KEY is not set")
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Anthropic{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		maxTokens: maxTokens,
		log:       logging.Component("modelexec"),
	}, nil
}

// Execute sends the prompt and returns the concatenated text output
// with the response's token usage.
func (a *Anthropic) Execute(ctx context.Context, model, prompt string) (*Result, error) {
	start := time.Now()
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("modelexec: %s: %w", model, err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}

	res := &Result{
		Output:       sb.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Duration:     time.Since(start),
	}
	a.log.Event("debug").
		Str("model", model).
		Int64("input_tokens", res.InputTokens).
		Int64("output_tokens", res.OutputTokens).
		Dur("duration", res.Duration).
		Msg("execution complete")
	return res, nil
}
