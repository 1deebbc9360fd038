package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowstate-io/flowstate/types"
)

// KindLLM calls an external text-generation service. The service itself
// is opaque to the engine and injected as a TextGenerator.
const KindLLM = "llm-prompt"

// TextGenerator is the boundary to whatever generation backend the
// embedding application provides.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// TextGeneratorFunc adapts a function to TextGenerator.
type TextGeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f TextGeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

type llmConfig struct {
	Prompt string `mapstructure:"prompt"`
}

// LLMHandler renders the configured prompt against the input context and
// forwards it to the generator. Placeholders of the form {{key}} expand
// to the stringified input value under that key.
type LLMHandler struct {
	gen TextGenerator
}

func NewLLMHandler(gen TextGenerator) *LLMHandler { return &LLMHandler{gen: gen} }

func (h *LLMHandler) Kind() string { return KindLLM }

func (h *LLMHandler) Execute(ctx context.Context, node types.Node, input map[string]interface{}) (*Result, error) {
	if h.gen == nil {
		return nil, fmt.Errorf("llm node %s: no text generator configured", node.ID)
	}
	var cfg llmConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Prompt == "" {
		return nil, fmt.Errorf("llm node %s: prompt is required", node.ID)
	}

	prompt := renderPrompt(cfg.Prompt, input)
	text, err := h.gen.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}
	return &Result{Output: map[string]interface{}{"text": text, "prompt": prompt}}, nil
}

func renderPrompt(tmpl string, input map[string]interface{}) string {
	out := tmpl
	for k, v := range input {
		placeholder := "{{" + k + "}}"
		if strings.Contains(out, placeholder) {
			out = strings.ReplaceAll(out, placeholder, fmt.Sprint(v))
		}
	}
	return out
}
