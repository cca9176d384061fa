package provider

import (
	"context"
	"errors"

	"github.com/mserban/vatra/config"
	openai_provider "github.com/mserban/vatra/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
)

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are per-call model parameters.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Provider is the interface all LLM implementations must satisfy.
type Provider interface {
	// Chat sends a conversation and returns the full completion.
	Chat(ctx context.Context, messages []Message, opts Options) (string, error)
	// ChatStream sends a conversation and invokes onDelta for every token
	// fragment as it arrives; the accumulated text is returned.
	ChatStream(ctx context.Context, messages []Message, opts Options, onDelta func(string)) (string, error)
}

// NewProvider creates an LLM client from configuration.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch Client(cfg.Provider) {
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("llm api key not set")
		}
		return openaiAdapter{openai_provider.NewClient(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Timeout)}, nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	default:
		return nil, errors.New("unsupported LLM provider")
	}
}

type openaiAdapter struct {
	c *openai_provider.Client
}

func (a openaiAdapter) Chat(ctx context.Context, messages []Message, opts Options) (string, error) {
	return a.c.Chat(ctx, toWire(messages), toWireOpts(opts))
}

func (a openaiAdapter) ChatStream(ctx context.Context, messages []Message, opts Options, onDelta func(string)) (string, error) {
	return a.c.ChatStream(ctx, toWire(messages), toWireOpts(opts), onDelta)
}

func toWire(messages []Message) []openai_provider.Message {
	out := make([]openai_provider.Message, len(messages))
	for i, m := range messages {
		out[i] = openai_provider.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func toWireOpts(opts Options) openai_provider.Options {
	return openai_provider.Options{Model: opts.Model, Temperature: opts.Temperature, MaxTokens: opts.MaxTokens}
}

// ToMessages converts role/content pairs without importing this package's
// consumers into openai's wire types.
func ToMessages(system string, user string) []Message {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	msgs = append(msgs, Message{Role: "user", Content: user})
	return msgs
}
