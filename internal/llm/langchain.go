package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangChainClient streams from any langchaingo model that supports streaming
// callbacks.
type LangChainClient struct {
	model       llms.Model
	name        string
	maxTokens   int
	temperature float64
}

var _ StreamingClient = (*LangChainClient)(nil)

func NewLangChainClient(model llms.Model, name string) *LangChainClient {
	return &LangChainClient{
		model:       model,
		name:        name,
		maxTokens:   DefaultMaxTokens,
		temperature: DefaultTemperature,
	}
}

func NewOpenAIClient(apiKey, model string) (*LangChainClient, error) {
	client, err := openai.New(openai.WithToken(apiKey), openai.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("could not create OpenAI client: %w", err)
	}
	return NewLangChainClient(client, "openai/"+model), nil
}

func NewAnthropicClient(apiKey, model string) (*LangChainClient, error) {
	client, err := anthropic.New(anthropic.WithToken(apiKey), anthropic.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("could not create Anthropic client: %w", err)
	}
	return NewLangChainClient(client, "anthropic/"+model), nil
}

func (c *LangChainClient) Name() string {
	return c.name
}

func toMessageContent(history []Turn, systemPrompt string) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	}
	for _, turn := range history {
		switch turn.Role {
		case RoleUser:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, turn.Content))
		case RoleAssistant:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeAI, turn.Content))
		case RoleSystem:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, turn.Content))
		}
	}
	return messages
}

func (c *LangChainClient) Stream(ctx context.Context, history []Turn, systemPrompt string) Fragments {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		chunks := make(chan string)
		done := make(chan error, 1)

		go func() {
			_, err := c.model.GenerateContent(ctx, toMessageContent(history, systemPrompt),
				llms.WithMaxTokens(c.maxTokens),
				llms.WithTemperature(c.temperature),
				llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
					if len(chunk) == 0 {
						return nil
					}
					select {
					case chunks <- string(chunk):
						return nil
					case <-ctx.Done():
						return ctx.Err()
					}
				}),
			)
			done <- err
		}()

		for {
			select {
			case chunk := <-chunks:
				if !yield(chunk, nil) {
					return
				}
			case err := <-done:
				if err != nil {
					slog.Error("model stream failed", "model", c.name, "error", err)
					yield("", fmt.Errorf("%s: %w", c.name, upstreamError(err)))
				}
				return
			}
		}
	}
}
