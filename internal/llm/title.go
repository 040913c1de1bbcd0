package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	MaxTitleLength   = 80
	UntitledTitle    = "Untitled"
	titleMaxTokens   = 40
	titleTemperature = 0.2
	titleTimeout     = 30 * time.Second
)

const titleSystemPrompt = "You are a title generator for chat conversations.\n" +
	"Return ONLY the title text (no quotes, no markdown, no punctuation at the end).\n" +
	"Title must be short (3-7 words). Use the user's language.\n"

func titlePrompt(userMsg, assistantMsg string) string {
	return fmt.Sprintf("Create a short conversation title.\n\nUser message:\n%s\n\nAssistant response:\n%s\n", userMsg, assistantMsg)
}

// ClampTitle collapses whitespace and caps the title at MaxTitleLength runes.
// An empty result becomes UntitledTitle.
func ClampTitle(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return UntitledTitle
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		title = string([]rune(title)[:MaxTitleLength])
	}
	return title
}

type Titler interface {
	// Title summarizes the first exchange of a conversation.
	Title(ctx context.Context, userMsg, assistantMsg string) (string, error)
}

type OpenAITitler struct {
	client openai.Client
	model  string
}

var _ Titler = (*OpenAITitler)(nil)

func NewOpenAITitler(model string, opts ...option.RequestOption) *OpenAITitler {
	return &OpenAITitler{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (o *OpenAITitler) Title(ctx context.Context, userMsg, assistantMsg string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	res, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(titleSystemPrompt),
			openai.UserMessage(titlePrompt(userMsg, assistantMsg)),
		},
		Temperature: openai.Float(titleTemperature),
		MaxTokens:   openai.Int(titleMaxTokens),
	})
	if err != nil {
		slog.Error("openai error: title completion failed", "error", err)
		return "", fmt.Errorf("title generation failed: %w", upstreamError(err))
	}
	if len(res.Choices) == 0 {
		return UntitledTitle, nil
	}

	return ClampTitle(res.Choices[0].Message.Content), nil
}

type BedrockTitler struct {
	client *BedrockClient
}

var _ Titler = (*BedrockTitler)(nil)

func NewBedrockTitler(client *BedrockClient) *BedrockTitler {
	return &BedrockTitler{client: client}
}

func (b *BedrockTitler) Title(ctx context.Context, userMsg, assistantMsg string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	text, err := b.client.Complete(ctx, titleSystemPrompt, titlePrompt(userMsg, assistantMsg), titleMaxTokens, titleTemperature)
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}
	return ClampTitle(text), nil
}
