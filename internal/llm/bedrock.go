package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

type BedrockAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
	InvokeModelWithResponseStream(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
}

// bedrockEventStream is the part of the SDK's response event stream that the
// client reads.
type bedrockEventStream interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

// BedrockClient streams Anthropic models hosted on Amazon Bedrock.
type BedrockClient struct {
	api         BedrockAPI
	modelID     string
	maxTokens   int
	temperature float64

	openStream func(ctx context.Context, input *bedrockruntime.InvokeModelWithResponseStreamInput) (bedrockEventStream, error)
}

var _ StreamingClient = (*BedrockClient)(nil)

func NewBedrockClient(api BedrockAPI, modelID string) *BedrockClient {
	return &BedrockClient{
		api:         api,
		modelID:     modelID,
		maxTokens:   DefaultMaxTokens,
		temperature: DefaultTemperature,
		openStream: func(ctx context.Context, input *bedrockruntime.InvokeModelWithResponseStreamInput) (bedrockEventStream, error) {
			out, err := api.InvokeModelWithResponseStream(ctx, input)
			if err != nil {
				return nil, err
			}
			return out.GetStream(), nil
		},
	}
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      float64          `json:"temperature"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockChunk struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func buildBedrockBody(history []Turn, systemPrompt string, maxTokens int, temperature float64) ([]byte, error) {
	req := bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        maxTokens,
		Temperature:      temperature,
		System:           systemPrompt,
		Messages:         make([]bedrockMessage, 0, len(history)),
	}
	// Anthropic takes the system prompt out of band.
	for _, turn := range history {
		if turn.Role == RoleSystem {
			continue
		}
		req.Messages = append(req.Messages, bedrockMessage{Role: string(turn.Role), Content: turn.Content})
	}
	return json.Marshal(req)
}

// parseBedrockChunk returns the text carried by a stream chunk, or "" for
// chunks that carry none (message_start, content_block_stop, ...).
func parseBedrockChunk(data []byte) (string, error) {
	var chunk bedrockChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", fmt.Errorf("error decoding bedrock chunk: %w", err)
	}
	if chunk.Type == "error" && chunk.Error != nil {
		return "", fmt.Errorf("bedrock stream error %s: %s", chunk.Error.Type, chunk.Error.Message)
	}
	if chunk.Type != "content_block_delta" {
		return "", nil
	}
	return chunk.Delta.Text, nil
}

func (c *BedrockClient) Stream(ctx context.Context, history []Turn, systemPrompt string) Fragments {
	return func(yield func(string, error) bool) {
		fail := func(err error) {
			slog.Error("bedrock stream failed", "model", c.modelID, "error", err)
			yield("", fmt.Errorf("bedrock: %w", upstreamError(err)))
		}

		body, err := buildBedrockBody(history, systemPrompt, c.maxTokens, c.temperature)
		if err != nil {
			fail(err)
			return
		}

		stream, err := c.openStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(c.modelID),
			Body:        body,
			Accept:      aws.String("application/json"),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			fail(err)
			return
		}
		defer stream.Close()

		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			text, err := parseBedrockChunk(chunk.Value.Bytes)
			if err != nil {
				fail(err)
				return
			}
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			fail(err)
			return
		}
		if err := ctx.Err(); err != nil {
			fail(err)
		}
	}
}

// Complete runs a single non-streaming request and returns the first text
// block of the response.
func (c *BedrockClient) Complete(ctx context.Context, systemPrompt, prompt string, maxTokens int, temperature float64) (string, error) {
	body, err := buildBedrockBody([]Turn{{Role: RoleUser, Content: prompt}}, systemPrompt, maxTokens, temperature)
	if err != nil {
		return "", err
	}

	out, err := c.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.modelID),
		Body:        body,
		Accept:      aws.String("application/json"),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", upstreamError(err)
	}

	var resp bedrockResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", upstreamError(fmt.Errorf("error decoding bedrock response: %w", err))
	}
	if len(resp.Content) == 0 {
		return "", upstreamError(errors.New("bedrock response has no content"))
	}
	return resp.Content[0].Text, nil
}
