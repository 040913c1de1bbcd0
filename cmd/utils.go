package cmd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"strings"

	"chat-backend/internal/chat"
	"chat-backend/internal/llm"
	"chat-backend/internal/storage"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/joho/godotenv"
	"github.com/openai/openai-go/option"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// ModelConfig selects the chat provider and, optionally, the model used to
// title conversations.
type ModelConfig struct {
	Provider           string `env:"LLM_PROVIDER" envDefault:"openai"`
	Model              string `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIAPIKey       string `env:"OPENAI_API_KEY"`
	AnthropicAPIKey    string `env:"ANTHROPIC_API_KEY"`
	BedrockModelID     string `env:"BEDROCK_MODEL_ID" envDefault:"anthropic.claude-3-haiku-20240307-v1:0"`
	AWSRegion          string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	TitleModel         string `env:"TITLE_MODEL"`
}

func newBedrockClient(ctx context.Context, cfg ModelConfig) (*llm.BedrockClient, error) {
	awsCfg, err := storage.LoadAWSConfig(ctx, cfg.AWSRegion, cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey)
	if err != nil {
		return nil, err
	}
	return llm.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModelID), nil
}

// NewStreamingClient builds the provider client once at startup. The returned
// name is recorded with every assistant message.
func NewStreamingClient(ctx context.Context, cfg ModelConfig) (llm.StreamingClient, string, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, "", fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
		client, err := llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.Model)
		if err != nil {
			return nil, "", err
		}
		return client, client.Name(), nil
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, "", fmt.Errorf("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
		client, err := llm.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.Model)
		if err != nil {
			return nil, "", err
		}
		return client, client.Name(), nil
	case "bedrock":
		client, err := newBedrockClient(ctx, cfg)
		if err != nil {
			return nil, "", err
		}
		return client, "bedrock/" + cfg.BedrockModelID, nil
	case "echo":
		slog.Warn("using echo provider, responses repeat the user message")
		return &llm.EchoClient{}, "echo", nil
	default:
		return nil, "", fmt.Errorf("unknown LLM_PROVIDER %q", cfg.Provider)
	}
}

// NewTitler returns nil when TITLE_MODEL is unset, which disables automatic
// titles.
func NewTitler(ctx context.Context, cfg ModelConfig) (llm.Titler, error) {
	if cfg.TitleModel == "" {
		return nil, nil
	}

	if strings.ToLower(cfg.Provider) == "bedrock" {
		client, err := newBedrockClient(ctx, ModelConfig{
			AWSRegion:          cfg.AWSRegion,
			AWSAccessKeyID:     cfg.AWSAccessKeyID,
			AWSSecretAccessKey: cfg.AWSSecretAccessKey,
			BedrockModelID:     cfg.TitleModel,
		})
		if err != nil {
			return nil, err
		}
		return llm.NewBedrockTitler(client), nil
	}

	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required for TITLE_MODEL")
	}
	return llm.NewOpenAITitler(cfg.TitleModel, option.WithAPIKey(cfg.OpenAIAPIKey)), nil
}

type ArchiveConfig struct {
	Bucket             string `env:"ARCHIVE_BUCKET" envDefault:"transcripts"`
	Dir                string `env:"ARCHIVE_DIR"`
	S3EndpointURL      string `env:"S3_ENDPOINT_URL"`
	AWSRegion          string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
}

// NewArchiver stores deleted transcripts in S3 when S3_ENDPOINT_URL is set,
// in ARCHIVE_DIR when that is set, and nowhere otherwise.
func NewArchiver(ctx context.Context, cfg ArchiveConfig) (*chat.Archiver, error) {
	var objects storage.ObjectStore
	switch {
	case cfg.S3EndpointURL != "":
		s3Store, err := storage.NewS3ObjectStore(ctx, storage.S3ClientConfig{
			Endpoint:        cfg.S3EndpointURL,
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		objects = s3Store
	case cfg.Dir != "":
		localStore, err := storage.NewLocalObjectStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		objects = localStore
	default:
		return nil, nil
	}

	if err := objects.CreateBucket(ctx, cfg.Bucket); err != nil {
		return nil, fmt.Errorf("error creating archive bucket %s: %w", cfg.Bucket, err)
	}
	return chat.NewArchiver(objects, cfg.Bucket), nil
}
