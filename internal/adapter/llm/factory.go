package llm

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/ross-commits/talk-to-claude/internal/domain"
	"github.com/ross-commits/talk-to-claude/internal/infra/config"
)

// Factory mints one ClaudeBrain per call over a single shared Bedrock
// runtime client. History lives in the brain, so calls never share
// conversation state, but they do share the HTTP client pool and the
// credential chain.
type Factory struct {
	cfg          config.BrainConfig
	systemPrompt string
	tools        []domain.ToolSchema
	client       converseAPI
	logger       *slog.Logger
}

// NewFactory resolves AWS credentials once. cfg.Region defaults to
// us-east-1, the Bedrock launch region.
func NewFactory(ctx context.Context, cfg config.BrainConfig, systemPrompt string, tools []domain.ToolSchema, logger *slog.Logger) (*Factory, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Factory{
		cfg:          cfg,
		systemPrompt: systemPrompt,
		tools:        tools,
		client:       bedrockruntime.NewFromConfig(awsCfg),
		logger:       logger,
	}, nil
}

// NewBrain satisfies the call manager's brain factory signature.
func (f *Factory) NewBrain() (domain.Brain, error) {
	return newClaudeBrainWithClient(f.cfg, f.systemPrompt, f.tools, f.client, f.logger), nil
}
