package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"
	"golang.org/x/time/rate"

	"github.com/mohans/researchx/internal/logger"
	"github.com/mohans/researchx/researchx"
)

const researchPrompt = `You are a research analyst. Answer the user's question with a report in Markdown.
Start with a "## Summary" section of two or three sentences, then a "## Key Findings" section
as a bulleted list, then any supporting detail. Cite your sources.`

// ResearchClient runs research queries against a chat completion API.
type ResearchClient struct {
	client      openai.Client
	quickModel  string
	deepModel   string
	timeout     time.Duration
	deepTimeout time.Duration
	limiter     *rate.Limiter
	log         logger.Logger
}

func NewResearchClient(cfg Config, log logger.Logger) (*ResearchClient, error) {
	cfg.setDefaults()
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &ResearchClient{
		client:      client,
		quickModel:  cfg.QuickModel,
		deepModel:   cfg.DeepModel,
		timeout:     cfg.Timeout,
		deepTimeout: cfg.DeepTimeout,
		limiter:     newLimiter(cfg.RequestsPerSecond),
		log:         logger.OrNop(log).With(logger.String("component", "research_worker")),
	}, nil
}

func (c *ResearchClient) Research(ctx context.Context, query string, depth researchx.Depth) (*researchx.WorkerOutput, error) {
	model, timeout := c.quickModel, c.timeout
	if depth == researchx.DepthDeep {
		model, timeout = c.deepModel, c.deepTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := wait(ctx, c.limiter); err != nil {
		return nil, err
	}

	start := time.Now()
	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(researchPrompt),
			openai.UserMessage(query),
		},
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: no completion choices returned", researchx.ErrUpstream)
	}

	out := &researchx.WorkerOutput{
		Content:   completion.Choices[0].Message.Content,
		Citations: citationsFromRaw(completion.RawJSON()),
	}
	c.log.Debug("research completion received",
		logger.String("model", model),
		logger.Int("citations", len(out.Citations)),
		logger.Duration("took", time.Since(start)),
	)
	return out, nil
}

var _ researchx.RemoteWorker = (*ResearchClient)(nil)
