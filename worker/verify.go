package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"
	"golang.org/x/time/rate"

	"github.com/mohans/researchx/internal/logger"
	"github.com/mohans/researchx/researchx"
	"github.com/mohans/researchx/verify"
)

const verifyPrompt = `You fact-check a single claim. Search for current evidence and reply with one JSON object:
{"status": "verified|reliable|unreliable|unable_to_verify",
 "confidence": 0-100,
 "summary": "one or two sentences",
 "sources": ["url", ...],
 "freshness": "fresh|dated|stale",
 "freshness_reason": "why the data is or is not current",
 "data_date": "date of the underlying data, if known"}`

// VerifyClient checks claims against a chat completion API.
type VerifyClient struct {
	client  openai.Client
	model   string
	limiter *rate.Limiter
	log     logger.Logger
}

func NewVerifyClient(cfg Config, log logger.Logger) (*VerifyClient, error) {
	cfg.setDefaults()
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &VerifyClient{
		client:  client,
		model:   cfg.VerifyModel,
		limiter: newLimiter(cfg.RequestsPerSecond),
		log:     logger.OrNop(log).With(logger.String("component", "verify_worker")),
	}, nil
}

// Verify asks for a JSON verdict. Per-attempt deadlines come from the caller.
func (c *VerifyClient) Verify(ctx context.Context, text, title string) (*verify.Verdict, error) {
	if err := wait(ctx, c.limiter); err != nil {
		return nil, err
	}
	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(verifyPrompt),
			openai.UserMessage(claimMessage(text, title)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		},
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: no completion choices returned", researchx.ErrUpstream)
	}

	verdict, err := parseVerdict(completion.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	if len(verdict.Sources) == 0 {
		verdict.Sources = citationsFromRaw(completion.RawJSON())
	}
	c.log.Debug("verdict received", logger.String("status", verdict.Status), logger.Any("confidence", verdict.Confidence))
	return verdict, nil
}

func claimMessage(text, title string) string {
	if title == "" {
		return "Claim: " + text
	}
	return "Claim title: " + title + "\nClaim: " + text
}

// parseVerdict decodes a verdict, tolerating a Markdown code fence around
// the JSON.
func parseVerdict(content string) (*verify.Verdict, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	var v verify.Verdict
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("%w: invalid verdict JSON: %v", researchx.ErrUpstream, err)
	}
	return &v, nil
}

var _ verify.Worker = (*VerifyClient)(nil)
