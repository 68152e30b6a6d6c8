// Package classifier decides whether a legal-basis article is obligatory or
// complementary to a compliance requirement using the Anthropic API.
package classifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/reqident/internal/apperr"
	"github.com/sells-group/reqident/internal/cost"
	"github.com/sells-group/reqident/internal/model"
	"github.com/sells-group/reqident/internal/resilience"
	"github.com/sells-group/reqident/pkg/anthropic"
)

const verdictTool = "record_verdict"

// Verdict is the structured reply of one classification call.
type Verdict struct {
	IsObligatory    bool `json:"isObligatory"`
	IsComplementary bool `json:"isComplementary"`
}

// Classification maps the verdict to a link tag. Obligatory wins when the
// model sets both flags. ok is false for a "neither" verdict.
func (v Verdict) Classification() (model.Classification, bool) {
	switch {
	case v.IsObligatory:
		return model.ClassificationObligatory, true
	case v.IsComplementary:
		return model.ClassificationComplementary, true
	default:
		return "", false
	}
}

func (v Verdict) label() string {
	if c, ok := v.Classification(); ok {
		return string(c)
	}
	return "none"
}

// Request is one (article, requirement) pair to classify.
type Request struct {
	LegalBasis   model.LegalBasis
	Article      model.Article
	Requirement  model.Requirement
	Intelligence model.IntelligenceLevel
}

// Observer receives classification events, e.g. for metrics.
type Observer interface {
	ClassificationDone(verdict string, d time.Duration)
	ClassificationRetried()
	ClassificationCost(model string, usd float64)
}

type nopObserver struct{}

func (nopObserver) ClassificationDone(string, time.Duration) {}
func (nopObserver) ClassificationRetried()                   {}
func (nopObserver) ClassificationCost(string, float64)       {}

// Config selects models and the retry policy.
type Config struct {
	HighModel string
	LowModel  string
	MaxTokens int64
	// RequestsPerSecond caps calls across all workers in this process. Zero
	// disables the limiter.
	RequestsPerSecond float64
	Retry             resilience.RetryConfig
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithObserver installs an Observer.
func WithObserver(o Observer) Option {
	return func(c *Classifier) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithCostCalculator prices every answered call and reports it to the
// observer.
func WithCostCalculator(calc *cost.Calculator) Option {
	return func(c *Classifier) {
		c.costs = calc
	}
}

// Classifier is safe for concurrent use. It holds no per-call state.
type Classifier struct {
	ai       anthropic.Client
	cfg      Config
	limiter  *rate.Limiter
	observer Observer
	costs    *cost.Calculator
	system   []anthropic.SystemBlock
}

// New creates a Classifier over ai.
func New(ai anthropic.Client, cfg Config, opts ...Option) *Classifier {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	c := &Classifier{
		ai:       ai,
		cfg:      cfg,
		observer: nopObserver{},
		system:   anthropic.BuildCachedSystemBlocks(systemPrompt),
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the model used for level.
func (c *Classifier) Model(level model.IntelligenceLevel) string {
	if level == model.IntelligenceHigh {
		return c.cfg.HighModel
	}
	return c.cfg.LowModel
}

// Classify returns the verdict for req. Rate-limited calls are retried with
// exponential backoff; any other failure, or running out of attempts,
// returns an apperr.KindClassification error.
func (c *Classifier) Classify(ctx context.Context, req Request) (Verdict, error) {
	start := time.Now()
	modelName := c.Model(req.Intelligence)
	log := zap.L().With(
		zap.Int64("article_id", req.Article.ID),
		zap.Int64("requirement_id", req.Requirement.ID),
		zap.String("model", modelName),
	)

	msg := anthropic.MessageRequest{
		Model:     modelName,
		MaxTokens: c.cfg.MaxTokens,
		System:    c.system,
		Messages: []anthropic.Message{
			{Role: "user", Content: buildUserPrompt(req)},
		},
		Temperature: &zeroTemperature,
		Tool:        &verdictToolSpec,
	}

	retry := c.cfg.Retry
	retry.ShouldRetry = resilience.IsRateLimited
	logRetry := resilience.RetryLogger("anthropic", "classify",
		zap.Int64("article_id", req.Article.ID),
		zap.Int64("requirement_id", req.Requirement.ID),
	)
	retry.OnRetry = func(n int, err error) {
		c.observer.ClassificationRetried()
		logRetry(n, err)
	}

	verdict, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (Verdict, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return Verdict{}, eris.Wrap(err, "classifier: rate limiter")
			}
		}
		resp, err := c.ai.CreateMessage(ctx, msg)
		if err != nil {
			if resilience.IsRateLimited(err) {
				return Verdict{}, apperr.Wrap(apperr.KindTransientClassification, err, "classifier: rate limited")
			}
			return Verdict{}, err
		}
		resp.Usage.LogUsage(modelName, "classify")
		if c.costs != nil {
			c.observer.ClassificationCost(modelName, c.costs.Claude(modelName, resp.Usage))
		}
		return parseVerdict(resp)
	})
	if err != nil {
		c.observer.ClassificationDone("error", time.Since(start))
		if ctx.Err() != nil {
			return Verdict{}, eris.Wrap(ctx.Err(), "classifier: classify")
		}
		log.Debug("classifier: classification failed", zap.Error(err))
		return Verdict{}, apperr.Wrap(apperr.KindClassification, err,
			"classifier: article %d for requirement %d", req.Article.ID, req.Requirement.ID)
	}

	c.observer.ClassificationDone(verdict.label(), time.Since(start))
	log.Debug("classifier: verdict",
		zap.Bool("obligatory", verdict.IsObligatory),
		zap.Bool("complementary", verdict.IsComplementary),
	)
	return verdict, nil
}

func parseVerdict(resp *anthropic.MessageResponse) (Verdict, error) {
	raw, ok := resp.ToolInput(verdictTool)
	if !ok {
		return Verdict{}, eris.Errorf("classifier: response has no %s tool call (stop_reason=%s)", verdictTool, resp.StopReason)
	}
	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return Verdict{}, eris.Wrap(err, "classifier: decode verdict")
	}
	return v, nil
}

var zeroTemperature = 0.0

var verdictToolSpec = anthropic.Tool{
	Name:        verdictTool,
	Description: "Record whether the article is obligatory and/or complementary for the requirement.",
	Properties: map[string]any{
		"isObligatory": map[string]any{
			"type":        "boolean",
			"description": "The article directly imposes the duty described by the requirement.",
		},
		"isComplementary": map[string]any{
			"type":        "boolean",
			"description": "The article supports, details or conditions the requirement without imposing it.",
		},
	},
	Required: []string{"isObligatory", "isComplementary"},
}
