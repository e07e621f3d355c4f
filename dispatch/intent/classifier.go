package intent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/Pavilion-devs/slack-agent/internal/config"
	"github.com/Pavilion-devs/slack-agent/internal/llm"
	"github.com/Pavilion-devs/slack-agent/internal/metrics"
)

// ambiguousFloor is the pattern-pass confidence below which the semantic
// pass still runs even though the pattern pass reported a match.
const ambiguousFloor = 0.6

// Classifier implements C2: pattern pass -> semantic/LLM pass, cache-fronted,
// with an optional CEL layer for compound category rules. It never makes a
// routing decision; it only reports {intent, confidence, metadata}.
type Classifier struct {
	pattern *PatternMatcher
	cel     *CELRules
	cache   *Cache
	llm     llm.Client
	model   llm.ModelConfig
	metrics *metrics.Exporter
}

// Config bundles the dependencies Classifier needs.
type Config struct {
	Categories    config.Categories
	LLM           llm.Client
	SemanticModel llm.ModelConfig
	CacheConfig   CacheConfig
	Metrics       *metrics.Exporter
}

func New(cfg Config) (*Classifier, error) {
	celRules, err := NewCELRules(cfg.Categories.Rules)
	if err != nil {
		return nil, err
	}
	return &Classifier{
		pattern: NewPatternMatcher(cfg.Categories),
		cel:     celRules,
		cache:   NewCache(cfg.CacheConfig),
		llm:     cfg.LLM,
		model:   cfg.SemanticModel,
		metrics: cfg.Metrics,
	}, nil
}

// Classify runs the full layered pipeline for one utterance.
func (c *Classifier) Classify(ctx context.Context, in Input) (Result, error) {
	start := time.Now()

	if cached, ok := c.cache.Get(in.Utterance); ok {
		c.observe("cache", start, cached)
		return cached, nil
	}

	if result, matched := c.pattern.Match(in); matched && result.Confidence >= ambiguousFloor {
		c.cache.Set(in.Utterance, result)
		c.observe("pattern", start, result)
		return result, nil
	}

	if matched, err := c.cel.Eval("abusive", strings.ToLower(strings.TrimSpace(in.Utterance)), 0); err != nil {
		slog.Warn("CEL rule evaluation failed", "category", "abusive", "error", err)
	} else if matched {
		result := Result{Intent: Abusive, Confidence: 0.9, Layer: "pattern", Reason: "CEL compound rule"}
		c.cache.Set(in.Utterance, result)
		c.observe("pattern", start, result)
		return result, nil
	}

	if c.llm == nil {
		result := Result{Intent: Unknown, Confidence: 0, Layer: "pattern"}
		c.observe("pattern", start, result)
		return result, nil
	}

	result, err := semanticClassify(ctx, c.llm, c.model, in)
	if err != nil {
		slog.Warn("semantic intent classification failed", "error", err)
		return Result{}, err
	}

	// The disambiguation rule is design-critical enough to re-apply after the
	// semantic pass too: a model that drifts toward Scheduling on a
	// descriptive question is corrected here rather than trusted blindly.
	if result.Intent == Scheduling && containsAny(strings.ToLower(strings.TrimSpace(in.Utterance)), c.pattern.categories.DisambiguationQualifiers) {
		result.Intent = Information
		result.Reason = "disambiguation qualifier overrode semantic scheduling classification"
	}

	if result.Intent != Unknown {
		c.cache.Set(in.Utterance, result)
	}
	c.observe("semantic", start, result)
	return result, nil
}

func (c *Classifier) observe(layer string, start time.Time, result Result) {
	if c.metrics == nil {
		return
	}
	c.metrics.ObserveIntentClassification(layer, time.Since(start).Seconds(), string(result.Intent), float64(result.Confidence))
}
