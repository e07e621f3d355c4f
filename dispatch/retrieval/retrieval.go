// Package retrieval implements the Retrieval Answerer (C3): normalise ->
// embed -> nearest-K with MMR -> optional keyword re-rank -> grounded
// prompt -> parsed confidence, grounded on the teacher's ai/core/reranker
// keyword-fallback design and ai/vector.VectorService search contract.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/Pavilion-devs/slack-agent/internal/config"
	"github.com/Pavilion-devs/slack-agent/internal/llm"
	"github.com/Pavilion-devs/slack-agent/internal/metrics"
	"github.com/Pavilion-devs/slack-agent/internal/vectorindex"
	"github.com/Pavilion-devs/slack-agent/store/postgres"
)

// Citation is one grounding reference rendered back to the caller.
type Citation struct {
	Title string
	URL   string
	Score float32
}

// Answer is C3's output.
type Answer struct {
	Text           string
	Confidence     float32
	Citations      []Citation
	Category       string // "compliance", "privacy", "legal", "" — drives the no-CTA-suffix rule
	CitationsHTML  string // goldmark-rendered preview, best-effort
}

// DedupStore persists per-turn embeddings so the answerer can detect when a
// candidate answer repeats a fact already given earlier in the same
// session. Postgres-only (pgvector); nil on the sqlite dev backend, in
// which case the dedup rule is simply skipped.
type DedupStore interface {
	SaveTurnEmbedding(ctx context.Context, e postgres.TurnEmbedding) error
	NearestPriorTurns(ctx context.Context, sessionID string, query []float32, k int) ([]postgres.TurnEmbedding, error)
}

// Answerer implements C3.
type Answerer struct {
	index      vectorindex.Index
	llm        llm.Client
	dedup      DedupStore
	thresholds config.Thresholds
	model      llm.ModelConfig
	metrics    *metrics.Exporter
}

// Config bundles Answerer's dependencies.
type Config struct {
	Index      vectorindex.Index
	LLM        llm.Client
	Dedup      DedupStore // optional
	Thresholds config.Thresholds
	Model      llm.ModelConfig
	Metrics    *metrics.Exporter
}

func New(cfg Config) *Answerer {
	return &Answerer{
		index:      cfg.Index,
		llm:        cfg.LLM,
		dedup:      cfg.Dedup,
		thresholds: cfg.Thresholds,
		model:      cfg.Model,
		metrics:    cfg.Metrics,
	}
}

const systemPromptTemplate = `You are a product support assistant. Answer using only the evidence
below. If the evidence is weak or missing, say "I don't have that information" rather than
guessing. Cite your sources inline as [1], [2], etc. matching the evidence list order.
End your response with a line "CONFIDENCE: <0.0-1.0>" reflecting how well the evidence
supports your answer.

Evidence:
%s`

var confidenceLineRe = regexp.MustCompile(`(?im)^CONFIDENCE:\s*([0-9]*\.?[0-9]+)\s*$`)

// Answer runs the full pipeline for one Information-intent utterance.
// sessionID and turnIndex are used only for the dedup rule; pass turnIndex
// as the position this answer would occupy in history, so it can be saved
// for future dedup checks once accepted.
func (a *Answerer) Answer(ctx context.Context, sessionID string, turnIndex int, utterance string) (Answer, error) {
	query := normalise(utterance)

	queryEmbedding, err := a.llm.Embed(ctx, query)
	if err != nil {
		return Answer{}, fmt.Errorf("failed to embed query: %w", err)
	}

	chunks, err := a.index.Search(ctx, queryEmbedding, 20)
	if err != nil {
		return Answer{}, fmt.Errorf("vector index search failed: %w", err)
	}

	aboveFloor := countAboveFloor(chunks, a.thresholds.RetrievalSimilarityFloor)
	diversified := vectorindex.MMR(chunks, 8, 0.7)
	diversified = vectorindex.KeywordRerank(query, diversified)

	category := categoryOf(diversified)
	prompt := buildPrompt(diversified)

	raw, err := a.llm.Complete(ctx, fmt.Sprintf(systemPromptTemplate, prompt), utterance, a.model)
	if err != nil {
		return Answer{}, fmt.Errorf("answer generation failed: %w", err)
	}

	text, confidence := parseConfidence(raw)

	if aboveFloor < a.thresholds.RetrievalKmin && confidence > a.thresholds.LowConfidenceCeil {
		confidence = a.thresholds.LowConfidenceCeil
	}

	if a.dedup != nil {
		text, confidence, err = a.dedupe(ctx, sessionID, prompt, text, confidence)
		if err != nil {
			return Answer{}, err
		}
	}

	citations := toCitations(diversified)
	citationsHTML := renderCitationsHTML(citations)

	escalated := confidence <= a.thresholds.LowConfidenceCeil
	if a.metrics != nil {
		a.metrics.ObserveRetrieval(float64(confidence), escalated)
	}

	if a.dedup != nil {
		answerEmbedding, embedErr := a.llm.Embed(ctx, text)
		if embedErr == nil {
			_ = a.dedup.SaveTurnEmbedding(ctx, postgres.TurnEmbedding{
				SessionID: sessionID,
				TurnIndex: turnIndex,
				Content:   text,
				Embedding: answerEmbedding,
			})
		}
	}

	return Answer{
		Text:          text,
		Confidence:    confidence,
		Citations:     citations,
		Category:      category,
		CitationsHTML: citationsHTML,
	}, nil
}

// dedupe checks the candidate answer against recent AI turns in the same
// session; if it is a near-duplicate, it asks the LLM once for a
// non-redundant continuation and accepts the lower of the two confidences.
func (a *Answerer) dedupe(ctx context.Context, sessionID, prompt, text string, confidence float32) (string, float32, error) {
	candidateEmbedding, err := a.llm.Embed(ctx, text)
	if err != nil {
		return text, confidence, nil // dedup is best-effort; don't fail the turn over it
	}

	prior, err := a.dedup.NearestPriorTurns(ctx, sessionID, candidateEmbedding, 3)
	if err != nil || len(prior) == 0 {
		return text, confidence, nil
	}

	for _, p := range prior {
		if cosineSimilarity(candidateEmbedding, p.Embedding) < a.thresholds.DedupSimilarityFloor {
			continue
		}
		retryPrompt := fmt.Sprintf("The following answer repeats something already said: %q\nProvide a non-redundant continuation for: the same question, without restating it.", p.Content)
		raw, err := a.llm.Complete(ctx, fmt.Sprintf(systemPromptTemplate, prompt), retryPrompt, a.model)
		if err != nil {
			return text, confidence, nil
		}
		newText, newConfidence := parseConfidence(raw)
		if newConfidence > confidence {
			newConfidence = confidence
		}
		return newText, newConfidence, nil
	}
	return text, confidence, nil
}

func normalise(utterance string) string {
	return strings.TrimSpace(utterance)
}

func countAboveFloor(chunks []vectorindex.Chunk, floor float32) int {
	n := 0
	for _, c := range chunks {
		if c.Score >= floor {
			n++
		}
	}
	return n
}

func categoryOf(chunks []vectorindex.Chunk) string {
	for _, c := range chunks {
		if c.Category == "compliance" || c.Category == "privacy" || c.Category == "legal" {
			return c.Category
		}
	}
	return ""
}

func buildPrompt(chunks []vectorindex.Chunk) string {
	var b strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, c.Content)
	}
	return b.String()
}

func parseConfidence(raw string) (string, float32) {
	m := confidenceLineRe.FindStringSubmatchIndex(raw)
	if m == nil {
		return strings.TrimSpace(raw), 0.5
	}
	text := strings.TrimSpace(raw[:m[0]])
	confStr := raw[m[2]:m[3]]
	conf, err := strconv.ParseFloat(confStr, 32)
	if err != nil {
		return text, 0.5
	}
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return text, float32(conf)
}

func toCitations(chunks []vectorindex.Chunk) []Citation {
	out := make([]Citation, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, Citation{Title: c.ID, Score: c.Score})
	}
	return out
}

// renderCitationsHTML validates the Markdown citation list is well-formed by
// rendering it through goldmark; malformed Markdown degrades to plain text
// rather than failing the turn (spec.md's surfaces render Markdown for
// workspace cards, but a broken render must never block delivery).
func renderCitationsHTML(citations []Citation) string {
	var md strings.Builder
	for _, c := range citations {
		fmt.Fprintf(&md, "- %s\n", c.Title)
	}

	var buf strings.Builder
	if err := goldmark.Convert([]byte(md.String()), &buf); err != nil {
		return md.String()
	}
	return buf.String()
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
