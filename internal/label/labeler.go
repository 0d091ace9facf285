// Package label names opinion clusters. An LLM summarizes each cluster's
// representative posts into a short label with reasoning and a coherence
// score; when the model is unavailable or returns garbage, a keyword
// fallback keeps the pipeline moving.
package label

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/echolens/opinionmap/internal/llm"
)

const (
	defaultConcurrency = 4
	maxLabelWords      = 8
	maxPromptPosts     = 12
	maxPostRunes       = 280
)

// Completer is the LLM surface the labeler needs.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// ClusterInput is one cluster to label.
type ClusterInput struct {
	ClusterID int32
	Texts     []string
	Keywords  []string
}

// ClusterLabel is the labeling outcome for one cluster. Fallback marks
// labels synthesized from keywords after an LLM failure.
type ClusterLabel struct {
	ClusterID int32
	Label     string
	Keywords  []string
	Reasoning string
	Coherence float64
	Fallback  bool
}

// Labeler labels clusters concurrently with a bounded worker count.
type Labeler struct {
	llm         Completer
	concurrency int
	logger      *slog.Logger
}

// NewLabeler creates a Labeler. A nil completer forces keyword fallback
// for every cluster.
func NewLabeler(completer Completer, concurrency int, logger *slog.Logger) *Labeler {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Labeler{
		llm:         completer,
		concurrency: concurrency,
		logger:      logger,
	}
}

// LabelClusters labels every cluster, one result per input in input order.
// Individual LLM failures degrade to keyword labels rather than failing
// the batch; only context cancellation aborts early.
func (l *Labeler) LabelClusters(ctx context.Context, clusters []ClusterInput) ([]ClusterLabel, error) {
	results := make([]ClusterLabel, len(clusters))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)

	for idx, cl := range clusters {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			lbl := l.labelOne(ctx, cl)
			mu.Lock()
			results[idx] = lbl
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (l *Labeler) labelOne(ctx context.Context, cl ClusterInput) ClusterLabel {
	if l.llm == nil {
		return fallbackLabel(cl)
	}

	content, err := l.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildPrompt(cl)},
	})
	if err != nil {
		l.logger.Warn("cluster labeling failed, using keyword fallback",
			"cluster_id", cl.ClusterID, "error", err)
		return fallbackLabel(cl)
	}

	parsed, err := parseLabelResponse(content)
	if err != nil {
		l.logger.Warn("unparseable labeling response, using keyword fallback",
			"cluster_id", cl.ClusterID, "error", err)
		return fallbackLabel(cl)
	}

	lbl := ClusterLabel{
		ClusterID: cl.ClusterID,
		Label:     truncateLabel(parsed.Label),
		Keywords:  parsed.Keywords,
		Reasoning: strings.TrimSpace(parsed.Reasoning),
		Coherence: clamp01(parsed.Coherence),
	}
	if lbl.Label == "" {
		return fallbackLabel(cl)
	}
	if len(lbl.Keywords) == 0 {
		lbl.Keywords = cl.Keywords
	}
	return lbl
}

const systemPrompt = `You label clusters of social media posts for an opinion map dashboard. Respond with JSON only: {"label": "...", "keywords": ["..."], "reasoning": "...", "coherence": 0.0}. The label is a short phrase (at most 8 words) naming the shared opinion or topic. Keywords are up to 5 terms. Coherence in [0,1] rates how unified the posts are. No markdown, no commentary.`

func buildPrompt(cl ClusterInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cluster of %d posts", len(cl.Texts))
	if len(cl.Keywords) > 0 {
		fmt.Fprintf(&b, " (frequent terms: %s)", strings.Join(cl.Keywords, ", "))
	}
	b.WriteString(". Representative posts:\n")

	n := len(cl.Texts)
	if n > maxPromptPosts {
		n = maxPromptPosts
	}
	for i := 0; i < n; i++ {
		text := cl.Texts[i]
		if runes := []rune(text); len(runes) > maxPostRunes {
			text = string(runes[:maxPostRunes]) + "…"
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.ReplaceAll(text, "\n", " "))
	}
	return b.String()
}

type labelResponse struct {
	Label     string   `json:"label"`
	Keywords  []string `json:"keywords"`
	Reasoning string   `json:"reasoning"`
	Coherence float64  `json:"coherence"`
}

func parseLabelResponse(content string) (*labelResponse, error) {
	raw := llm.ExtractJSON(content)
	var resp labelResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal label response: %w", err)
	}
	if strings.TrimSpace(resp.Label) == "" {
		return nil, fmt.Errorf("empty label in response")
	}
	resp.Label = strings.TrimSpace(resp.Label)
	if len(resp.Keywords) > 5 {
		resp.Keywords = resp.Keywords[:5]
	}
	return &resp, nil
}

// fallbackLabel joins the top keywords into a label. Coherence 0 signals
// downstream consumers that the label was not model-verified.
func fallbackLabel(cl ClusterInput) ClusterLabel {
	kws := cl.Keywords
	if len(kws) == 0 {
		kws = Extract(cl.Texts, 3)
	}
	top := kws
	if len(top) > 3 {
		top = top[:3]
	}
	lbl := strings.Join(top, " / ")
	if lbl == "" {
		lbl = fmt.Sprintf("Cluster %d", cl.ClusterID)
	}
	return ClusterLabel{
		ClusterID: cl.ClusterID,
		Label:     lbl,
		Keywords:  kws,
		Reasoning: "Automatic keyword summary; language model labeling unavailable.",
		Coherence: 0,
		Fallback:  true,
	}
}

func truncateLabel(label string) string {
	words := strings.Fields(label)
	if len(words) > maxLabelWords {
		words = words[:maxLabelWords]
	}
	return strings.Join(words, " ")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
