// Package tools decides tool relevance per prompt and executes bounded tool
// calls. Results are cached per turn so repeated decisions within one turn do
// not hit providers twice.
package tools

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mserban/vatra/config"
	"github.com/mserban/vatra/internal/knowledge"
	"github.com/mserban/vatra/internal/lang"
	"github.com/mserban/vatra/internal/registry"
	"github.com/mserban/vatra/tools/websearch"
)

// Status classifies one tool decision.
type Status string

const (
	StatusUsed    Status = "used"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Result is the outcome of MaybeRun. Consumers display Text; Query and Raw
// are metadata.
type Result struct {
	ToolID     string  `json:"tool_id"`
	Status     Status  `json:"status"`
	Text       string  `json:"text,omitempty"`
	Query      string  `json:"query,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Err        string  `json:"error,omitempty"`
	ForAgent   string  `json:"for_agent,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Raw        any     `json:"-"`
}

// Used reports whether the tool produced a usable result.
func (r Result) Used() bool { return r.Status == StatusUsed }

// QueryRefiner optionally compresses a generated web query with an LLM pass.
// Failures degrade to the deterministic query.
type QueryRefiner interface {
	Refine(ctx context.Context, prompt, query string) (string, error)
}

// Runtime executes the two built-in tools.
type Runtime struct {
	searcher   websearch.Searcher // nil when no search key is configured
	maxResults int
	knowledge  *knowledge.Store
	defs       map[string]registry.ToolDefinition
	refiner    QueryRefiner
	timeout    time.Duration
	cache      *gocache.Cache
	logger     *log.Logger
}

// New builds the runtime. searcher and refiner may be nil.
func New(cfg config.ToolsConfig, searcher websearch.Searcher, ks *knowledge.Store, refiner QueryRefiner, logger *log.Logger) *Runtime {
	if logger == nil {
		logger = log.New(log.Writer(), "[TOOLS] ", log.LstdFlags)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	maxResults := cfg.WebSearch.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	defs := make(map[string]registry.ToolDefinition)
	for _, d := range registry.BuiltinTools() {
		defs[d.ID] = d
	}
	return &Runtime{
		searcher:   searcher,
		maxResults: maxResults,
		knowledge:  ks,
		defs:       defs,
		refiner:    refiner,
		timeout:    timeout,
		cache:      gocache.New(ttl, 2*ttl),
		logger:     logger,
	}
}

// MaybeRun decides relevance for toolID against the prompt and runs it when
// relevant. turnID scopes the result cache: identical calls within one turn
// return the identical result. option is the knowledgebase sub-document key
// from a manual binding; empty means auto-detect.
func (r *Runtime) MaybeRun(ctx context.Context, turnID, toolID, prompt, option, forAgent string) Result {
	cacheKey := strings.Join([]string{turnID, toolID, prompt, option}, "\x00")
	if cached, ok := r.cache.Get(cacheKey); ok {
		res := cached.(Result)
		res.ForAgent = forAgent
		return res
	}

	var res Result
	switch toolID {
	case registry.ToolWebSearch:
		res = r.runWebSearch(ctx, prompt)
	case registry.ToolKnowledgebase:
		res = r.runKnowledgebase(ctx, prompt, option)
	default:
		res = Result{ToolID: toolID, Status: StatusSkipped, Reason: "unknown tool"}
	}
	res.ForAgent = forAgent
	r.cache.SetDefault(cacheKey, res)
	return res
}

func (r *Runtime) runWebSearch(ctx context.Context, prompt string) Result {
	res := Result{ToolID: registry.ToolWebSearch}
	cues := lang.WebCues(prompt)
	if len(cues) == 0 {
		res.Status = StatusSkipped
		res.Reason = "no current-information cues in prompt"
		return res
	}
	res.Confidence = confidence(len(cues))
	if threshold := r.defs[registry.ToolWebSearch].ConfidenceThreshold; res.Confidence < threshold {
		res.Status = StatusSkipped
		res.Reason = fmt.Sprintf("confidence %.2f below threshold %.2f", res.Confidence, threshold)
		return res
	}
	if r.searcher == nil {
		res.Status = StatusFailed
		res.Err = "web search disabled: no API key configured"
		res.Text = res.Err
		return res
	}

	res.Query = r.buildQuery(ctx, prompt)

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	hits, err := r.searcher.Search(callCtx, res.Query, r.maxResults)
	if err != nil {
		r.logger.Printf("web_search failed for query %q: %v", res.Query, err)
		res.Status = StatusFailed
		res.Err = err.Error()
		res.Text = fmt.Sprintf("web search failed: %s", err)
		return res
	}
	if len(hits) == 0 {
		res.Status = StatusUsed
		res.Text = "No results found for: " + res.Query
		return res
	}

	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. %s (%s)\n%s\n", i+1, h.Title, h.URL, h.Snippet)
	}
	res.Status = StatusUsed
	res.Text = strings.TrimSpace(b.String())
	res.Raw = hits
	return res
}

// buildQuery composes a focused search query from extracted entities, falling
// back to the stop-word-stripped prompt. An optional LLM refinement pass runs
// on top; its failure keeps the deterministic query.
func (r *Runtime) buildQuery(ctx context.Context, prompt string) string {
	e := lang.Extract(prompt)
	var parts []string
	parts = append(parts, e.KeyConcepts...)
	parts = append(parts, e.Locations...)
	parts = append(parts, e.Organizations...)
	parts = append(parts, e.Dates...)
	query := strings.Join(parts, " ")
	if e.Empty() || strings.TrimSpace(query) == "" {
		query = lang.StripStopWords(prompt)
	}
	if strings.TrimSpace(query) == "" {
		query = prompt
	}
	if r.refiner != nil {
		refined, err := r.refiner.Refine(ctx, prompt, query)
		if err != nil {
			r.logger.Printf("query refiner failed, keeping deterministic query: %v", err)
		} else if strings.TrimSpace(refined) != "" {
			query = strings.TrimSpace(refined)
		}
	}
	return query
}

func (r *Runtime) runKnowledgebase(ctx context.Context, prompt, option string) Result {
	res := Result{ToolID: registry.ToolKnowledgebase}
	if r.knowledge == nil {
		res.Status = StatusSkipped
		res.Reason = "no knowledge catalog configured"
		return res
	}

	key := option
	var matched []string
	if key != "" {
		if !r.knowledge.Has(key) {
			res.Status = StatusFailed
			res.Err = fmt.Sprintf("unknown knowledge key %q", key)
			res.Text = res.Err
			return res
		}
		matched = lang.MatchAll(prompt, r.knowledge.MatchTerms(key))
	} else {
		for _, k := range r.knowledge.Keys() {
			if m := lang.MatchAll(prompt, r.knowledge.MatchTerms(k)); len(m) > 0 {
				key, matched = k, m
				break
			}
		}
	}
	// Matching is conservative: at least one domain-specific term, even when
	// the key was bound manually.
	if key == "" || len(matched) == 0 {
		res.Status = StatusSkipped
		res.Reason = "no domain terms for any knowledge key in prompt"
		return res
	}
	res.Confidence = confidence(len(matched))
	if threshold := r.defs[registry.ToolKnowledgebase].ConfidenceThreshold; res.Confidence < threshold {
		res.Status = StatusSkipped
		res.Reason = fmt.Sprintf("confidence %.2f below threshold %.2f", res.Confidence, threshold)
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Status = StatusFailed
		res.Err = err.Error()
		res.Text = "knowledge lookup cancelled"
		return res
	}

	res.Query = key
	text, err := r.knowledge.Lookup(key, prompt)
	if err != nil {
		res.Status = StatusFailed
		res.Err = err.Error()
		res.Text = fmt.Sprintf("knowledge lookup failed: %s", err)
		return res
	}
	res.Status = StatusUsed
	res.Text = text
	return res
}

// confidence maps a hit count onto [0,1]; one hit is already strong because
// the dictionaries are domain specific.
func confidence(hits int) float64 {
	if hits <= 0 {
		return 0
	}
	c := 0.8 + 0.1*float64(hits-1)
	if c > 1 {
		c = 1
	}
	return c
}
