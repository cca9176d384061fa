package core

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mserban/vatra/config"
	"github.com/mserban/vatra/internal/knowledge"
	"github.com/mserban/vatra/internal/registry"
	"github.com/mserban/vatra/internal/store"
	"github.com/mserban/vatra/internal/telemetry"
	"github.com/mserban/vatra/internal/tools"
	"github.com/mserban/vatra/provider"
	"github.com/mserban/vatra/tools/websearch/models"
)

const testCatalogJSON = `{
  "agents": {
    "granny": {
      "id": "granny",
      "name": "Granny",
      "description": "Romanian grandmother persona.",
      "system_prompt": "You are a sweet Romanian grandmother.",
      "capabilities": ["storytelling", "traditional_knowledge", "family", "cultural"],
      "skills": [],
      "parameters": {"temperature": 0.9, "model": "test-model", "max_tokens": 256},
      "routing_keywords": ["grandma", "granny", "bunica", "traditional", "romanian", "recipe", "cooking"],
      "active": true,
      "category": "persona",
      "version": "1.0"
    },
    "story_creator": {
      "id": "story_creator",
      "name": "Story Creator",
      "description": "Creative narrator.",
      "system_prompt": "You are a creative storyteller.",
      "capabilities": ["creative_writing", "storytelling", "fictional", "imaginative"],
      "skills": [],
      "parameters": {"temperature": 0.8, "model": "test-model", "max_tokens": 256},
      "routing_keywords": ["story", "tale", "narrative", "once upon", "character", "plot"],
      "active": true,
      "category": "persona",
      "version": "1.0"
    },
    "parody_creator": {
      "id": "parody_creator",
      "name": "Parody Creator",
      "description": "Witty satirist.",
      "system_prompt": "You are a witty parody writer.",
      "capabilities": ["humor", "entertainment", "satirical", "comedic"],
      "skills": [],
      "parameters": {"temperature": 1.0, "model": "test-model", "max_tokens": 256},
      "routing_keywords": ["funny", "humor", "parody", "comedy", "joke", "satire"],
      "active": true,
      "category": "persona",
      "version": "1.0"
    },
    "data_analyst": {
      "id": "data_analyst",
      "name": "Data Analyst",
      "description": "Precise analyst.",
      "system_prompt": "You are a careful data analyst.",
      "capabilities": ["analysis", "research", "factual", "summarization"],
      "skills": [],
      "parameters": {"temperature": 0.2, "model": "test-model", "max_tokens": 256},
      "routing_keywords": ["analyze", "analysis", "data", "statistics", "compare", "trend"],
      "active": true,
      "category": "analytic",
      "version": "1.0"
    }
  },
  "skills": {},
  "metadata": {"version": "test", "schema_version": "1"}
}`

const testKnowledgeJSON = `{
  "ciorba": {
    "label": "Ciorba radauteana",
    "match_terms": ["ciorba", "sour soup", "supa"],
    "inline_text": "Ciorba radauteana is a traditional Romanian sour soup. Ingredients: chicken, carrots, sour cream, garlic, vinegar. Preparation: simmer the chicken, thicken with the liaison, sour with vinegar."
  }
}`

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.json")
	if err := os.WriteFile(path, []byte(testCatalogJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := registry.New(path, quietLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func testKnowledgeStore(t *testing.T) *knowledge.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kb.json")
	if err := os.WriteFile(path, []byte(testKnowledgeJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	ks, err := knowledge.New(path, quietLogger())
	if err != nil {
		t.Fatalf("knowledge: %v", err)
	}
	return ks
}

// stubProvider scripts LLM behavior per call. respond receives the 1-based
// call number and the composed messages.
type stubProvider struct {
	mu      sync.Mutex
	calls   int
	respond func(call int, messages []provider.Message) (string, error)
}

func (s *stubProvider) Chat(ctx context.Context, messages []provider.Message, opts provider.Options) (string, error) {
	return s.ChatStream(ctx, messages, opts, nil)
}

func (s *stubProvider) ChatStream(ctx context.Context, messages []provider.Message, opts provider.Options, onDelta func(string)) (string, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := s.respond(call, messages)
	if err != nil {
		return "", err
	}
	if onDelta != nil {
		for _, word := range strings.SplitAfter(text, " ") {
			if word != "" {
				onDelta(word)
			}
		}
	}
	return text, nil
}

// echoProvider answers with a fixed prefix plus every tool fact it can find
// in the composed user message, so fusion assertions can check fact carryover.
func echoProvider(prefix string) *stubProvider {
	return &stubProvider{respond: func(call int, messages []provider.Message) (string, error) {
		last := messages[len(messages)-1].Content
		return prefix + " " + last, nil
	}}
}

type stubSearcher struct {
	mu        sync.Mutex
	lastQuery string
	hits      []models.Result
	err       error
}

func (s *stubSearcher) Search(ctx context.Context, q string, k int) ([]models.Result, error) {
	s.mu.Lock()
	s.lastQuery = q
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.hits, nil
}

func (s *stubSearcher) query() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuery
}

type fixture struct {
	orch     *Orchestrator
	sessions store.Store
	registry *registry.Registry
	searcher *stubSearcher
	provider *stubProvider
}

func testConfig() *config.Config {
	return &config.Config{
		General: config.GeneralConfig{
			TurnTimeout:   5 * time.Second,
			HistoryWindow: 20,
			DefaultAgent:  "story_creator",
		},
		LLM:   config.LLMConfig{Timeout: 2 * time.Second},
		Tools: config.ToolsConfig{Timeout: time.Second, CacheTTL: time.Minute},
		Telemetry: config.TelemetryConfig{
			Enabled: false,
		},
	}
}

func newFixture(t *testing.T, p *stubProvider) *fixture {
	t.Helper()
	cfg := testConfig()
	reg := testRegistry(t)
	ks := testKnowledgeStore(t)

	fs, err := store.NewFileStore(t.TempDir(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	sessions := store.WithKeyLocks(fs)

	searcher := &stubSearcher{hits: []models.Result{
		{Title: "Bucharest weather", URL: "https://weather.example", Snippet: "22C and sunny"},
	}}
	runtime := tools.New(cfg.Tools, searcher, ks, nil, quietLogger())
	runner := NewRunner(p, cfg.General.HistoryWindow, cfg.AgentTimeout(), quietLogger())
	analyzer := NewAnalyzer(reg, ks, cfg.General.DefaultAgent, quietLogger())
	tel := telemetry.New(cfg.Telemetry)
	orch := NewOrchestrator(cfg, quietLogger(), tel, reg, sessions, runtime, runner, analyzer)

	return &fixture{orch: orch, sessions: sessions, registry: reg, searcher: searcher, provider: p}
}

func (f *fixture) newSession(t *testing.T, mutate func(*store.Session)) *store.Session {
	t.Helper()
	sess, err := f.sessions.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if mutate != nil {
		mutate(sess)
		if err := f.sessions.Put(context.Background(), sess.ID, sess); err != nil {
			t.Fatal(err)
		}
	}
	return sess
}
