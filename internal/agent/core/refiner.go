package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mserban/vatra/provider"
)

// LLMRefiner compresses a deterministic search query with one short model
// call. It satisfies the tool runtime's QueryRefiner contract; callers treat
// any error as "keep the deterministic query".
type LLMRefiner struct {
	provider provider.Provider
	timeout  time.Duration
	logger   *log.Logger
}

func NewLLMRefiner(p provider.Provider, timeout time.Duration, logger *log.Logger) *LLMRefiner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[REFINER] ", log.LstdFlags)
	}
	return &LLMRefiner{provider: p, timeout: timeout, logger: logger}
}

const refinerSystemPrompt = `You turn a user request into a focused web search query.
Respond with a JSON object only: {"query": "<refined search query>"}`

func (r *LLMRefiner) Refine(ctx context.Context, prompt, query string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	user := fmt.Sprintf("User request: %s\nDraft query: %s", prompt, query)
	out, err := r.provider.Chat(ctx, provider.ToMessages(refinerSystemPrompt, user), provider.Options{Temperature: 0})
	if err != nil {
		return "", err
	}
	raw, err := extractJSON(out)
	if err != nil {
		return "", fmt.Errorf("refiner returned no JSON: %w", err)
	}
	var parsed struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", fmt.Errorf("refiner JSON malformed: %w", err)
	}
	if strings.TrimSpace(parsed.Query) == "" {
		return "", errors.New("refiner returned empty query")
	}
	return strings.TrimSpace(parsed.Query), nil
}

// extractJSON returns the first balanced JSON object or array in s, unwrapping
// a Markdown code fence when present and ignoring braces inside strings.
func extractJSON(s string) (string, error) {
	s = strings.TrimSpace(s)
	if inner, ok := stripCodeFence(s); ok {
		s = strings.TrimSpace(inner)
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			if out, ok := balancedFrom(s, i); ok {
				return out, nil
			}
		}
	}
	return "", errors.New("no balanced JSON object/array found")
}

func stripCodeFence(s string) (string, bool) {
	trim := strings.TrimLeft(s, "\n\r\t ")
	for _, fence := range []string{"```", "~~~"} {
		if !strings.HasPrefix(trim, fence) {
			continue
		}
		rest := trim[len(fence):]
		idx := strings.IndexByte(rest, '\n')
		if idx == -1 {
			return "", false
		}
		rest = rest[idx+1:]
		if end := strings.Index(rest, fence); end != -1 {
			return rest[:end], true
		}
	}
	return "", false
}

func balancedFrom(s string, start int) (string, bool) {
	var stack []byte
	inString, escape := false, false
	stack = append(stack, s[start])
	for i := start + 1; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			top := stack[len(stack)-1]
			if (top == '{' && c != '}') || (top == '[' && c != ']') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
