package websearch

import (
	"context"
	"errors"

	"github.com/mserban/vatra/tools/websearch/brave"
	"github.com/mserban/vatra/tools/websearch/models"
	"github.com/mserban/vatra/tools/websearch/serper"
)

// Searcher runs a web query and returns up to k hits.
type Searcher interface {
	Search(ctx context.Context, q string, k int) ([]models.Result, error)
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

var ErrUnsupportedProvider = errors.New("unsupported web search provider")

func NewSearcher(provider Provider, apiKey string) (Searcher, error) {
	switch provider {
	case SerperProvider:
		return serper.Search{ApiKey: apiKey}, nil
	case BraveProvider:
		return brave.Search{ApiKey: apiKey}, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}
