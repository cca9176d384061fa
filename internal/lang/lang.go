// Package lang holds the lightweight text analysis shared by the query
// analyzer and the tool runtime: entity extraction, cue detection, stop-word
// filtering. Dictionary plus regex only; no model dependency.
package lang

import (
	"regexp"
	"strings"
)

// Entities are prompt fragments grouped by category.
type Entities struct {
	Locations     []string `json:"locations,omitempty"`
	Dates         []string `json:"dates,omitempty"`
	People        []string `json:"people,omitempty"`
	Organizations []string `json:"organizations,omitempty"`
	Products      []string `json:"products,omitempty"`
	Events        []string `json:"events,omitempty"`
	KeyConcepts   []string `json:"key_concepts,omitempty"`
}

// Empty reports whether extraction produced nothing usable for a query.
func (e Entities) Empty() bool {
	return len(e.Locations) == 0 && len(e.Dates) == 0 && len(e.People) == 0 &&
		len(e.Organizations) == 0 && len(e.Products) == 0 && len(e.Events) == 0 &&
		len(e.KeyConcepts) == 0
}

var locations = []string{
	"bucharest", "bucuresti", "bucurești", "romania", "românia", "cluj", "iasi", "iași",
	"timisoara", "timișoara", "brasov", "brașov", "constanta", "constanța", "sibiu",
	"radauti", "rădăuți", "transylvania", "moldova", "london", "paris", "berlin",
	"new york", "tokyo", "madrid", "rome", "vienna", "budapest",
}

var organizations = []string{
	"linkedin", "google", "facebook", "instagram", "twitter", "youtube", "tiktok",
	"openai", "microsoft", "apple", "amazon", "netflix",
}

// Date cues, English and Romanian.
var dateWords = []string{
	"today", "tomorrow", "yesterday", "tonight", "now",
	"azi", "astazi", "astăzi", "maine", "mâine", "ieri", "acum",
	"this week", "last week", "next week", "this month", "last month",
	"this year", "last year", "this weekend",
	"saptamana aceasta", "săptămâna aceasta", "saptamana trecuta", "săptămâna trecută",
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
	"january", "february", "march", "april", "may", "june", "july",
	"august", "september", "october", "november", "december",
}

var datePattern = regexp.MustCompile(`\b(\d{1,2}[./-]\d{1,2}[./-]\d{2,4}|\d{4}-\d{2}-\d{2})\b`)

// Current-information cues that make web search relevant, English and Romanian.
var webCues = []string{
	"today", "now", "latest", "current", "currently", "recent", "breaking",
	"weather", "forecast", "news", "price", "prices", "stock", "exchange rate",
	"happening", "update", "live",
	"azi", "astazi", "astăzi", "acum", "vremea", "vreme", "prognoza", "prognoză",
	"stiri", "știri", "pret", "preț", "preturi", "prețuri", "ultimele", "curs valutar",
}

// stopWords covers English and Romanian function words dropped from fallback
// queries and key concepts.
var stopWords = map[string]bool{
	// English
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"of": true, "in": true, "on": true, "at": true, "to": true, "for": true,
	"with": true, "about": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "do": true, "does": true, "did": true, "can": true,
	"could": true, "will": true, "would": true, "should": true, "shall": true,
	"i": true, "you": true, "he": true, "she": true, "it": true, "we": true,
	"they": true, "me": true, "my": true, "your": true, "his": true, "her": true,
	"its": true, "our": true, "their": true, "this": true, "that": true,
	"these": true, "those": true, "what": true, "which": true, "who": true,
	"whom": true, "how": true, "when": true, "where": true, "why": true,
	"tell": true, "make": true, "please": true, "want": true, "know": true,
	"let": true, "give": true, "get": true, "need": true, "like": true,
	// Romanian
	"un": true, "o": true, "niste": true, "niște": true, "si": true, "și": true,
	"sau": true, "dar": true, "de": true, "la": true, "pe": true, "cu": true,
	"despre": true, "este": true, "sunt": true, "fi": true, "am": true, "ai": true,
	"avem": true, "aveti": true, "aveți": true, "au": true,
	"eu": true, "tu": true, "el": true, "ea": true, "noi": true, "voi": true,
	"ei": true, "ele": true, "meu": true, "mea": true, "tau": true, "tău": true,
	"ce": true, "care": true, "cine": true, "cum": true, "cand": true, "când": true,
	"unde": true, "da": true, "nu": true, "sa": true, "să": true, "se": true,
	"imi": true, "îmi": true, "iti": true, "îți": true, "poti": true, "poți": true,
	"vreau": true, "spune": true, "zi": true, "fa": true, "fă": true,
}

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Tokenize lowercases the prompt and splits it into word tokens.
func Tokenize(prompt string) []string {
	return wordPattern.FindAllString(strings.ToLower(prompt), -1)
}

// IsStopWord reports whether the lowercase token is a function word.
func IsStopWord(token string) bool {
	return stopWords[token]
}

// ContainsTerm reports whether term occurs in the prompt on word boundaries.
// Multi-word terms are matched as lowercase substrings.
func ContainsTerm(prompt, term string) bool {
	term = strings.ToLower(term)
	if strings.Contains(term, " ") {
		return strings.Contains(strings.ToLower(prompt), term)
	}
	for _, tok := range Tokenize(prompt) {
		if tok == term {
			return true
		}
	}
	return false
}

// MatchAll returns every term from terms found in prompt.
func MatchAll(prompt string, terms []string) []string {
	var out []string
	for _, t := range terms {
		if ContainsTerm(prompt, t) {
			out = append(out, t)
		}
	}
	return out
}

// WebCues returns the current-information cues present in the prompt.
func WebCues(prompt string) []string {
	return MatchAll(prompt, webCues)
}

// HasWebCue reports whether the prompt asks for current information.
func HasWebCue(prompt string) bool {
	return len(WebCues(prompt)) > 0
}

// Extract pulls grouped entities out of a prompt using the curated
// dictionaries plus a date regex. Key concepts are the remaining content
// words, longest first, capped at five.
func Extract(prompt string) Entities {
	var e Entities
	e.Locations = MatchAll(prompt, locations)
	e.Organizations = MatchAll(prompt, organizations)
	e.Dates = MatchAll(prompt, dateWords)
	e.Dates = append(e.Dates, datePattern.FindAllString(prompt, -1)...)

	claimed := make(map[string]bool)
	for _, group := range [][]string{e.Locations, e.Organizations, e.Dates} {
		for _, v := range group {
			for _, tok := range Tokenize(v) {
				claimed[tok] = true
			}
		}
	}
	seen := make(map[string]bool)
	for _, tok := range Tokenize(prompt) {
		if len(tok) < 4 || stopWords[tok] || claimed[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		e.KeyConcepts = append(e.KeyConcepts, tok)
		if len(e.KeyConcepts) == 5 {
			break
		}
	}
	return e
}

// StripStopWords returns the prompt's content words in order.
func StripStopWords(prompt string) string {
	var out []string
	for _, tok := range Tokenize(prompt) {
		if stopWords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return strings.Join(out, " ")
}
