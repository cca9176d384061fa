package core

import "github.com/mserban/vatra/internal/lang"

// Intent names produced by the pattern pass.
const (
	IntentHumor         = "humor"
	IntentRecipe        = "recipe"
	IntentWeather       = "weather"
	IntentStorytelling  = "storytelling"
	IntentInformation   = "information"
	IntentCurrentEvents = "current_events"
	IntentCultural      = "cultural"
	IntentPersonal      = "personal"
)

// DetectedIntent keeps the trigger keywords for traceability.
type DetectedIntent struct {
	Name     string
	Triggers []string
}

type intentPattern struct {
	name     string
	keywords []string
}

// Patterns are checked in two priority groups; within a group declaration
// order decides which intent leads the component list.
var highPriorityIntents = []intentPattern{
	{IntentHumor, []string{
		"funny", "joke", "jokes", "parody", "humor", "humour", "hilarious",
		"satire", "satirical", "meme", "amuzant", "gluma", "glumă", "glume", "haios",
	}},
	{IntentRecipe, []string{
		"recipe", "cook", "cooking", "ingredients", "dish", "meal", "bake",
		"reteta", "rețetă", "retete", "gatit", "gătit", "mancare", "mâncare",
		"ciorba", "ciorbă", "sarmale",
	}},
	{IntentWeather, []string{
		"weather", "forecast", "temperature", "rain", "sunny", "snow",
		"vremea", "vreme", "prognoza", "prognoză", "ploaie", "ninsoare",
	}},
}

var lowPriorityIntents = []intentPattern{
	{IntentStorytelling, []string{
		"story", "stories", "tale", "tell me about", "once upon",
		"poveste", "povesti", "povești", "basm",
	}},
	{IntentInformation, []string{
		"what is", "what are", "who is", "explain", "how does", "define",
		"information", "facts", "ce este", "cine este", "explica", "explică",
	}},
	{IntentCurrentEvents, []string{
		"news", "latest", "today", "current", "happening", "breaking",
		"stiri", "știri", "azi", "astazi", "astăzi", "acum", "ultimele",
	}},
	{IntentCultural, []string{
		"traditional", "tradition", "culture", "cultural", "romanian", "folklore",
		"heritage", "traditie", "tradiție", "romanesc", "românesc",
		"romaneasca", "românească", "obiceiuri",
	}},
	{IntentPersonal, []string{
		"advice", "help me", "my life", "feel", "feeling", "should i",
		"sfat", "sfaturi", "ajuta-ma", "ajută-mă",
	}},
}

// DetectIntents runs the prioritized pattern pass. High-priority intents come
// first in the result; an empty result means the storytelling default applies.
func DetectIntents(prompt string) []DetectedIntent {
	var out []DetectedIntent
	for _, group := range [][]intentPattern{highPriorityIntents, lowPriorityIntents} {
		for _, p := range group {
			if hits := lang.MatchAll(prompt, p.keywords); len(hits) > 0 {
				out = append(out, DetectedIntent{Name: p.name, Triggers: hits})
			}
		}
	}
	return out
}

// hasIntent reports whether name is among the detected intents.
func hasIntent(intents []DetectedIntent, name string) bool {
	for _, in := range intents {
		if in.Name == name {
			return true
		}
	}
	return false
}
