// Package learning derives typed learnings from the event stream: regex
// batteries over stringified payloads plus structured rules keyed on event
// type, scored by confidence. Extracted learnings persist in a LevelDB index
// alongside the ledger's markdown buckets.
package learning

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/opencode-core/orchd/internal/ids"
	"github.com/opencode-core/orchd/internal/types"
)

const (
	maxEntitiesPerLearning = 5
	maxContentLen          = 200
)

// battery is one regex pattern with its learning classification.
type battery struct {
	re         *regexp.Regexp
	lt         types.LearningType
	confidence float64
}

var batteries = []battery{
	// human corrections carry the strongest signal
	{regexp.MustCompile(`(?i)no[,.]?\s+(do|use|try|make|don't|instead|actually)`), types.LearningCorrection, 0.9},
	{regexp.MustCompile(`(?i)\b(perfect|works now|that worked|exactly right)\b`), types.LearningPattern, 0.8},
	{regexp.MustCompile(`(?i)\b(wrong|broken|didn'?t work|still failing|not working)\b`), types.LearningAntiPattern, 0.8},
}

var entityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b[\w./-]+\.(?:go|ts|js|tsx|md|json|py|yaml|yml)\b`), // file paths
	regexp.MustCompile("`([^`]+)`"), // backtick-quoted identifiers
}

// Extractor turns event sequences into scored learnings.
//
// Expectations:
//   - Learnings below MinConfidence are dropped
//   - Output is sorted by confidence descending and capped at MaxLearnings
//   - No matching pattern, no learnings; never a fabricated default
type Extractor struct {
	minConfidence float64
	maxLearnings  int
}

// NewExtractor creates an Extractor. Zero values take the defaults
// (minConfidence 0.6, maxLearnings 10).
func NewExtractor(minConfidence float64, maxLearnings int) *Extractor {
	if minConfidence <= 0 {
		minConfidence = 0.6
	}
	if maxLearnings <= 0 {
		maxLearnings = 10
	}
	return &Extractor{minConfidence: minConfidence, maxLearnings: maxLearnings}
}

// Extract runs the full pipeline over a batch of events.
func (x *Extractor) Extract(events []types.Event) []types.Learning {
	var out []types.Learning
	for _, e := range events {
		out = append(out, x.fromEvent(e)...)
	}
	filtered := out[:0]
	for _, l := range out {
		if l.Confidence >= x.minConfidence {
			filtered = append(filtered, l)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Confidence > filtered[j].Confidence
	})
	if len(filtered) > x.maxLearnings {
		filtered = filtered[:x.maxLearnings]
	}
	return filtered
}

// fromEvent applies both the regex batteries and the structured per-type
// rules to one event.
func (x *Extractor) fromEvent(e types.Event) []types.Learning {
	var out []types.Learning
	text := stringifyPayload(e.Payload)

	for _, b := range batteries {
		loc := b.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		out = append(out, x.newLearning(b.lt, excerpt(text, loc[0]), b.confidence, e))
	}

	switch e.Type {
	case types.EventAgentCompleted:
		if result := payloadString(e.Payload, "result"); result != "" {
			out = append(out, x.newLearning(types.LearningDecision, truncate(result), 0.7, e))
		}
	case types.EventAgentFailed:
		if errMsg := payloadString(e.Payload, "error"); errMsg != "" {
			out = append(out, x.newLearning(types.LearningAntiPattern, truncate(errMsg), 0.8, e))
		}
	case types.EventCheckpointApproved:
		if opt := payloadString(e.Payload, "selected_option"); opt != "" {
			out = append(out, x.newLearning(types.LearningPreference, "approved: "+opt, 0.85, e))
		}
	case types.EventCheckpointRejected:
		if reason := payloadString(e.Payload, "reason"); reason != "" {
			out = append(out, x.newLearning(types.LearningAntiPattern, "rejected: "+reason, 0.8, e))
		}
	}
	return out
}

func (x *Extractor) newLearning(lt types.LearningType, content string, confidence float64, e types.Event) types.Learning {
	return types.Learning{
		ID:            ids.NewLearningID(),
		Type:          lt,
		Content:       content,
		Entities:      extractEntities(stringifyPayload(e.Payload)),
		Confidence:    confidence,
		SourceEventID: e.ID,
		ExtractedAt:   ids.NowMs(),
	}
}

// extractEntities pulls file names and quoted identifiers out of the text,
// deduplicated and capped.
func extractEntities(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, re := range entityPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			entity := m[0]
			if len(m) > 1 && m[1] != "" {
				entity = m[1]
			}
			if seen[entity] {
				continue
			}
			seen[entity] = true
			out = append(out, entity)
			if len(out) >= maxEntitiesPerLearning {
				return out
			}
		}
	}
	return out
}

func stringifyPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(data)
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// excerpt returns the content window around a match position.
func excerpt(text string, at int) string {
	start := at
	for start > 0 && text[start-1] != '\n' && at-start < 40 {
		start--
	}
	return truncate(strings.TrimSpace(text[start:]))
}

// truncate bounds content, cutting on a rune boundary so multibyte text
// stays valid UTF-8.
func truncate(s string) string {
	if len(s) <= maxContentLen {
		return s
	}
	cut := maxContentLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Subscriber is the event-source surface the realtime mode needs; the
// durable stream satisfies it.
type Subscriber interface {
	Subscribe(t types.EventType, cb func(types.Event)) func()
}

// realtimeTypes are the event types worth watching live.
var realtimeTypes = []types.EventType{
	types.EventAgentCompleted,
	types.EventAgentFailed,
	types.EventCheckpointApproved,
	types.EventCheckpointRejected,
	types.EventErrorRecovered,
}

// Watch subscribes the extractor to the qualifying event types and invokes
// onLearning for every learning that clears the confidence bar. Returns the
// combined unsubscribe func.
func (x *Extractor) Watch(src Subscriber, onLearning func(types.Learning)) func() {
	unsubs := make([]func(), 0, len(realtimeTypes))
	for _, t := range realtimeTypes {
		unsubs = append(unsubs, src.Subscribe(t, func(e types.Event) {
			for _, l := range x.Extract([]types.Event{e}) {
				onLearning(l)
			}
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
