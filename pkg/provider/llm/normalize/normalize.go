// Package normalize post-processes raw LLM output into clean spoken text and
// a definitive tool call list.
//
// Local models are unreliable tool callers: some emit proper API tool calls,
// some print the call as a JSON blob in the response text (often inside a
// fenced code block), and some degenerate into repeating filler phrases.
// Normalize reconciles all of that into one consistent result so the pipeline
// downstream never has to care which failure mode the model picked.
package normalize

import (
	"encoding/json"
	"strings"

	"github.com/novavoice/nova/pkg/types"
)

const (
	// maxResponseChars is the hard cap on response length; anything longer is
	// cut to truncateToChars with an ellipsis. Long responses take minutes to
	// speak and almost always indicate a runaway generation.
	maxResponseChars = 2000
	truncateToChars  = 1500

	// repetitionWindow and repetitionLimit configure the stuck-model guard:
	// a filler phrase appearing repetitionLimit or more times within the last
	// repetitionWindow characters means the model is looping.
	repetitionWindow = 200
	repetitionLimit  = 4
)

// fillerPhrases are the degenerate outputs small models loop on.
var fillerPhrases = []string{
	"I'm ready",
	"I am ready",
	"Ready.",
	"...",
	"I'm here",
}

// stuckFallback is spoken when the repetition guard leaves nothing usable.
const stuckFallback = "Sorry, I lost my train of thought. Could you repeat that?"

// Result is the reconciled output of one completion.
type Result struct {
	// Text is the cleaned response text, safe to speak.
	Text string

	// ToolCalls is the definitive tool call list. When the backend reported
	// native tool calls those win; otherwise calls extracted from the text.
	ToolCalls []types.ToolCall
}

// Normalize reconciles raw response text with the backend's native tool calls.
//
// Native API tool calls always take priority; in that case any tool call JSON
// the model also printed into the text is stripped as an artifact. Without
// native calls, the text is scanned for embedded tool call JSON (fenced
// ```json blocks and bare objects) and any found are promoted to real calls.
func Normalize(text string, apiToolCalls []types.ToolCall) Result {
	if len(apiToolCalls) > 0 {
		cleaned, _ := extractToolCalls(text)
		return Result{
			Text:      finishText(cleaned),
			ToolCalls: sanitizeCalls(apiToolCalls),
		}
	}

	cleaned, extracted := extractToolCalls(text)
	return Result{
		Text:      finishText(cleaned),
		ToolCalls: extracted,
	}
}

// finishText applies the repetition and length guards to already
// artifact-free text.
func finishText(text string) string {
	text = strings.TrimSpace(text)
	text = guardRepetition(text)
	if len(text) > maxResponseChars {
		text = strings.TrimSpace(text[:truncateToChars]) + "…"
	}
	return text
}

// guardRepetition detects a model stuck looping a filler phrase and cuts the
// response back to the text before the loop started.
func guardRepetition(text string) string {
	tail := text
	if len(tail) > repetitionWindow {
		tail = tail[len(tail)-repetitionWindow:]
	}
	for _, phrase := range fillerPhrases {
		if strings.Count(tail, phrase) < repetitionLimit {
			continue
		}
		if idx := strings.Index(text, phrase); idx >= 0 {
			kept := strings.TrimSpace(text[:idx])
			if kept == "" {
				return stuckFallback
			}
			return kept
		}
	}
	return text
}

// embeddedCall matches the shapes models use when writing a tool call as
// text. Both "arguments" and "parameters" appear in the wild.
type embeddedCall struct {
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	Parameters json.RawMessage `json:"parameters"`
}

// extractToolCalls strips tool call JSON from text and returns the cleaned
// text plus the extracted calls. It handles fenced ```json blocks first, then
// bare top-level JSON objects mentioning a "name" key.
func extractToolCalls(text string) (string, []types.ToolCall) {
	var calls []types.ToolCall

	text = stripFencedCalls(text, &calls)
	text = stripBareCalls(text, &calls)

	return strings.TrimSpace(text), calls
}

// stripFencedCalls removes ```json fenced blocks that parse as tool calls.
// Fenced blocks that are not tool calls are left in place.
func stripFencedCalls(text string, calls *[]types.ToolCall) string {
	var out strings.Builder
	for {
		start := strings.Index(text, "```")
		if start < 0 {
			out.WriteString(text)
			break
		}
		rest := text[start+3:]
		// Skip an optional language tag up to the first newline.
		bodyStart := 0
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && isLanguageTag(rest[:nl]) {
			bodyStart = nl + 1
		}
		end := strings.Index(rest[bodyStart:], "```")
		if end < 0 {
			out.WriteString(text)
			break
		}
		body := rest[bodyStart : bodyStart+end]
		if call, ok := parseCall(body); ok {
			*calls = append(*calls, call)
			out.WriteString(text[:start])
		} else {
			out.WriteString(text[:start+3+bodyStart+end+3])
		}
		text = rest[bodyStart+end+3:]
	}
	return out.String()
}

// isLanguageTag reports whether a fence info string looks like a language
// identifier rather than JSON content on the same line.
func isLanguageTag(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || !strings.ContainsAny(s, "{}")
}

// stripBareCalls scans for balanced top-level JSON objects and removes those
// that parse as tool calls.
func stripBareCalls(text string, calls *[]types.ToolCall) string {
	var out strings.Builder
	for i := 0; i < len(text); {
		if text[i] != '{' {
			out.WriteByte(text[i])
			i++
			continue
		}
		end := matchBrace(text, i)
		if end < 0 {
			out.WriteString(text[i:])
			break
		}
		candidate := text[i : end+1]
		if call, ok := parseCall(candidate); ok {
			*calls = append(*calls, call)
		} else {
			out.WriteString(candidate)
		}
		i = end + 1
	}
	return out.String()
}

// matchBrace returns the index of the brace closing the one at start, or -1.
// String literals are honored so braces inside them do not count.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// parseCall attempts to interpret a JSON snippet as an embedded tool call.
// It requires a non-empty "name" field; arguments that fail to parse as a
// JSON object degrade to "{}" rather than failing the call.
func parseCall(snippet string) (types.ToolCall, bool) {
	snippet = strings.TrimSpace(snippet)
	if !strings.HasPrefix(snippet, "{") {
		return types.ToolCall{}, false
	}

	dec := json.NewDecoder(strings.NewReader(snippet))
	dec.DisallowUnknownFields()
	var ec embeddedCall
	if err := dec.Decode(&ec); err != nil || ec.Name == "" {
		return types.ToolCall{}, false
	}

	raw := ec.Arguments
	if raw == nil {
		raw = ec.Parameters
	}
	return types.ToolCall{
		Name:      ec.Name,
		Arguments: normalizeArguments(raw),
	}, true
}

// normalizeArguments coerces raw argument JSON into an object-encoded string.
// Models sometimes double-encode arguments as a JSON string; that layer is
// unwrapped. Anything unparseable becomes "{}".
func normalizeArguments(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	trimmed := strings.TrimSpace(string(raw))

	// Double-encoded: a JSON string whose content is the real object.
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err == nil {
			trimmed = strings.TrimSpace(inner)
		}
	}

	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return trimmed
	}
	return "{}"
}

// sanitizeCalls ensures native API tool calls carry parseable argument
// objects, applying the same degradation rule as extracted calls.
func sanitizeCalls(calls []types.ToolCall) []types.ToolCall {
	out := make([]types.ToolCall, len(calls))
	for i, c := range calls {
		c.Arguments = normalizeArguments(json.RawMessage(c.Arguments))
		out[i] = c
	}
	return out
}
