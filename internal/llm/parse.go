package llm

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Answer is the parsed form of a synthesis response.
type Answer struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
}

func preview(s string) string {
	if len(s) > 500 {
		return s[:500] + "... (truncated)"
	}
	return s
}

// ParseQuestions extracts a JSON array of question strings from a response,
// tolerating surrounding prose. Blank and repeated entries are dropped.
func ParseQuestions(response string) ([]string, error) {
	jsonStart := strings.Index(response, "[")
	jsonEnd := strings.LastIndex(response, "]")
	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		return nil, fmt.Errorf("no valid JSON array found in response (got %d chars): %q", len(response), preview(response))
	}

	var raw []string
	if err := json.Unmarshal([]byte(response[jsonStart:jsonEnd+1]), &raw); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}

	seen := make(map[string]bool, len(raw))
	var out []string
	for _, q := range raw {
		q = strings.TrimSpace(q)
		key := strings.ToLower(q)
		if q == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty question list returned")
	}
	return out, nil
}

// ParseQuestion extracts a single question from {"question": "..."} or, failing
// that, the first non-empty line of the response.
func ParseQuestion(response string) string {
	var obj struct {
		Question string `json:"question"`
	}
	if body, ok := jsonObject(response); ok && json.Unmarshal([]byte(body), &obj) == nil {
		return strings.TrimSpace(obj.Question)
	}
	for _, line := range strings.Split(response, "\n") {
		if line = strings.Trim(strings.TrimSpace(line), `"`); line != "" {
			return line
		}
	}
	return ""
}

// ParseMissingQuestions extracts {"missing_questions": [...]} from a response.
// Entries without a question and repeats are dropped; an empty list is valid.
func ParseMissingQuestions(response string) ([]MissingQuestion, error) {
	body, ok := jsonObject(response)
	if !ok {
		return nil, fmt.Errorf("no valid JSON object found in response (got %d chars): %q", len(response), preview(response))
	}

	var obj struct {
		MissingQuestions []MissingQuestion `json:"missing_questions"`
	}
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}

	seen := make(map[string]bool, len(obj.MissingQuestions))
	var out []MissingQuestion
	for _, m := range obj.MissingQuestions {
		m.Question = strings.TrimSpace(m.Question)
		key := strings.ToLower(m.Question)
		if m.Question == "" || seen[key] {
			continue
		}
		seen[key] = true
		m.Importance = strings.TrimSpace(m.Importance)
		m.Reason = strings.TrimSpace(m.Reason)
		out = append(out, m)
	}
	return out, nil
}

// ParseAnswer extracts {"answer", "confidence"} from a response. Confidence is
// clamped to [0,1]; a confidence given as a percentage (e.g. 72) is scaled down.
func ParseAnswer(response string) (Answer, error) {
	body, ok := jsonObject(response)
	if !ok {
		return Answer{}, fmt.Errorf("no valid JSON object found in response (got %d chars): %q", len(response), preview(response))
	}

	var a Answer
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return Answer{}, fmt.Errorf("unmarshal JSON: %w", err)
	}
	a.Answer = strings.TrimSpace(a.Answer)
	if a.Answer == "" {
		return Answer{}, fmt.Errorf("empty answer returned")
	}
	a.Confidence = NormalizeConfidence(a.Confidence)
	return a, nil
}

// NormalizeConfidence maps a model-reported confidence into [0,1].
func NormalizeConfidence(c float64) float64 {
	if math.IsNaN(c) {
		return 0
	}
	if c > 1 && c <= 100 {
		c /= 100
	}
	return math.Max(0, math.Min(1, c))
}

func jsonObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
