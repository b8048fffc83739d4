package retrieval

import (
	"regexp"
	"strconv"
	"strings"
)

var digitRun = regexp.MustCompile(`\d+`)

// yearsIn returns the four-digit 19xx and 20xx numbers in s. Letters may touch
// the number, so "FY2025" yields 2025.
func yearsIn(s string) []string {
	var out []string
	for _, d := range digitRun.FindAllString(s, -1) {
		if len(d) == 4 && (strings.HasPrefix(d, "19") || strings.HasPrefix(d, "20")) {
			out = append(out, d)
		}
	}
	return out
}

// periodYears extracts the years an investment period covers. A range such as
// "2023-2025" expands to every year in between.
func periodYears(period string) map[string]bool {
	found := yearsIn(period)
	if len(found) == 0 {
		return nil
	}
	years := make(map[string]bool)
	for _, y := range found {
		years[y] = true
	}
	if len(found) >= 2 {
		lo, _ := strconv.Atoi(found[0])
		hi, _ := strconv.Atoi(found[len(found)-1])
		if lo > hi {
			lo, hi = hi, lo
		}
		for y := lo; y <= hi && hi-lo <= 20; y++ {
			years[strconv.Itoa(y)] = true
		}
	}
	return years
}

// IsolatePeriod drops sentences that mention years but none inside the period.
// Sentences without years are kept. Returns the filtered text and the number
// of sentences removed.
func IsolatePeriod(text string, years map[string]bool) (string, int) {
	if len(years) == 0 {
		return text, 0
	}

	var kept []string
	dropped := 0
	for _, s := range splitSentences(text) {
		mentioned := yearsIn(s)
		if len(mentioned) == 0 {
			kept = append(kept, s)
			continue
		}
		inPeriod := false
		for _, y := range mentioned {
			if years[y] {
				inPeriod = true
				break
			}
		}
		if inPeriod {
			kept = append(kept, s)
		} else {
			dropped++
		}
	}
	return strings.Join(kept, " "), dropped
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n' {
				if s := strings.TrimSpace(text[start : i+1]); s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
