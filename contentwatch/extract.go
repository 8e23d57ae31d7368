package contentwatch

import (
	"regexp"
	"strconv"
	"strings"
)

// Ordered from most to least specific; the first hit wins.
var numberPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)di\s+(\d+)\s+risultat`),
	regexp.MustCompile(`(?i)of\s+(\d+)\s+result`),
	regexp.MustCompile(`(?i)(\d+)\s+(?:prodott|item|articol)`),
	regexp.MustCompile(`(?i)totale?:?\s*(\d+)`),
	regexp.MustCompile(`(\d+)`),
}

// ExtractNumber pulls the most meaningful integer out of an element's text,
// e.g. the total in "1-20 of 134 results". ok is false when the text holds
// no digits.
func ExtractNumber(text string) (value float64, ok bool) {
	text = strings.TrimSpace(text)
	for _, re := range numberPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		return n, true
	}
	return 0, false
}
