package transcript

import (
	"regexp"
	"strings"
)

// noiseMarker matches annotations speech recognisers insert for non-speech
// audio: [BLANK_AUDIO], [ Silence ], (wind blowing), *coughs*, ♪ music ♪ and
// whisper special tokens such as <|nospeech|>.
var noiseMarker = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)|\*[^*\s][^*]*\*|♪[^♪]*♪|♪|<\|[^|>]*\|>`)

// StripNoise removes noise markers from text and collapses the remaining
// whitespace.
func StripNoise(text string) string {
	return strings.Join(strings.Fields(noiseMarker.ReplaceAllString(text, " ")), " ")
}

// IsNoise reports whether text holds nothing but noise markers, punctuation
// and whitespace.
func IsNoise(text string) bool {
	return !hasContent(StripNoise(text))
}
