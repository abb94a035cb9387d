package transcription

import "strings"

// Approximate whisper model sizes in MB.
var modelSizes = map[string]int{
	"tiny":   39,
	"base":   74,
	"small":  244,
	"medium": 769,
	"large":  1550,
}

// ModelSizeMB returns the size of a whisper model, ignoring ".en" and
// version suffixes such as "-v3". Unknown models report 0.
func ModelSizeMB(name string) int {
	base := strings.TrimSuffix(strings.ToLower(name), ".en")
	if i := strings.Index(base, "-"); i > 0 {
		base = base[:i]
	}
	return modelSizes[base]
}
