package minutes

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_][A-Za-z0-9_.\-]*)\s*\}\}`)

// Missing returns the marker rendered for a placeholder with no value.
func Missing(key string) string { return "[MISSING:" + key + "]" }

// Render substitutes {{key}} placeholders from vars. Dotted keys walk
// nested maps. The second result lists the keys that had no value, in
// order of first appearance.
func Render(tmpl string, vars map[string]any) (string, []string) {
	var missing []string
	seen := map[string]bool{}
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := lookup(vars, key); ok {
			return v
		}
		if !seen[key] {
			seen[key] = true
			missing = append(missing, key)
		}
		return Missing(key)
	})
	return out, missing
}

// Placeholders lists the distinct keys referenced by tmpl.
func Placeholders(tmpl string) []string {
	var keys []string
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}

func lookup(vars map[string]any, key string) (string, bool) {
	var cur any = vars
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		if cur, ok = m[part]; !ok {
			return "", false
		}
	}
	return format(cur)
}

func format(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, x != ""
	case []string:
		return strings.Join(x, ", "), len(x) > 0
	case map[string]any:
		return "", false
	default:
		return fmt.Sprint(x), true
	}
}
