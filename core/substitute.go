package core

import (
	"maps"
	"regexp"
)

// varPattern matches {{name}} placeholders. The delimiters are exact: no
// whitespace is tolerated inside the braces.
var varPattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// Substitute replaces every {{name}} occurrence in template with the mapped
// value. It is a single pass: substituted text is never re-scanned, so values
// containing placeholder syntax stay inert. Placeholders without a mapping
// are left verbatim and returned as unresolved names.
func Substitute(template string, vars map[string]string) (string, []string) {
	var unresolved []string
	seen := map[string]struct{}{}

	out := varPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-2]
		if v, ok := vars[name]; ok {
			return v
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			unresolved = append(unresolved, name)
		}
		return match
	})

	return out, unresolved
}

// MergeVariables layers override on top of base without mutating either.
// Used for composite steps, where step variables win over template variables.
func MergeVariables(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	maps.Copy(merged, base)
	maps.Copy(merged, override)
	return merged
}
