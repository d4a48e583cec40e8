// Package notify implements the notification policy engine: it matches
// completed job runs against policies, renders templated messages and fans
// the result out to configured channels.
package notify

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var (
	scalarPattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)?)\}\}`)
	eachPattern   = regexp.MustCompile(`(?s)\{\{#each server_results\}\}(.*?)\{\{/each\}\}`)
)

// ServerResult is one per-server (or per-step) entry of the template
// context, bound inside {{#each server_results}} blocks.
type ServerResult struct {
	ServerName    string
	Status        string
	ExitCode      int
	StdoutSnippet string
	StderrSnippet string
}

func (r *ServerResult) field(name string) (any, bool) {
	switch name {
	case "server_name":
		return r.ServerName, true
	case "status":
		return r.Status, true
	case "exit_code":
		return r.ExitCode, true
	case "stdout_snippet":
		return r.StdoutSnippet, true
	case "stderr_snippet":
		return r.StderrSnippet, true
	}
	return nil, false
}

// TemplateContext is the immutable record message templates render against.
type TemplateContext struct {
	Scalars       map[string]any
	Metrics       map[string]any
	ServerResults []ServerResult
}

// Render expands a message template against the context. The renderer is
// total: unresolved placeholders stay verbatim, so a malformed template can
// never prevent delivery of a partial message. At most one {{#each}} block
// per template is supported. Each segment is scanned exactly once, so
// placeholder-looking text inside substituted values stays inert.
func Render(template string, ctx *TemplateContext) string {
	loc := eachPattern.FindStringSubmatchIndex(template)
	if loc == nil {
		return renderScalars(template, ctx, nil)
	}

	inner := template[loc[2]:loc[3]]
	var b strings.Builder
	b.WriteString(renderScalars(template[:loc[0]], ctx, nil))
	for i := range ctx.ServerResults {
		b.WriteString(renderScalars(inner, ctx, &ctx.ServerResults[i]))
	}
	b.WriteString(renderScalars(template[loc[1]:], ctx, nil))
	return b.String()
}

func renderScalars(template string, ctx *TemplateContext, element *ServerResult) string {
	return scalarPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-2]

		if element != nil {
			if v, ok := element.field(name); ok {
				return stringify(v)
			}
		}
		if v, ok := ctx.Scalars[name]; ok {
			return stringify(v)
		}
		if key, ok := metricsKey(name); ok {
			if v, exists := ctx.Metrics[key]; exists {
				return stringify(v)
			}
		}
		return match
	})
}

func metricsKey(name string) (string, bool) {
	const prefix = "metrics."
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		return name[len(prefix):], true
	}
	return "", false
}

// stringify renders a context value: numbers in canonical decimal form,
// booleans as true/false, anything structured as JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
