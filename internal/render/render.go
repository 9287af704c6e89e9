// Package render resolves template expressions against an environment's
// variable scope. Rendering is pure and total: an expression that does not
// resolve passes through unchanged, never an error.
package render

import (
	"regexp"
	"strings"

	"courier/internal/model"
)

var exprPattern = regexp.MustCompile(`\$\{\s*([A-Za-z0-9_.-]+)\s*\}`)

// Render substitutes every ${name} expression in template with its value
// from vars. Unknown names are left as written.
func Render(template string, vars map[string]string) string {
	if !strings.Contains(template, "${") {
		return template
	}
	return exprPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := exprPattern.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// Vars builds the variable scope from an environment's ordered pairs.
// Later duplicates win; disabled entries are skipped.
func Vars(env *model.Environment) map[string]string {
	vars := make(map[string]string)
	if env == nil {
		return vars
	}
	for _, v := range env.Variables {
		if !v.Enabled || v.Name == "" {
			continue
		}
		vars[v.Name] = v.Value
	}
	return vars
}
