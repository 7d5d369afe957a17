package render

import (
	"encoding/json"
	"regexp"
	"strings"
)

// variable pattern for template substitution: {{variable_name}}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Render substitutes {{variable}} patterns in a template string.
// Unknown variables are left as-is. Template bodies arrive pre-compiled
// (MJML is flattened to HTML at publish time), so this is pure
// substitution.
func Render(template string, vars map[string]string) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		varName := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[varName]; ok {
			return value
		}
		return match
	})
}

// Variables builds the substitution map for a recipient. Recipient
// variables win over the built-ins.
func Variables(email, recipientJSON string) map[string]string {
	vars := map[string]string{
		"email":           email,
		"recipient_email": email,
	}

	if recipientJSON == "" {
		return vars
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(recipientJSON), &raw); err != nil {
		return vars
	}

	for k, v := range raw {
		switch val := v.(type) {
		case string:
			vars[k] = val
		case nil:
			// skip
		default:
			data, err := json.Marshal(val)
			if err == nil {
				vars[k] = strings.Trim(string(data), `"`)
			}
		}
	}

	return vars
}
