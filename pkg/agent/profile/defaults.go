package profile

import "strings"

// Embedded template names.
const (
	Main     = "default"
	Subagent = "subagent"
)

func defaultTemplateName(name string) string {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return Main
	}

	return trimmed
}
