// Package gateway expands declaration gateway URLs for redirection.
package gateway

import (
	"fmt"
	"strings"

	"github.com/yosida95/uritemplate/v3"
)

// Expand resolves a gateway value against the declaration's variables.
// RFC 6570 templates are expanded; plain URLs get the iscc_id appended
// as a path segment.
func Expand(gw string, vars map[string]string) (string, error) {
	if !strings.Contains(gw, "{") {
		return strings.TrimSuffix(gw, "/") + "/" + vars["iscc_id"], nil
	}
	tmpl, err := uritemplate.New(gw)
	if err != nil {
		return "", fmt.Errorf("gateway: invalid URI template: %w", err)
	}
	values := uritemplate.Values{}
	for name, val := range vars {
		values[name] = uritemplate.String(val)
	}
	out, err := tmpl.Expand(values)
	if err != nil {
		return "", fmt.Errorf("gateway: expansion failed: %w", err)
	}
	return out, nil
}
