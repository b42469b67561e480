package schemas

import "regexp"

// TemplateRef is one ${node_id.field} reference found inside a string value.
type TemplateRef struct {
	Raw    string
	NodeID string
	Field  string
}

var templateRefPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.-]+?)\.([A-Za-z0-9_]+)\}`)

// TemplateRefs extracts every ${node_id.field} reference from a string.
// Returns nil when the string contains none.
func TemplateRefs(s string) []TemplateRef {
	matches := templateRefPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	refs := make([]TemplateRef, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, TemplateRef{Raw: m[0], NodeID: m[1], Field: m[2]})
	}
	return refs
}
