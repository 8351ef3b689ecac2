package plugin

import (
	"fmt"
	"strings"
)

// CatalogKeyPrefix prefixes every catalog map key.
const CatalogKeyPrefix = "VCP"

// renderCatalogEntry renders the per-plugin description block the model
// sees. Plugins without a described command render to "".
func renderCatalogEntry(d Descriptor) string {
	var blocks []string
	for _, c := range d.Commands {
		if c.Description == "" {
			continue
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "- %s (%s) - command: %s:\n", d.Name, d.ID, c.Command)
		sb.WriteString(indent(c.Description, 4))
		if c.Example != "" {
			sb.WriteString("\n  call example:\n")
			sb.WriteString(indent(c.Example, 4))
		}
		blocks = append(blocks, sb.String())
	}
	return strings.Join(blocks, "\n\n")
}

func indent(text string, spaces int) string {
	pad := strings.Repeat(" ", spaces)
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = pad + line
	}
	return strings.Join(lines, "\n")
}
