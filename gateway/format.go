package gateway

import (
	"strings"

	"github.com/gomarkdown/markdown/ast"
	"github.com/gomarkdown/markdown/parser"
)

// ToWhatsAppText converts model-produced markdown into WhatsApp formatting:
// *bold*, _italic_, ``` code, bullet lists. WhatsApp renders none of the
// HTML-ish markdown constructs, so everything else is flattened to plain
// text.
func ToWhatsAppText(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}

	doc := parser.New().Parse([]byte(text))

	var sb strings.Builder
	ast.WalkFunc(doc, func(node ast.Node, entering bool) ast.WalkStatus {
		switch n := node.(type) {
		case *ast.Text:
			if entering {
				sb.Write(n.Literal)
			}
		case *ast.Strong, *ast.Heading:
			// WhatsApp bold; headings have no equivalent so they become
			// bold lines.
			sb.WriteString("*")
			if _, isHeading := node.(*ast.Heading); isHeading && !entering {
				sb.WriteString("\n\n")
			}
		case *ast.Emph:
			sb.WriteString("_")
		case *ast.Del:
			sb.WriteString("~")
		case *ast.Code:
			if entering {
				sb.WriteString("`")
				sb.Write(n.Literal)
				sb.WriteString("`")
			}
		case *ast.CodeBlock:
			if entering {
				sb.WriteString("```\n")
				sb.Write(n.Literal)
				sb.WriteString("```\n")
			}
		case *ast.Link:
			// Keep the link text; append the destination after it.
			if !entering {
				sb.WriteString(" (")
				sb.Write(n.Destination)
				sb.WriteString(")")
			}
		case *ast.ListItem:
			if entering {
				sb.WriteString("- ")
			} else {
				sb.WriteString("\n")
			}
		case *ast.Paragraph:
			if !entering {
				if _, inItem := node.GetParent().(*ast.ListItem); !inItem {
					sb.WriteString("\n\n")
				}
			}
		case *ast.Softbreak, *ast.Hardbreak:
			sb.WriteString("\n")
		}
		return ast.GoToNext
	})

	out := sb.String()
	// Collapse the blank-line runs the walk leaves behind
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out)
}
