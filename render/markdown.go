package render

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Flatten strips markdown formatting from model output for transports that
// display plain text only. Structure survives: paragraphs stay separated,
// list items keep a leading dash, code block content is preserved verbatim
// and link targets are kept next to their label.
func Flatten(src string) string {
	source := []byte(src)
	root := goldmark.New().Parser().Parse(text.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch v := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(v.Segment.Value(source))
				if v.SoftLineBreak() || v.HardLineBreak() {
					b.WriteByte('\n')
				}
			}
		case *ast.Paragraph, *ast.Heading:
			if !entering {
				b.WriteString("\n\n")
			}
		case *ast.TextBlock:
			// Tight list items wrap their text in a TextBlock rather
			// than a Paragraph.
			if !entering {
				b.WriteByte('\n')
			}
		case *ast.ListItem:
			if entering {
				b.WriteString("- ")
			}
		case *ast.Link:
			if !entering {
				dest := string(v.Destination)
				if dest != "" {
					b.WriteString(" (" + dest + ")")
				}
			}
		case *ast.AutoLink:
			if entering {
				b.Write(v.URL(source))
			}
		case *ast.Image:
			// Keep the alt text, drop the source.
			if entering {
				b.Write(v.Text(source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock:
			if entering {
				writeCodeLines(&b, source, v)
				b.WriteByte('\n')
			}
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock:
			if entering {
				writeCodeLines(&b, source, v)
				b.WriteByte('\n')
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(collapseBlankLines(b.String()))
}

func writeCodeLines(b *strings.Builder, source []byte, n ast.Node) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
}

// collapseBlankLines squeezes runs of three or more newlines down to two,
// which the block separators above otherwise produce around nested lists.
func collapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}
