// Package render converts model Markdown output into the HTML subset
// Telegram accepts. Constructs Telegram has no tag for degrade to their
// plain-text content instead of leaking raw markup into the chat.
package render

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// TelegramMessageLimit is the longest message the platform accepts.
const TelegramMessageLimit = 4096

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough),
)

// ToHTML renders Markdown as Telegram-flavored HTML.
func ToHTML(source string) string {
	src := []byte(source)
	root := markdown.Parser().Parse(text.NewReader(src))

	var b strings.Builder
	renderChildren(&b, src, root)
	return tidy(b.String())
}

// Truncate cuts s to at most limit runes, marking the cut with an
// ellipsis.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}

func renderChildren(b *strings.Builder, src []byte, n ast.Node) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		renderNode(b, src, c)
	}
}

func renderNode(b *strings.Builder, src []byte, n ast.Node) {
	switch node := n.(type) {
	case *ast.Paragraph:
		renderChildren(b, src, n)
		b.WriteString("\n\n")
	case *ast.TextBlock:
		renderChildren(b, src, n)
		b.WriteString("\n")
	case *ast.Heading:
		b.WriteString("<b>")
		renderChildren(b, src, n)
		b.WriteString("</b>\n\n")
	case *ast.Emphasis:
		tag := "i"
		if node.Level >= 2 {
			tag = "b"
		}
		fmt.Fprintf(b, "<%s>", tag)
		renderChildren(b, src, n)
		fmt.Fprintf(b, "</%s>", tag)
	case *east.Strikethrough:
		b.WriteString("<s>")
		renderChildren(b, src, n)
		b.WriteString("</s>")
	case *ast.CodeSpan:
		b.WriteString("<code>")
		renderChildren(b, src, n)
		b.WriteString("</code>")
	case *ast.FencedCodeBlock:
		renderCodeBlock(b, src, node, node.Language(src))
	case *ast.CodeBlock:
		renderCodeBlock(b, src, node, nil)
	case *ast.Blockquote:
		var quote strings.Builder
		renderChildren(&quote, src, n)
		b.WriteString("<blockquote>")
		b.WriteString(strings.TrimSpace(quote.String()))
		b.WriteString("</blockquote>\n\n")
	case *ast.Link:
		fmt.Fprintf(b, `<a href="%s">`, html.EscapeString(string(node.Destination)))
		renderChildren(b, src, n)
		b.WriteString("</a>")
	case *ast.AutoLink:
		url := string(node.URL(src))
		fmt.Fprintf(b, `<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(string(node.Label(src))))
	case *ast.List:
		renderList(b, src, node)
	case *ast.Image:
		// no inline images in chat; keep the alt text
		renderChildren(b, src, n)
	case *ast.ThematicBreak:
		b.WriteString("\n")
	case *ast.RawHTML:
		for i := 0; i < node.Segments.Len(); i++ {
			segment := node.Segments.At(i)
			b.WriteString(html.EscapeString(string(segment.Value(src))))
		}
	case *ast.HTMLBlock:
		renderLines(b, src, node)
		b.WriteString("\n")
	case *ast.Text:
		b.WriteString(html.EscapeString(string(node.Segment.Value(src))))
		if node.SoftLineBreak() || node.HardLineBreak() {
			b.WriteString("\n")
		}
	case *ast.String:
		b.WriteString(html.EscapeString(string(node.Value)))
	default:
		renderChildren(b, src, n)
	}
}

func renderList(b *strings.Builder, src []byte, list *ast.List) {
	number := list.Start
	if number == 0 {
		number = 1
	}
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		if list.IsOrdered() {
			fmt.Fprintf(b, "%d. ", number)
			number++
		} else {
			b.WriteString("• ")
		}
		var itemBody strings.Builder
		renderChildren(&itemBody, src, item)
		b.WriteString(strings.TrimSpace(itemBody.String()))
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func renderCodeBlock(b *strings.Builder, src []byte, block ast.Node, language []byte) {
	var code strings.Builder
	lines := block.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		code.Write(segment.Value(src))
	}

	escaped := html.EscapeString(code.String())
	if len(language) > 0 {
		fmt.Fprintf(b, `<pre><code class="language-%s">%s</code></pre>`, html.EscapeString(string(language)), escaped)
	} else {
		fmt.Fprintf(b, "<pre>%s</pre>", escaped)
	}
	b.WriteString("\n\n")
}

func renderLines(b *strings.Builder, src []byte, block ast.Node) {
	lines := block.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		b.WriteString(html.EscapeString(string(segment.Value(src))))
	}
}

var excessNewlines = regexp.MustCompile(`\n{3,}`)

func tidy(s string) string {
	return strings.TrimSpace(excessNewlines.ReplaceAllString(s, "\n\n"))
}
