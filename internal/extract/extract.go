// Package extract locates the chapter body of a fetched page and turns it
// into plain text paragraphs.
//
// Handlers are resolved by hostname through a Registry; pages from unknown
// hosts use the density-based handler.
package extract

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/MikeSquared-Agency/scribe/internal/aligner"
)

// Content is what a handler extracts from a page.
type Content struct {
	Found bool
	Title string
	Text  string // paragraphs separated by blank lines
}

// Handler finds the chapter body of a document.
type Handler interface {
	FindContentArea(doc *html.Node) *html.Node
	ExtractContent(doc *html.Node) Content
}

// Applier is implemented by handlers that need custom placement of the
// enhanced chapter. Others get ReplaceChildren.
type Applier interface {
	ApplyEnhancedContent(area *html.Node, enhancedHTML string) error
}

// Apply writes enhancedHTML into area using the handler's Applier when it
// has one. The markup is sanitized first.
func Apply(h Handler, area *html.Node, enhancedHTML string) error {
	clean := Sanitize(enhancedHTML)
	if a, ok := h.(Applier); ok {
		return a.ApplyEnhancedContent(area, clean)
	}
	return ReplaceChildren(area, clean)
}

// ReplaceChildren swaps the children of area for the parsed fragment.
func ReplaceChildren(area *html.Node, fragment string) error {
	parsed, err := aligner.ParseFragment(fragment)
	if err != nil {
		return err
	}
	for c := area.FirstChild; c != nil; {
		next := c.NextSibling
		area.RemoveChild(c)
		c = next
	}
	for c := parsed.FirstChild; c != nil; {
		next := c.NextSibling
		parsed.RemoveChild(c)
		area.AppendChild(c)
		c = next
	}
	return nil
}

// contentFrom builds Content for an already located area.
func contentFrom(doc, area *html.Node) Content {
	if area == nil {
		return Content{Title: findTitle(doc)}
	}
	text := ParagraphText(area)
	return Content{
		Found: text != "",
		Title: findTitle(doc),
		Text:  text,
	}
}

// ParagraphText renders the visible text of n with one paragraph per block
// element, separated by blank lines. Inline runs between blocks form their
// own paragraph.
func ParagraphText(n *html.Node) string {
	var paras []string
	var inline []*html.Node

	flush := func() {
		var sb strings.Builder
		for _, c := range inline {
			sb.WriteString(aligner.VisibleText(c))
			sb.WriteByte(' ')
		}
		if t := strings.Join(strings.Fields(sb.String()), " "); t != "" {
			paras = append(paras, t)
		}
		inline = inline[:0]
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && isSkipped(c.DataAtom) {
			continue
		}
		if c.Type != html.ElementNode || !isBlock(c.DataAtom) {
			inline = append(inline, c)
			continue
		}
		flush()
		if hasBlockChild(c) {
			if t := ParagraphText(c); t != "" {
				paras = append(paras, t)
			}
			continue
		}
		if t := blockText(c); t != "" {
			paras = append(paras, t)
		}
	}
	flush()
	return strings.Join(paras, "\n\n")
}

// blockText keeps <br> line breaks inside a paragraph.
func blockText(n *html.Node) string {
	var lines []string
	var cur strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			cur.WriteString(n.Data)
			return
		case n.Type == html.ElementNode && n.DataAtom == atom.Br:
			lines = append(lines, cur.String())
			cur.Reset()
			return
		case n.Type == html.ElementNode && isSkipped(n.DataAtom):
			return
		case n.Type == html.CommentNode:
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	lines = append(lines, cur.String())

	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func hasBlockChild(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && isBlock(c.DataAtom) {
			return true
		}
	}
	return false
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Li,
		atom.Table, atom.Tr, atom.Hr, atom.Figure, atom.Figcaption:
		return true
	}
	return false
}

func isSkipped(a atom.Atom) bool {
	switch a {
	case atom.Script, atom.Style, atom.Noscript, atom.Template:
		return true
	}
	return false
}

// findTitle returns the page <title>, falling back to the first <h1>.
func findTitle(doc *html.Node) string {
	if t := firstText(doc, atom.Title); t != "" {
		return t
	}
	return firstText(doc, atom.H1)
}

func firstText(root *html.Node, tag atom.Atom) string {
	if n := findFirst(root, tag); n != nil {
		return aligner.VisibleText(n)
	}
	return ""
}

func findFirst(root *html.Node, tag atom.Atom) *html.Node {
	if root == nil {
		return nil
	}
	if root.Type == html.ElementNode && root.DataAtom == tag {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := findFirst(c, tag); n != nil {
			return n
		}
	}
	return nil
}
