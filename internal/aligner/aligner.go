// Package aligner maps plain-text chunk boundaries onto the children of the
// chapter's HTML content area so each chunk can be shown with its native
// formatting.
package aligner

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/MikeSquared-Agency/scribe/internal/protocol"
	"github.com/MikeSquared-Agency/scribe/internal/splitter"
)

// Align returns exactly len(textChunks) HTML fragments. Children of root are
// distributed greedily in proportion to each text chunk's length. When the
// structure cannot be split (no root, a single child spanning the document,
// or too few children) the missing fragments are synthesized from the plain
// text instead.
func Align(root *html.Node, textChunks []string) []string {
	fragments, _ := align(root, textChunks)
	return fragments
}

// AlignChecked is Align that also reports, as an error wrapping
// protocol.ErrStructuralMismatch, when any fragment had to be synthesized.
// The fragments are usable either way.
func AlignChecked(root *html.Node, textChunks []string) ([]string, error) {
	fragments, synthesized := align(root, textChunks)
	if synthesized > 0 {
		return fragments, fmt.Errorf("%d of %d fragments synthesized: %w",
			synthesized, len(textChunks), protocol.ErrStructuralMismatch)
	}
	return fragments, nil
}

func align(root *html.Node, textChunks []string) ([]string, int) {
	if len(textChunks) == 0 {
		return nil, 0
	}
	if root == nil {
		return synthesizeAll(textChunks), len(textChunks)
	}
	if len(textChunks) == 1 {
		return []string{RenderChildren(root)}, 0
	}

	fragments := split(root, textChunks)
	if len(fragments) == 1 {
		return synthesizeAll(textChunks), len(textChunks)
	}
	synthesized := 0
	for len(fragments) < len(textChunks) {
		fragments = append(fragments, Synthesize(textChunks[len(fragments)]))
		synthesized++
	}
	return fragments[:len(textChunks)], synthesized
}

// split performs the proportional pass. It degrades to a single fragment
// holding the whole root when there is nothing to distribute.
func split(root *html.Node, textChunks []string) []string {
	children := childNodes(root)
	if countContentChildren(children) <= 1 {
		return []string{RenderChildren(root)}
	}

	textLen := 0
	for _, c := range textChunks {
		textLen += splitter.Len(c)
	}
	structLen := splitter.Len(VisibleText(root))
	scale := 1.0
	if textLen > 0 && structLen > 0 {
		scale = float64(structLen) / float64(textLen)
	}

	var (
		fragments []string
		current   []*html.Node
		curLen    int
		idx       int
	)
	target := float64(splitter.Len(textChunks[0])) * scale
	closeFragment := func() {
		fragments = append(fragments, render(current))
		current = nil
		curLen = 0
		idx++
		if idx < len(textChunks) {
			target = float64(splitter.Len(textChunks[idx])) * scale
		}
	}

	for i := 0; i < len(children); {
		child := children[i]
		if idx == len(textChunks)-1 {
			current = append(current, children[i:]...)
			break
		}
		n := splitter.Len(VisibleText(child))
		if len(current) > 0 && curLen > 0 && float64(curLen+n) > target {
			closeFragment()
			continue
		}
		current = append(current, child)
		curLen += n
		i++
	}
	if len(current) > 0 {
		fragments = append(fragments, render(current))
	}
	return fragments
}

// Synthesize wraps plain text as escaped paragraphs.
func Synthesize(text string) string {
	paras := splitter.Paragraphs(text)
	if len(paras) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range paras {
		sb.WriteString("<p>")
		sb.WriteString(strings.ReplaceAll(html.EscapeString(p), "\n", "<br>"))
		sb.WriteString("</p>")
	}
	return sb.String()
}

func synthesizeAll(textChunks []string) []string {
	out := make([]string, len(textChunks))
	for i, c := range textChunks {
		out[i] = Synthesize(c)
	}
	return out
}

// VisibleText returns the whitespace-collapsed text of n, skipping script
// and style content.
func VisibleText(n *html.Node) string {
	if n == nil {
		return ""
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			}
		case html.CommentNode:
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// RenderChildren renders the inner HTML of n.
func RenderChildren(n *html.Node) string {
	return render(childNodes(n))
}

// ParseFragment parses an HTML snippet and returns a container whose
// children are the snippet's top-level nodes.
func ParseFragment(src string) (*html.Node, error) {
	container := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(src), container)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		container.AppendChild(n)
	}
	return container, nil
}

func childNodes(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}

func countContentChildren(children []*html.Node) int {
	count := 0
	for _, c := range children {
		if VisibleText(c) != "" {
			count++
		}
	}
	return count
}

func render(nodes []*html.Node) string {
	var buf bytes.Buffer
	for _, n := range nodes {
		_ = html.Render(&buf, n)
	}
	return buf.String()
}
