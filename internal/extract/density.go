package extract

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/MikeSquared-Agency/scribe/internal/aligner"
)

// DensityHandler finds the chapter body by text-to-markup density. Semantic
// landmarks (<main>, <article>) win when they hold enough text.
type DensityHandler struct {
	MinTextLen int // default 200
}

func (d DensityHandler) minLen() int {
	if d.MinTextLen <= 0 {
		return 200
	}
	return d.MinTextLen
}

func (d DensityHandler) ExtractContent(doc *html.Node) Content {
	return contentFrom(doc, d.FindContentArea(doc))
}

func (d DensityHandler) FindContentArea(doc *html.Node) *html.Node {
	minLen := d.minLen()

	var best *html.Node
	bestLen := 0
	for _, tag := range []atom.Atom{atom.Article, atom.Main} {
		for _, n := range findAll(doc, tag) {
			if isBoilerplate(n) {
				continue
			}
			if l := textLen(n); l >= minLen && l > bestLen {
				best, bestLen = n, l
			}
		}
		if best != nil {
			return best
		}
	}

	body := findFirst(doc, atom.Body)
	if body == nil {
		body = doc
	}
	if n := densestNode(body, minLen); n != nil {
		return n
	}
	if textLen(body) > 0 {
		return body
	}
	return nil
}

type candidate struct {
	node     *html.Node
	textLen  int
	density  float64
	linkDens float64
}

func densestNode(root *html.Node, minLen int) *html.Node {
	var candidates []candidate

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type != html.ElementNode || isBoilerplate(n) || isSkipped(n.DataAtom) {
			return
		}
		if isContainer(n.DataAtom) {
			if tl := textLen(n); tl >= minLen {
				markup := utf8.RuneCountInString(render(n))
				if markup == 0 {
					markup = 1
				}
				candidates = append(candidates, candidate{
					node:     n,
					textLen:  tl,
					density:  float64(tl) / float64(markup),
					linkDens: float64(linkTextLen(n)) / float64(tl),
				})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	var best *html.Node
	var bestScore float64
	for _, c := range candidates {
		if c.linkDens > 0.5 {
			continue
		}
		score := c.density * logScale(c.textLen) * (1 - c.linkDens)
		if score > bestScore {
			best, bestScore = c.node, score
		}
	}
	return best
}

// logScale grows by one per doubling of n above 100.
func logScale(n int) float64 {
	scale := 1.0
	for n > 100 {
		scale++
		n /= 2
	}
	return scale
}

// isContainer reports tags that can hold a whole chapter. Single paragraphs
// are excluded so the parent wins.
func isContainer(a atom.Atom) bool {
	switch a {
	case atom.Main, atom.Article, atom.Section, atom.Div, atom.Td, atom.Blockquote:
		return true
	}
	return false
}

func isBoilerplate(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.Nav, atom.Footer, atom.Header, atom.Aside, atom.Form:
		return true
	}
	for _, attr := range n.Attr {
		switch attr.Key {
		case "class", "id":
			lower := strings.ToLower(attr.Val)
			for _, p := range boilerplatePatterns {
				if strings.Contains(lower, p) {
					return true
				}
			}
		case "role":
			switch attr.Val {
			case "navigation", "banner", "contentinfo", "complementary":
				return true
			}
		}
	}
	return false
}

var boilerplatePatterns = []string{
	"sidebar", "footer", "header", "nav", "menu", "breadcrumb",
	"cookie", "banner", "advert", "social", "share", "comment",
	"related", "widget", "popup", "modal",
}

func textLen(n *html.Node) int {
	return utf8.RuneCountInString(aligner.VisibleText(n))
}

func linkTextLen(n *html.Node) int {
	total := 0
	for _, a := range findAll(n, atom.A) {
		total += textLen(a)
	}
	return total
}

func findAll(root *html.Node, tag atom.Atom) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == tag {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func render(n *html.Node) string {
	var sb strings.Builder
	_ = html.Render(&sb, n)
	return sb.String()
}
