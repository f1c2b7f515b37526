package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// SelectorHandler takes the first element matching one of its selectors.
// Selectors are single compound selectors: tag, .class, #id, tag.class or
// tag#id.
type SelectorHandler struct {
	Selectors []string
}

func (s SelectorHandler) ExtractContent(doc *html.Node) Content {
	return contentFrom(doc, s.FindContentArea(doc))
}

func (s SelectorHandler) FindContentArea(doc *html.Node) *html.Node {
	for _, sel := range s.Selectors {
		if n := queryFirst(doc, parseSelector(sel)); n != nil {
			return n
		}
	}
	return nil
}

type selector struct {
	tag   string
	id    string
	class string
}

func parseSelector(s string) selector {
	s = strings.TrimSpace(s)
	var sel selector
	if i := strings.IndexAny(s, ".#"); i >= 0 {
		sel.tag = s[:i]
		if s[i] == '#' {
			sel.id = s[i+1:]
		} else {
			sel.class = s[i+1:]
		}
	} else {
		sel.tag = s
	}
	return sel
}

func (sel selector) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if sel.tag != "" && !strings.EqualFold(n.Data, sel.tag) {
		return false
	}
	if sel.id != "" && attr(n, "id") != sel.id {
		return false
	}
	if sel.class != "" {
		found := false
		for _, c := range strings.Fields(attr(n, "class")) {
			if c == sel.class {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func queryFirst(root *html.Node, sel selector) *html.Node {
	if sel.matches(root) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := queryFirst(c, sel); n != nil {
			return n
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
