package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// Selector is a compiled CSS selector supporting a small subset of the
// grammar, enough for code-block discovery on uncontrolled pages:
//
//   - tag: "pre", "code", "div"
//   - .class: ".highlight"
//   - #id: "#main"
//   - tag.class: "div.highlight"
//   - tag[attr]: "code[data-lang]"
//   - tag[attr=val]: "pre[data-provider=snippetify]"
//   - descendant combinator: "div.highlight code"
//   - child combinator: "pre > code"
type Selector struct {
	steps []selectorStep
}

type selectorStep struct {
	sel   simpleSelector
	child bool // true when joined to the previous step by ">"
}

type simpleSelector struct {
	tag     string
	id      string
	class   string
	attrKey string
	attrVal string
}

// Compile parses a selector string. Unknown syntax is tolerated loosely:
// unparseable parts simply never match.
func Compile(selector string) Selector {
	var s Selector
	child := false
	for _, part := range strings.Fields(selector) {
		if part == ">" {
			child = true
			continue
		}
		s.steps = append(s.steps, selectorStep{sel: parseSimpleSelector(part), child: child})
		child = false
	}
	return s
}

// Matches reports whether n matches the full selector, walking ancestors
// for the leading steps.
func (s Selector) Matches(n *html.Node) bool {
	if len(s.steps) == 0 {
		return false
	}
	return matchSteps(n, s.steps)
}

// All returns every node under root matching the selector, in document
// order.
func (s Selector) All(root *html.Node) []*html.Node {
	var results []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if s.Matches(n) {
			results = append(results, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return results
}

// First returns the first matching node in document order, or nil.
func (s Selector) First(root *html.Node) *html.Node {
	if s.Matches(root) {
		return root
	}
	return s.FirstDescendant(root)
}

// FirstDescendant is First restricted to strict descendants of root,
// mirroring a jQuery-style .find().
func (s Selector) FirstDescendant(root *html.Node) *html.Node {
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if m := s.First(c); m != nil {
			return m
		}
	}
	return nil
}

// matchSteps checks n against the last step, then resolves the remaining
// steps against n's ancestor chain.
func matchSteps(n *html.Node, steps []selectorStep) bool {
	last := steps[len(steps)-1]
	if !matchesSimple(n, last.sel) {
		return false
	}
	rest := steps[:len(steps)-1]
	if len(rest) == 0 {
		return true
	}

	parent := elementParent(n)
	if last.child {
		// Direct parent must satisfy the remaining chain.
		if parent == nil {
			return false
		}
		return matchSteps(parent, rest)
	}
	// Descendant combinator: any ancestor may satisfy the chain.
	for a := parent; a != nil; a = elementParent(a) {
		if matchSteps(a, rest) {
			return true
		}
	}
	return false
}

// parseSimpleSelector parses "tag.class", "#id", "tag[attr=val]", etc.
func parseSimpleSelector(sel string) simpleSelector {
	var s simpleSelector

	if idx := strings.IndexByte(sel, '['); idx >= 0 {
		attrPart := strings.TrimRight(sel[idx+1:], "]")
		sel = sel[:idx]
		if eqIdx := strings.IndexByte(attrPart, '='); eqIdx >= 0 {
			s.attrKey = attrPart[:eqIdx]
			s.attrVal = strings.Trim(attrPart[eqIdx+1:], `"'`)
		} else {
			s.attrKey = attrPart
		}
	}

	if idx := strings.IndexByte(sel, '#'); idx >= 0 {
		s.id = sel[idx+1:]
		sel = sel[:idx]
	}

	if idx := strings.IndexByte(sel, '.'); idx >= 0 {
		s.class = sel[idx+1:]
		sel = sel[:idx]
	}

	s.tag = sel
	return s
}

func matchesSimple(n *html.Node, s simpleSelector) bool {
	if n.Type != html.ElementNode {
		return false
	}

	if s.tag != "" && n.Data != s.tag {
		return false
	}

	if s.id != "" && getAttr(n, "id") != s.id {
		return false
	}

	if s.class != "" && !hasClassToken(n, s.class) {
		return false
	}

	if s.attrKey != "" {
		if s.attrVal != "" {
			if getAttr(n, s.attrKey) != s.attrVal {
				return false
			}
		} else if !hasAttr(n, s.attrKey) {
			return false
		}
	}

	return true
}

func elementParent(n *html.Node) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode {
			return p
		}
	}
	return nil
}

func hasClassToken(n *html.Node, class string) bool {
	for _, c := range strings.Fields(getAttr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return true
		}
	}
	return false
}
