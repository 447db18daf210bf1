package extract

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// CandidateSelectors are the code-block patterns recognized on third-party
// pages: a fenced block (`pre > code`) or a provider "highlight" wrapper.
var CandidateSelectors = []string{"pre > code", "div.highlight > pre"}

// CandidateBlock is one discovered code block. Element is the matched node
// (the inner code or pre), Wrapper its parent element, which carries the
// class list used for tag inference and the sibling paragraphs used for
// descriptions. Blocks are not retained between scans.
type CandidateBlock struct {
	UID     int
	Element *html.Node
	Wrapper *html.Node
}

// Scanner discovers candidate blocks with a configurable selector set.
// The zero-cost constructor compiles the selectors once; scanning itself
// is a fresh walk every call.
type Scanner struct {
	selectors []Selector
}

// NewScanner compiles the given selectors, defaulting to
// CandidateSelectors when none are given.
func NewScanner(selectors ...string) *Scanner {
	if len(selectors) == 0 {
		selectors = CandidateSelectors
	}
	s := &Scanner{}
	for _, sel := range selectors {
		s.selectors = append(s.selectors, Compile(sel))
	}
	return s
}

// Scan walks doc once, in document order, and returns every element
// matching any candidate selector. Uids are the 0-based walk positions.
// A document with no matches returns an empty slice, never an error.
func (s *Scanner) Scan(doc *html.Node) []CandidateBlock {
	var blocks []CandidateBlock
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for _, sel := range s.selectors {
			if sel.Matches(n) {
				blocks = append(blocks, CandidateBlock{
					UID:     len(blocks),
					Element: n,
					Wrapper: elementParent(n),
				})
				break
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return blocks
}

// DocumentTitle returns the text of the first <title> element, trimmed.
func DocumentTitle(doc *html.Node) string {
	var find func(*html.Node) string
	find = func(n *html.Node) string {
		if n.Type == html.ElementNode && n.DataAtom == atom.Title {
			return strings.TrimSpace(rawText(n))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if t := find(c); t != "" {
				return t
			}
		}
		return ""
	}
	return find(doc)
}

// MetaProperty returns the content attribute of the first element with the
// given property attribute (e.g. "og:image"), or "".
func MetaProperty(doc *html.Node, property string) string {
	sel := Compile(`[property=` + property + `]`)
	if n := sel.First(doc); n != nil {
		return getAttr(n, "content")
	}
	return ""
}

// Provider returns the data-provider mark of the first <pre> on the page.
// The companion application stamps its own pages so the agent can skip
// injecting affordances there.
func Provider(doc *html.Node) string {
	sel := Compile("pre")
	if n := sel.First(doc); n != nil {
		return getAttr(n, "data-provider")
	}
	return ""
}

// rawText concatenates the text nodes under n verbatim. Unlike a
// whitespace-collapsing walk, this preserves code indentation.
func rawText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// renderNode serializes a node subtree back to HTML. Render only fails on
// exotic node types that never occur in parsed documents; failures yield "".
func renderNode(n *html.Node) string {
	var sb strings.Builder
	if err := html.Render(&sb, n); err != nil {
		return ""
	}
	return sb.String()
}
