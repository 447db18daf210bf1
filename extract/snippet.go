package extract

import (
	"strconv"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Extractor produces Snippet records from candidate blocks. It never
// fails: missing siblings, attributes, or metadata all degrade to empty
// strings.
type Extractor struct {
	markdown    bool
	mdConverter *converter.Converter
	policy      *bluemonday.Policy
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithMarkdownDescriptions renders the sibling paragraphs through the
// markdown converter instead of flattening them to plain text. Conversion
// failures fall back to the plain-text form.
func WithMarkdownDescriptions() ExtractorOption {
	return func(e *Extractor) { e.markdown = true }
}

// NewExtractor creates an Extractor.
func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		mdConverter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
		policy: bluemonday.UGCPolicy(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract builds a Snippet from a candidate block and its page context.
func (e *Extractor) Extract(b CandidateBlock, pc PageContext) Snippet {
	return Snippet{
		Type:        SnippetType,
		UID:         strconv.Itoa(b.UID),
		Title:       pc.Title,
		Code:        codeText(b),
		Description: e.description(b),
		Tags:        InferTags(b.Wrapper),
		Meta: Meta{
			Target: pc.Target,
			Website: Website{
				URL:   pc.URL,
				Name:  pc.Hostname,
				Brand: pc.Brand,
			},
		},
	}
}

// SafeHTML returns a sanitized HTML rendering of the block's wrapper,
// suitable for embedding in the popup or overlay surface. The source page
// is untrusted; everything outside the sanitizer's allow-list is stripped.
func (e *Extractor) SafeHTML(b CandidateBlock) string {
	root := b.Wrapper
	if root == nil {
		root = b.Element
	}
	if root == nil {
		return ""
	}
	return e.policy.Sanitize(renderNode(root))
}

// codeText prefers an inner <code> element when present, falling back to
// the matched element itself. Indentation is preserved; only the outer
// edges are trimmed.
func codeText(b CandidateBlock) string {
	n := b.Element
	if n == nil {
		return ""
	}
	if n.DataAtom != atom.Code {
		if inner := Compile("code").FirstDescendant(n); inner != nil {
			n = inner
		}
	}
	return strings.TrimSpace(rawText(n))
}

// description joins the text of the immediately preceding and following
// sibling paragraphs of the wrapper. Either side may be absent; the result
// is "" when both are.
func (e *Extractor) description(b CandidateBlock) string {
	if b.Wrapper == nil {
		return ""
	}
	prev := e.paragraphText(prevElementSibling(b.Wrapper))
	next := e.paragraphText(nextElementSibling(b.Wrapper))
	return strings.TrimSpace(prev + " " + next)
}

// paragraphText returns the text of n when it is a <p>, else "".
func (e *Extractor) paragraphText(n *html.Node) string {
	if n == nil || n.DataAtom != atom.P {
		return ""
	}
	plain := strings.TrimSpace(rawText(n))
	if !e.markdown {
		return plain
	}
	md, err := e.mdConverter.ConvertString(renderNode(n))
	if err != nil || strings.TrimSpace(md) == "" {
		return plain
	}
	return strings.TrimSpace(md)
}

func prevElementSibling(n *html.Node) *html.Node {
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode {
			return s
		}
	}
	return nil
}

func nextElementSibling(n *html.Node) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			return s
		}
	}
	return nil
}
