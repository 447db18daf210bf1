// Package extract turns code-bearing regions of arbitrary third-party HTML
// into normalized Snippet records.
//
// The package is deliberately split into three stages that mirror how the
// page agent consumes them:
//
//	Scan(doc)        -> []CandidateBlock   (pure, positional uids)
//	InferTags(block) -> []Tag              (class-name heuristics)
//	Extract(block)   -> Snippet            (code, description, provenance)
//
// Scanning is a pure function of the document: it is re-run on every query
// and never caches node references, because the page may mutate its DOM
// between queries. Uids are positional discovery indexes, unique within one
// scan only.
package extract

import (
	"net/url"

	"golang.org/x/net/html"
)

// SnippetType classifies the origin of a capture. Snippets extracted from
// third-party pages are always "wiki".
const SnippetType = "wiki"

// Tag is a single inferred language tag. Producers do not de-duplicate and
// do not normalize case; consumers must tolerate repeats.
type Tag struct {
	Name string `json:"name"`
}

// Target identifies the host variant that produced a snippet.
type Target struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Website records the provenance of the source page.
type Website struct {
	URL   string `json:"url"`
	Name  string `json:"name"`
	Brand string `json:"brand"`
}

// Meta carries snippet provenance.
type Meta struct {
	Target  Target  `json:"target"`
	Website Website `json:"website"`
}

// Snippet is the normalized capture record. Immutable once extracted;
// persistence is the companion application's job, not ours.
type Snippet struct {
	Type        string `json:"type"`
	UID         string `json:"uid"`
	Title       string `json:"title"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Tags        []Tag  `json:"tags"`
	Meta        Meta   `json:"meta"`
}

// PageContext is the per-page environment an extraction runs in. The page
// agent assembles it once per document; every field is best-effort and may
// be empty.
type PageContext struct {
	Title    string
	URL      string
	Hostname string
	Brand    string
	Target   Target
}

// NewPageContext builds a PageContext from a parsed document and the page
// URL. Title comes from <head><title>, brand from the og:image metadata
// tag; both substitute empty strings when absent.
func NewPageContext(doc *html.Node, pageURL string, target Target) PageContext {
	pc := PageContext{
		Title:  DocumentTitle(doc),
		URL:    pageURL,
		Brand:  MetaProperty(doc, "og:image"),
		Target: target,
	}
	if u, err := url.Parse(pageURL); err == nil {
		pc.Hostname = u.Hostname()
	}
	return pc
}
