package extract

import (
	"strings"
	"testing"

	"golang.org/x/net/html"
)

func testContext(t *testing.T, doc *html.Node) PageContext {
	t.Helper()
	return NewPageContext(doc, "https://wiki.example.org/sorting",
		Target{Type: "daemon", Name: "snipd", Version: "1.0.0"})
}

func TestExtractFullPage(t *testing.T) {
	doc := parseDoc(t, threeBlockPage)
	blocks := NewScanner().Scan(doc)
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}

	e := NewExtractor()
	s := e.Extract(blocks[0], testContext(t, doc))

	if s.Type != "wiki" {
		t.Errorf("type = %q", s.Type)
	}
	if s.UID != "0" {
		t.Errorf("uid = %q", s.UID)
	}
	if s.Title != "Sorting in Go" {
		t.Errorf("title = %q", s.Title)
	}
	if s.Code != "sort.Ints(xs)" {
		t.Errorf("code = %q", s.Code)
	}
	if s.Description != "First intro. Between one and two." {
		t.Errorf("description = %q", s.Description)
	}
	if s.Meta.Website.Name != "wiki.example.org" {
		t.Errorf("website name = %q", s.Meta.Website.Name)
	}
	if s.Meta.Website.Brand != "https://example.org/logo.png" {
		t.Errorf("brand = %q", s.Meta.Website.Brand)
	}
	if s.Meta.Target.Name != "snipd" {
		t.Errorf("target name = %q", s.Meta.Target.Name)
	}
}

func TestExtractMissingEverything(t *testing.T) {
	// No title, no siblings, no metadata: extraction degrades to empty
	// strings, never an error.
	doc := parseDoc(t, `<html><body><pre><code>lonely()</code></pre></body></html>`)
	blocks := NewScanner().Scan(doc)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}

	s := NewExtractor().Extract(blocks[0], NewPageContext(doc, "", Target{}))
	if s.Code != "lonely()" {
		t.Errorf("code = %q", s.Code)
	}
	if s.Description != "" {
		t.Errorf("description = %q, want empty", s.Description)
	}
	if s.Title != "" || s.Meta.Website.Brand != "" || s.Meta.Website.Name != "" {
		t.Errorf("expected empty provenance, got %+v", s)
	}
}

func TestExtractOneSidedDescription(t *testing.T) {
	doc := parseDoc(t, `<html><body><pre><code>x</code></pre><p>Only after.</p></body></html>`)
	blocks := NewScanner().Scan(doc)
	s := NewExtractor().Extract(blocks[0], NewPageContext(doc, "", Target{}))
	if s.Description != "Only after." {
		t.Errorf("description = %q", s.Description)
	}
}

func TestExtractNonParagraphSiblingsIgnored(t *testing.T) {
	doc := parseDoc(t, `<html><body><div>nope</div><pre><code>x</code></pre><ul><li>n</li></ul></body></html>`)
	blocks := NewScanner().Scan(doc)
	s := NewExtractor().Extract(blocks[0], NewPageContext(doc, "", Target{}))
	if s.Description != "" {
		t.Errorf("description = %q, want empty", s.Description)
	}
}

func TestExtractPreservesIndentation(t *testing.T) {
	doc := parseDoc(t, "<html><body><pre><code>if ok {\n\treturn\n}</code></pre></body></html>")
	blocks := NewScanner().Scan(doc)
	s := NewExtractor().Extract(blocks[0], NewPageContext(doc, "", Target{}))
	if s.Code != "if ok {\n\treturn\n}" {
		t.Errorf("code = %q", s.Code)
	}
}

func TestExtractHighlightWrapperCode(t *testing.T) {
	// div.highlight > pre with an inner code: the inner code wins.
	doc := parseDoc(t, `<html><body><div class="highlight"><pre><code>inner()</code></pre></div></body></html>`)
	blocks := NewScanner().Scan(doc)
	s := NewExtractor().Extract(blocks[0], NewPageContext(doc, "", Target{}))
	if s.Code != "inner()" {
		t.Errorf("code = %q", s.Code)
	}
}

func TestMarkdownDescriptions(t *testing.T) {
	doc := parseDoc(t, `<html><body><p>See the <a href="https://example.org/d">docs</a>.</p><pre><code>x</code></pre></body></html>`)
	blocks := NewScanner().Scan(doc)
	s := NewExtractor(WithMarkdownDescriptions()).Extract(blocks[0], NewPageContext(doc, "", Target{}))
	if !strings.Contains(s.Description, "[docs](https://example.org/d)") {
		t.Errorf("markdown description = %q", s.Description)
	}
}

func TestSafeHTMLStripsScripts(t *testing.T) {
	doc := parseDoc(t, `<html><body><pre onclick="evil()"><code>x<script>evil()</script></code></pre></body></html>`)
	blocks := NewScanner().Scan(doc)
	safe := NewExtractor().SafeHTML(blocks[0])
	if strings.Contains(safe, "script") || strings.Contains(safe, "onclick") {
		t.Fatalf("sanitizer let markup through: %q", safe)
	}
	if !strings.Contains(safe, "x") {
		t.Fatalf("sanitizer dropped content: %q", safe)
	}
}
