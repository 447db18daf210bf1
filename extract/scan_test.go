package extract

import (
	"testing"
)

const threeBlockPage = `<!DOCTYPE html>
<html><head><title>Sorting in Go</title>
<meta property="og:image" content="https://example.org/logo.png">
</head><body>
<p>First intro.</p>
<pre class="language-go"><code>sort.Ints(xs)</code></pre>
<p>Between one and two.</p>
<div class="highlight highlight-source-python"><pre>xs.sort()</pre></div>
<p>After two.</p>
<pre><code data-lang="rust">xs.sort();</code></pre>
</body></html>`

func TestScanDocumentOrder(t *testing.T) {
	doc := parseDoc(t, threeBlockPage)
	blocks := NewScanner().Scan(doc)
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	for i, b := range blocks {
		if b.UID != i {
			t.Errorf("block %d has uid %d", i, b.UID)
		}
		if b.Wrapper == nil {
			t.Errorf("block %d has no wrapper", i)
		}
	}
}

func TestScanIsIdempotent(t *testing.T) {
	doc := parseDoc(t, threeBlockPage)
	s := NewScanner()
	first := s.Scan(doc)
	for i := 0; i < 3; i++ {
		again := s.Scan(doc)
		if len(again) != len(first) {
			t.Fatalf("rescan %d: count changed %d -> %d", i, len(first), len(again))
		}
		for j := range first {
			if again[j].UID != first[j].UID || again[j].Element != first[j].Element {
				t.Fatalf("rescan %d: block %d differs", i, j)
			}
		}
	}
}

func TestScanEmptyPage(t *testing.T) {
	doc := parseDoc(t, `<html><body><p>No code here.</p></body></html>`)
	if blocks := NewScanner().Scan(doc); len(blocks) != 0 {
		t.Fatalf("expected no blocks, got %d", len(blocks))
	}
}

func TestScanIgnoresBarePre(t *testing.T) {
	// A pre without an inner code and without a highlight wrapper is not a
	// candidate.
	doc := parseDoc(t, `<html><body><pre>ascii art</pre></body></html>`)
	if blocks := NewScanner().Scan(doc); len(blocks) != 0 {
		t.Fatalf("expected no blocks, got %d", len(blocks))
	}
}

func TestDocumentTitle(t *testing.T) {
	doc := parseDoc(t, threeBlockPage)
	if got := DocumentTitle(doc); got != "Sorting in Go" {
		t.Fatalf("title = %q", got)
	}
	empty := parseDoc(t, `<html><body></body></html>`)
	if got := DocumentTitle(empty); got != "" {
		t.Fatalf("expected empty title, got %q", got)
	}
}

func TestMetaProperty(t *testing.T) {
	doc := parseDoc(t, threeBlockPage)
	if got := MetaProperty(doc, "og:image"); got != "https://example.org/logo.png" {
		t.Fatalf("og:image = %q", got)
	}
	if got := MetaProperty(doc, "og:missing"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestProvider(t *testing.T) {
	doc := parseDoc(t, `<html><body><pre data-provider="snippetify"><code>x</code></pre></body></html>`)
	if got := Provider(doc); got != "snippetify" {
		t.Fatalf("provider = %q", got)
	}
	if got := Provider(parseDoc(t, threeBlockPage)); got != "" {
		t.Fatalf("expected empty provider, got %q", got)
	}
}

func TestSelectorChildCombinator(t *testing.T) {
	// code nested deeper than a direct child of pre must not match.
	doc := parseDoc(t, `<html><body><pre><span><code>x</code></span></pre></body></html>`)
	if blocks := NewScanner().Scan(doc); len(blocks) != 0 {
		t.Fatalf("expected no blocks for indirect nesting, got %d", len(blocks))
	}
}

func TestSelectorDescendant(t *testing.T) {
	doc := parseDoc(t, `<html><body><div class="outer"><p><em>deep</em></p></div></body></html>`)
	if n := Compile("div.outer em").First(doc); n == nil {
		t.Fatal("descendant selector did not match")
	}
	if n := Compile("p > div").First(doc); n != nil {
		t.Fatal("impossible selector matched")
	}
}
