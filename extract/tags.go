package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// InferTags derives language tags from the class-name conventions of the
// wrapper element around a code block. The heuristics run independently
// and their results concatenate in rule order; a single class list can
// trigger several rules. No de-duplication and no case normalization —
// downstream consumers tolerate repeats.
//
// A wrapper with no class attribute matches nothing and is not an error.
func InferTags(wrapper *html.Node) []Tag {
	if wrapper == nil {
		return nil
	}
	class := getAttr(wrapper, "class")
	var tags []Tag

	// Rule 1: language-{tag} / lang-{tag} conventions. Both family markers
	// must appear somewhere in the class list before the rule fires.
	if strings.Contains(class, "lang") && strings.Contains(class, "language") {
		for _, tok := range strings.Fields(class) {
			if !strings.Contains(tok, "language") && !strings.Contains(tok, "lang") {
				continue
			}
			tags = append(tags, splitTokens(tok, "language", "lang")...)
		}
	}

	// Rule 2: a descendant carrying data-lang names the language directly.
	if n := Compile("[data-lang]").FirstDescendant(wrapper); n != nil {
		tags = append(tags, Tag{Name: getAttr(n, "data-lang")})
	}

	// Rule 3: GitHub-style highlight-source-{tag}.
	if strings.Contains(class, "highlight") {
		for _, tok := range strings.Fields(class) {
			if !strings.Contains(tok, "highlight-source") {
				continue
			}
			tags = append(tags, splitTokens(tok, "source", "highlight")...)
		}
	}

	// Rule 4: hljs wrappers with a highlight-{tag} class.
	if strings.Contains(class, "hljs") {
		for _, tok := range strings.Fields(class) {
			if !strings.Contains(tok, "highlight") {
				continue
			}
			tags = append(tags, splitTokens(tok, "highlight")...)
		}
	}

	// Rule 5: a descendant hljs element; its remaining class tokens are the
	// highlighter's language annotations.
	if n := Compile(".hljs").FirstDescendant(wrapper); n != nil {
		for _, tok := range strings.Fields(getAttr(n, "class")) {
			if strings.Contains(tok, "hljs") {
				continue
			}
			if strings.TrimSpace(tok) != "" {
				tags = append(tags, Tag{Name: tok})
			}
		}
	}

	return tags
}

// splitTokens splits a class token on "-" and emits every non-empty part
// that is not one of the literal markers.
func splitTokens(tok string, markers ...string) []Tag {
	var tags []Tag
parts:
	for _, part := range strings.Split(tok, "-") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		for _, m := range markers {
			if p == m {
				continue parts
			}
		}
		tags = append(tags, Tag{Name: part})
	}
	return tags
}
