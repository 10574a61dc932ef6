// Package htmltrim reduces a rendered page to the structure an LLM needs to
// write an extraction script: no scripts, styles or hashed class names, and
// no empty wrappers.
package htmltrim

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// DefaultMaxChars bounds the trimmed snapshot.
const DefaultMaxChars = 30000

var (
	removeSelector = "script, style, noscript, svg, path, link, meta, iframe, template"
	hashClassRe    = regexp.MustCompile(`^(css|sc|styled|emotion)-[a-zA-Z0-9]{4,}$`)
	whitespaceRe   = regexp.MustCompile(`\s+`)

	// Elements kept even when they carry no text.
	meaningful = map[string]bool{
		"img": true, "input": true, "button": true, "a": true,
		"select": true, "option": true, "textarea": true,
		"html": true, "head": true, "body": true, "title": true,
	}
)

// Trim parses raw HTML and returns a compact, whitespace-collapsed rendering
// of its structure truncated to maxChars characters. A maxChars <= 0 uses
// DefaultMaxChars.
func Trim(raw string, maxChars int) (string, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	root, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}
	stripComments(root)

	doc := goquery.NewDocumentFromNode(root)
	doc.Find(removeSelector).Remove()

	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		cleanAttrs(s.Get(0))
	})

	// Walk in reverse document order so inner empties go before their parents.
	nodes := doc.Find("body *")
	for i := nodes.Length() - 1; i >= 0; i-- {
		s := nodes.Eq(i)
		if meaningful[goquery.NodeName(s)] {
			continue
		}
		if strings.TrimSpace(s.Text()) != "" {
			continue
		}
		if s.Find("img, input, button, a, select, textarea").Length() > 0 {
			continue
		}
		s.Remove()
	}

	var sb strings.Builder
	if err := html.Render(&sb, root); err != nil {
		return "", fmt.Errorf("rendering html: %w", err)
	}

	out := whitespaceRe.ReplaceAllString(sb.String(), " ")
	return truncate(strings.TrimSpace(out), maxChars), nil
}

func stripComments(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
		} else {
			stripComments(c)
		}
		c = next
	}
}

func cleanAttrs(n *html.Node) {
	if n == nil || n.Type != html.ElementNode {
		return
	}
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		switch {
		case a.Key == "style", strings.HasPrefix(a.Key, "data-"):
			continue
		case a.Key == "class":
			var semantic []string
			for _, c := range strings.Fields(a.Val) {
				if !hashClassRe.MatchString(c) {
					semantic = append(semantic, c)
				}
			}
			if len(semantic) == 0 {
				continue
			}
			a.Val = strings.Join(semantic, " ")
		}
		kept = append(kept, a)
	}
	n.Attr = kept
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
