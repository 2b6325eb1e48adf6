package browser

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Link is an anchor found on a page, resolved against the page URL.
type Link struct {
	Text string
	URL  string
}

// page is the parsed form of a loaded document.
type page struct {
	title string
	text  string
	links []Link
}

// hiddenElements never contribute visible text.
var hiddenElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Template: true,
}

// boilerplateElements are dropped from text but still scanned for
// links, since site navigation is often where the useful links live.
var boilerplateElements = map[atom.Atom]bool{
	atom.Nav:    true,
	atom.Footer: true,
	atom.Header: true,
	atom.Aside:  true,
}

// parsePage extracts the title, visible text and links of raw. base
// resolves relative hrefs; it may be nil.
func parsePage(raw string, base *url.URL) page {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return page{text: cleanWhitespace(raw)}
	}

	var p page
	var text strings.Builder
	seen := make(map[string]bool)

	var walk func(n *html.Node, inText bool)
	walk = func(n *html.Node, inText bool) {
		if n.Type == html.ElementNode {
			switch {
			case hiddenElements[n.DataAtom], n.DataAtom == atom.Title:
				return
			case boilerplateElements[n.DataAtom]:
				inText = false
			}
			if n.DataAtom == atom.A {
				if l, ok := resolveLink(n, base); ok && !seen[l.URL] {
					seen[l.URL] = true
					p.links = append(p.links, l)
				}
			}
			if inText && isBlock(n.DataAtom) && text.Len() > 0 {
				text.WriteString("\n\n")
			}
		}

		if n.Type == html.TextNode && inText {
			if s := strings.TrimSpace(n.Data); s != "" {
				text.WriteString(s)
				text.WriteString(" ")
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inText)
		}

		if inText && n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
			text.WriteString("\n")
		}
	}

	// The title lives in <head>, which is otherwise hidden.
	if t := findElement(doc, atom.Title); t != nil {
		p.title = strings.TrimSpace(textContent(t))
	}
	walk(doc, true)
	p.text = cleanWhitespace(text.String())
	return p
}

func resolveLink(n *html.Node, base *url.URL) (Link, bool) {
	var href string
	for _, a := range n.Attr {
		if a.Key == "href" {
			href = strings.TrimSpace(a.Val)
			break
		}
	}
	label := strings.Join(strings.Fields(textContent(n)), " ")
	if href == "" || label == "" || strings.HasPrefix(href, "#") {
		return Link{}, false
	}
	u, err := url.Parse(href)
	if err != nil {
		return Link{}, false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Link{}, false
	}
	u.Fragment = ""
	return Link{Text: label, URL: u.String()}, true
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Tr, atom.Dl, atom.Dd, atom.Dt, atom.Figcaption, atom.Figure,
		atom.Details, atom.Summary, atom.Hr:
		return true
	}
	return false
}

// cleanWhitespace collapses runs of blanks within lines and keeps at
// most one empty line between paragraphs.
func cleanWhitespace(s string) string {
	var out []string
	prevEmpty := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if prevEmpty {
				continue
			}
			prevEmpty = true
		} else {
			prevEmpty = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
