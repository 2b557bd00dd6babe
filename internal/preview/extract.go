package preview

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements hold no user-visible text.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Svg:      true,
	atom.Head:     true,
}

// page is what we learn from one HTML document.
type page struct {
	title   string
	text    string
	hasRoot bool
	scripts []string
	styles  []string
}

func parsePage(raw string) (page, error) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return page{}, err
	}

	var p page
	var text strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if p.title == "" {
					p.title = strings.TrimSpace(textContent(n))
				}
			case atom.Script:
				if src := attr(n, "src"); src != "" {
					p.scripts = append(p.scripts, src)
				}
			case atom.Link:
				if attr(n, "rel") == "stylesheet" {
					p.styles = append(p.styles, attr(n, "href"))
				}
			case atom.Div:
				if attr(n, "id") == "root" {
					p.hasRoot = true
				}
			}
			if skipElements[n.DataAtom] {
				// Head children still carry title and scripts.
				if n.DataAtom == atom.Head {
					for c := n.FirstChild; c != nil; c = c.NextSibling {
						walkMeta(c, &p)
					}
				}
				return
			}
			if isBlock(n.DataAtom) && text.Len() > 0 {
				text.WriteString("\n")
			}
		}
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				text.WriteString(s)
				text.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	p.text = cleanWhitespace(text.String())
	return p, nil
}

// walkMeta collects title, scripts and stylesheets from head content.
func walkMeta(n *html.Node, p *page) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Title:
			if p.title == "" {
				p.title = strings.TrimSpace(textContent(n))
			}
		case atom.Script:
			if src := attr(n, "src"); src != "" {
				p.scripts = append(p.scripts, src)
			}
		case atom.Link:
			if attr(n, "rel") == "stylesheet" {
				p.styles = append(p.styles, attr(n, "href"))
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkMeta(c, p)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
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
		atom.Ul, atom.Ol, atom.Li, atom.Table, atom.Tr, atom.Pre:
		return true
	}
	return false
}

// cleanWhitespace collapses runs of spaces and blank lines.
func cleanWhitespace(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
