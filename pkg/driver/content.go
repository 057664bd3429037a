package driver

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const maxLinks = 200

// PageContent is the readable text of a page or fragment.
type PageContent struct {
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text"`
	Links     []Link `json:"links,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Link is an anchor found in the content.
type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// ExtractPage turns markup into plain text. Table rows become one line with
// cells separated by " | ", which keeps the portal's process listings
// readable. Text beyond maxLength runes is cut.
func ExtractPage(markup string, maxLength int) (*PageContent, error) {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	w := &textWalker{}
	w.walk(doc)

	text := collapseBlankLines(w.buf.String())
	out := &PageContent{Title: w.title, Text: text, Links: w.links}
	if maxLength > 0 && utf8.RuneCountInString(text) > maxLength {
		runes := []rune(text)
		out.Text = string(runes[:maxLength]) +
			fmt.Sprintf("\n\n[Content truncated: %d of %d characters shown]", maxLength, len(runes))
		out.Truncated = true
	}
	return out, nil
}

type textWalker struct {
	buf   strings.Builder
	title string
	links []Link
	// cell counts cells already written on the current table row.
	cell int
	last byte
}

func (w *textWalker) walk(n *html.Node) {
	switch n.Type {
	case html.CommentNode, html.DoctypeNode:
		return
	case html.TextNode:
		w.text(n.Data)
		return
	case html.ElementNode:
		if w.element(n) {
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

// element handles an element node and reports whether its children were
// already dealt with.
func (w *textWalker) element(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Svg, atom.Iframe:
		return true
	case atom.Title:
		if w.title == "" {
			w.title = strings.TrimSpace(nodeText(n))
		}
		return true
	case atom.Input:
		if v := attr(n, "value"); v != "" && attr(n, "type") != "hidden" && attr(n, "type") != "password" {
			w.text("[" + v + "]")
		}
		return true
	case atom.Br:
		w.newline()
		return true
	case atom.A:
		if href := attr(n, "href"); href != "" && !strings.HasPrefix(href, "javascript:") && len(w.links) < maxLinks {
			w.links = append(w.links, Link{Text: strings.Join(strings.Fields(nodeText(n)), " "), Href: href})
		}
	case atom.Tr:
		w.newline()
		w.cell = 0
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.walk(c)
		}
		w.newline()
		return true
	case atom.Td, atom.Th:
		if w.cell > 0 {
			w.write(" | ")
		}
		w.cell++
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.walk(c)
		}
		return true
	}

	if isBlock(n.DataAtom) {
		w.newline()
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.walk(c)
		}
		w.newline()
		return true
	}
	return false
}

func (w *textWalker) text(data string) {
	fields := strings.Fields(data)
	if len(fields) == 0 {
		return
	}
	if w.last != 0 && w.last != '\n' && w.last != ' ' {
		w.buf.WriteByte(' ')
	}
	w.write(strings.Join(fields, " "))
}

func (w *textWalker) newline() {
	if w.last != 0 && w.last != '\n' {
		w.write("\n")
	}
}

func (w *textWalker) write(s string) {
	if s == "" {
		return
	}
	w.buf.WriteString(s)
	w.last = s[len(s)-1]
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer,
		atom.Nav, atom.Main, atom.Aside, atom.Form, atom.Fieldset, atom.Legend,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Ul, atom.Ol, atom.Li, atom.Dl, atom.Dt, atom.Dd,
		atom.Table, atom.Thead, atom.Tbody, atom.Tfoot, atom.Caption,
		atom.Pre, atom.Blockquote, atom.Label, atom.Select, atom.Option:
		return true
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return b.String()
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
