package pipeline

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// renderMarkdown converts the retained subtree to markdown, preserving
// tables and lists and collapsing redundant whitespace.
func renderMarkdown(sel *goquery.Selection) string {
	r := &mdRenderer{}
	for _, node := range sel.Nodes {
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			r.render(child)
		}
	}
	return collapseBlankLines(strings.TrimSpace(r.out.String()))
}

type listScope struct {
	ordered bool
	index   int
}

type mdRenderer struct {
	out       strings.Builder
	lastRune  rune
	hasLast   bool
	trailing  int // consecutive newlines at the tail
	lists     []listScope
	inCode    bool
}

func (r *mdRenderer) write(s string) {
	if s == "" {
		return
	}
	r.out.WriteString(s)
	for _, ch := range s {
		r.lastRune = ch
		r.hasLast = true
		if ch == '\n' {
			r.trailing++
		} else {
			r.trailing = 0
		}
	}
}

func (r *mdRenderer) space() {
	if !r.hasLast || r.trailing > 0 || r.lastRune == ' ' {
		return
	}
	r.write(" ")
}

func (r *mdRenderer) lineBreak() {
	if r.trailing >= 1 {
		return
	}
	r.write("\n")
}

func (r *mdRenderer) blankLine() {
	for r.trailing < 2 {
		if !r.hasLast {
			return
		}
		r.write("\n")
	}
}

func (r *mdRenderer) renderChildren(node *html.Node) {
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		r.render(child)
	}
}

func (r *mdRenderer) render(node *html.Node) {
	if node == nil {
		return
	}
	switch node.Type {
	case html.TextNode:
		text := squashWhitespace(node.Data)
		if text == "" {
			return
		}
		if r.inCode {
			r.write(node.Data)
			return
		}
		r.space()
		r.write(text)
	case html.ElementNode:
		r.renderElement(node)
	}
}

func (r *mdRenderer) renderElement(node *html.Node) {
	tag := strings.ToLower(node.Data)
	switch tag {
	case "br":
		r.write("  \n")
	case "p", "div", "section", "blockquote", "figure", "figcaption":
		r.blankLine()
		r.renderChildren(node)
		r.blankLine()
	case "h1", "h2", "h3", "h4", "h5", "h6":
		level := int(tag[1] - '0')
		r.blankLine()
		r.write(strings.Repeat("#", level) + " ")
		r.renderChildren(node)
		r.blankLine()
	case "strong", "b":
		r.write("**")
		r.renderChildren(node)
		r.write("**")
	case "em", "i":
		r.write("_")
		r.renderChildren(node)
		r.write("_")
	case "code":
		if text := squashWhitespace(nodeText(node)); text != "" {
			r.write("`" + text + "`")
		}
	case "pre":
		r.blankLine()
		r.write("```\n")
		r.inCode = true
		r.renderChildren(node)
		r.inCode = false
		if r.trailing == 0 {
			r.write("\n")
		}
		r.write("```\n")
	case "a":
		href := attrValue(node, "href")
		text := squashWhitespace(nodeText(node))
		if text == "" {
			text = href
		}
		switch {
		case text == "":
		case href == "" || strings.HasPrefix(strings.ToLower(href), "javascript:"):
			r.space()
			r.write(text)
		default:
			r.space()
			r.write("[" + text + "](" + href + ")")
		}
	case "img":
		if alt := attrValue(node, "alt"); alt != "" {
			r.space()
			r.write(alt)
		}
	case "ul", "ol":
		r.lists = append(r.lists, listScope{ordered: tag == "ol"})
		r.blankLine()
		r.renderChildren(node)
		r.lists = r.lists[:len(r.lists)-1]
		r.blankLine()
	case "li":
		if len(r.lists) == 0 {
			r.lists = append(r.lists, listScope{})
		}
		scope := &r.lists[len(r.lists)-1]
		scope.index++
		r.lineBreak()
		marker := "- "
		if scope.ordered {
			marker = fmt.Sprintf("%d. ", scope.index)
		}
		r.write(strings.Repeat("  ", len(r.lists)-1) + marker)
		r.renderChildren(node)
		r.lineBreak()
	case "table":
		r.blankLine()
		if md := renderTable(node); md != "" {
			r.write(md)
			if r.trailing == 0 {
				r.write("\n")
			}
		}
		r.blankLine()
	default:
		r.renderChildren(node)
	}
}

type tableRow struct {
	cells  []string
	header bool
}

func renderTable(table *html.Node) string {
	rows := tableRows(table)
	if len(rows) == 0 {
		return ""
	}
	headerIdx := 0
	for i, row := range rows {
		if row.header {
			headerIdx = i
			break
		}
	}

	cols := len(rows[headerIdx].cells)
	if cols == 0 {
		return ""
	}

	var b strings.Builder
	writeRow := func(cells []string) {
		b.WriteString("|")
		for i := 0; i < cols; i++ {
			b.WriteString(" ")
			if i < len(cells) {
				b.WriteString(cells[i])
			}
			b.WriteString(" |")
		}
		b.WriteString("\n")
	}

	writeRow(rows[headerIdx].cells)
	b.WriteString("|")
	for i := 0; i < cols; i++ {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for i, row := range rows {
		if i == headerIdx {
			continue
		}
		writeRow(row.cells)
	}
	return b.String()
}

func tableRows(node *html.Node) []tableRow {
	var rows []tableRow
	var walk func(*html.Node, bool)
	walk = func(n *html.Node, inHead bool) {
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if child.Type != html.ElementNode {
				continue
			}
			switch strings.ToLower(child.Data) {
			case "thead":
				walk(child, true)
			case "tbody", "tfoot":
				walk(child, inHead)
			case "tr":
				row := tableRow{header: inHead}
				for cell := child.FirstChild; cell != nil; cell = cell.NextSibling {
					if cell.Type != html.ElementNode {
						continue
					}
					switch strings.ToLower(cell.Data) {
					case "th":
						row.header = true
						row.cells = append(row.cells, squashWhitespace(nodeText(cell)))
					case "td":
						row.cells = append(row.cells, squashWhitespace(nodeText(cell)))
					}
				}
				if len(row.cells) > 0 {
					rows = append(rows, row)
				}
			default:
				walk(child, inHead)
			}
		}
	}
	walk(node, false)
	return rows
}

// collapseBlankLines trims trailing spaces per line and folds runs of blank
// lines into one.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	kept := make([]string, 0, len(lines))
	blanks := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blanks++
			if blanks > 1 {
				continue
			}
			kept = append(kept, "")
			continue
		}
		blanks = 0
		kept = append(kept, strings.TrimRight(line, " \t"))
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func squashWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func nodeText(node *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := squashWhitespace(n.Data); t != "" {
				if b.Len() > 0 {
					b.WriteString(" ")
				}
				b.WriteString(t)
			}
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(node)
	return b.String()
}

func attrValue(node *html.Node, key string) string {
	for _, a := range node.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}
