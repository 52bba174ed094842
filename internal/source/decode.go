package source

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// decodeText 将导出文件解码为 UTF-8。MT5 导出多为带 BOM 的 UTF-16，
// 也有无 BOM 的 UTF-16LE 与 UTF-8。
func decodeText(raw []byte) ([]byte, error) {
	var dec transform.Transformer
	switch {
	case len(raw) >= 2 && raw[0] != 0 && raw[1] == 0:
		dec = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	case len(raw) >= 2 && raw[0] == 0 && raw[1] != 0:
		dec = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
	default:
		dec = unicode.BOMOverride(unicode.UTF8.NewDecoder())
	}
	out, err := io.ReadAll(transform.NewReader(bytes.NewReader(raw), dec))
	if err != nil {
		return nil, fmt.Errorf("source: 解码失败: %w", err)
	}
	return out, nil
}

// table 为 HTML 导出中的第一张表，行以表头为键。
type table struct {
	headers []string
	rows    []map[string]string
}

// parseTable 解析第一张表。第一行视为表头，列数不一致的行被丢弃。
func parseTable(text []byte) (*table, int, error) {
	doc, err := html.Parse(bytes.NewReader(text))
	if err != nil {
		return nil, 0, fmt.Errorf("source: 解析 HTML 失败: %w", err)
	}
	node := find(doc, atom.Table)
	if node == nil {
		return nil, 0, fmt.Errorf("source: 未找到表格")
	}

	var trs []*html.Node
	walk(node, func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			trs = append(trs, n)
		}
	})
	if len(trs) == 0 {
		return &table{}, 0, nil
	}

	t := &table{headers: cells(trs[0])}
	skipped := 0
	for _, tr := range trs[1:] {
		values := cells(tr)
		if len(values) != len(t.headers) {
			skipped++
			continue
		}
		row := make(map[string]string, len(values))
		for i, v := range values {
			row[t.headers[i]] = v
		}
		t.rows = append(t.rows, row)
	}
	return t, skipped, nil
}

func find(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, a); found != nil {
			return found
		}
	}
	return nil
}

// walk 先序遍历，不进入嵌套表格。
func walk(n *html.Node, fn func(*html.Node)) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		fn(c)
		if c.Type == html.ElementNode && c.DataAtom == atom.Table {
			continue
		}
		walk(c, fn)
	}
}

func cells(tr *html.Node) []string {
	var out []string
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
			out = append(out, text(c))
		}
	}
	return out
}

func text(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.TrimSpace(strings.ReplaceAll(b.String(), "\u00a0", " "))
}
