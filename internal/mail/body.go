package mail

import (
	"html"
	"regexp"
	"strings"

	xhtml "golang.org/x/net/html"
)

const plainWrapperStart = `<div style="font-family:Arial,Helvetica,sans-serif;font-size:14px;line-height:1.6">`

var blankLines = regexp.MustCompile(`\n\s*\n`)

// blockTags are never wrapped in a paragraph. Everything inside one of them
// is passed through untouched.
var blockTags = map[string]bool{
	"address": true, "area": true, "article": true, "aside": true, "blockquote": true,
	"body": true, "caption": true, "center": true, "col": true, "colgroup": true,
	"dd": true, "details": true, "div": true, "dl": true, "dt": true,
	"fieldset": true, "figcaption": true, "figure": true, "footer": true, "form": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"head": true, "header": true, "hr": true, "html": true, "legend": true,
	"li": true, "link": true, "main": true, "map": true, "math": true,
	"menu": true, "meta": true, "nav": true, "ol": true, "p": true,
	"pre": true, "script": true, "section": true, "select": true, "style": true,
	"summary": true, "svg": true, "table": true, "tbody": true, "td": true,
	"tfoot": true, "th": true, "thead": true, "title": true, "tr": true, "ul": true,
}

// voidTags never have a closing tag.
var voidTags = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

// FormatBody renders a body as HTML. Bodies containing markup are
// paragraph-wrapped; plain text is escaped and its line breaks kept.
func FormatBody(body string) string {
	if HasMarkup(body) {
		return autop(body)
	}

	text := strings.ReplaceAll(body, "\r\n", "\n")
	text = strings.ReplaceAll(html.EscapeString(text), "\n", "<br />\n")
	return plainWrapperStart + text + "</div>"
}

// HasMarkup reports whether s contains at least one tag or comment.
func HasMarkup(s string) bool {
	z := xhtml.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case xhtml.ErrorToken:
			return false
		case xhtml.StartTagToken, xhtml.EndTagToken, xhtml.SelfClosingTagToken,
			xhtml.CommentToken, xhtml.DoctypeToken:
			return true
		}
	}
}

// autop wraps blank-line separated runs of top-level text and inline
// markup in <p>, turning their single newlines into <br />. Block elements,
// stray closing tags, comments and doctypes are kept as they are, and
// nothing inside an open element is split.
func autop(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	var (
		out   []string
		para  paragraph
		block strings.Builder
		open  []string

		// inBlock is set while the outermost open element is a block.
		inBlock bool
	)

	emit := func(chunk string) {
		para.flush(&out)
		out = append(out, chunk)
	}
	// nested appends markup that belongs to the outermost open element.
	nested := func(raw string) {
		if inBlock {
			block.WriteString(raw)
		} else {
			para.add(raw, false)
		}
	}
	closeOutermost := func() {
		if inBlock {
			out = append(out, block.String())
			block.Reset()
			inBlock = false
		}
	}

	consumed := 0
	z := xhtml.NewTokenizer(strings.NewReader(s))
	for {
		tt := z.Next()
		if tt == xhtml.ErrorToken {
			break
		}
		raw := string(z.Raw())
		consumed += len(raw)

		switch tt {
		case xhtml.TextToken:
			if len(open) > 0 {
				nested(raw)
				continue
			}
			for i, run := range blankLines.Split(raw, -1) {
				if i > 0 {
					para.flush(&out)
				}
				para.add(run, true)
			}

		case xhtml.StartTagToken, xhtml.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			leaf := tt == xhtml.SelfClosingTagToken || voidTags[tag]

			switch {
			case len(open) > 0:
				nested(raw)
			case blockTags[tag] && leaf:
				emit(raw)
				continue
			case blockTags[tag]:
				para.flush(&out)
				inBlock = true
				block.WriteString(raw)
			default:
				para.add(raw, false)
			}
			if !leaf {
				open = append(open, tag)
			}

		case xhtml.EndTagToken:
			if len(open) == 0 {
				emit(raw)
				continue
			}
			nested(raw)
			name, _ := z.TagName()
			// Inner elements left unclosed end with their ancestor.
			if i := lastIndex(open, string(name)); i >= 0 {
				open = open[:i]
			}
			if len(open) == 0 {
				closeOutermost()
			}

		default: // comments and doctypes
			if len(open) > 0 {
				nested(raw)
			} else {
				emit(raw)
			}
		}
	}

	// An unterminated tag at the very end is not tokenized; keep it as is.
	if consumed < len(s) {
		nested(s[consumed:])
	}
	closeOutermost()
	para.flush(&out)
	return strings.Join(out, "\n")
}

func lastIndex(s []string, v string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == v {
			return i
		}
	}
	return -1
}

// paragraph collects the text and inline markup of one <p>.
type paragraph struct {
	parts []fragment
}

type fragment struct {
	s    string
	text bool
}

func (p *paragraph) add(s string, text bool) {
	if text && len(p.parts) == 0 {
		s = strings.TrimLeft(s, " \t\n")
	}
	if s == "" {
		return
	}
	p.parts = append(p.parts, fragment{s: s, text: text})
}

// flush appends the collected paragraph to out, if it has any content.
func (p *paragraph) flush(out *[]string) {
	parts := p.parts
	p.parts = nil
	if n := len(parts); n > 0 && parts[n-1].text {
		parts[n-1].s = strings.TrimRight(parts[n-1].s, " \t\n")
	}

	var b strings.Builder
	for _, f := range parts {
		if f.text {
			b.WriteString(strings.ReplaceAll(f.s, "\n", "<br />\n"))
		} else {
			b.WriteString(f.s)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return
	}
	*out = append(*out, "<p>"+b.String()+"</p>")
}
