// Package markdiff renders a text delta as Markdown with insertions and
// deletions highlighted, leaving block syntax intact.
package markdiff

import (
	"strings"

	"golang.org/x/net/html"

	"wsync-go/internal/crdt"
)

// Highlight classes carried by the emitted spans.
const (
	ClassInsert = "diff diff-insert"
	ClassDelete = "diff diff-delete"
)

type segmentKind int

const (
	segmentRetain segmentKind = iota
	segmentInsert
	segmentDelete
)

type segment struct {
	kind segmentKind
	text string
}

// segments replays ops against original. Offsets count code points; text
// past the last op is retained.
func segments(original string, ops []crdt.DeltaOp) []segment {
	src := []rune(original)
	pos := 0
	take := func(n int) string {
		end := pos + n
		if end > len(src) {
			end = len(src)
		}
		s := string(src[pos:end])
		pos = end
		return s
	}

	var out []segment
	for _, op := range ops {
		switch {
		case op.Insert != "":
			out = append(out, segment{kind: segmentInsert, text: op.Insert})
		case op.Delete > 0:
			out = append(out, segment{kind: segmentDelete, text: take(op.Delete)})
		case op.Retain > 0:
			out = append(out, segment{kind: segmentRetain, text: take(op.Retain)})
		}
	}
	if pos < len(src) {
		out = append(out, segment{kind: segmentRetain, text: string(src[pos:])})
	}
	return out
}

// GenerateDiffMarkdown interleaves the inserted and deleted text of ops into
// original. Changed text is wrapped in highlight spans, except for Markdown
// block markers, fenced code and horizontal rules, which pass through raw.
func GenerateDiffMarkdown(original string, ops []crdt.DeltaOp) string {
	r := &renderer{atLineStart: true}
	for _, seg := range segments(original, ops) {
		switch seg.kind {
		case segmentRetain:
			r.retain(seg.text)
		case segmentInsert:
			r.changed(seg.text, ClassInsert)
		case segmentDelete:
			r.changed(seg.text, ClassDelete)
		}
	}
	return r.b.String()
}

type renderer struct {
	b           strings.Builder
	atLineStart bool
	inCode      bool
	inTable     bool
	// codeRun is the length of the backtick run that opened the inline
	// code span the current line is in, 0 outside one.
	codeRun int
}

func (r *renderer) newline() {
	r.b.WriteByte('\n')
	r.atLineStart = true
	r.inTable = false
	r.codeRun = 0
}

func (r *renderer) retain(text string) {
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			r.newline()
		}
		if line == "" {
			continue
		}
		if r.atLineStart {
			if isFence(line) {
				r.inCode = !r.inCode
			} else if !r.inCode {
				r.inTable = isTableRow(line)
			}
		}
		if !r.inCode {
			r.scan(line)
		}
		r.b.WriteString(line)
		r.atLineStart = false
	}
}

func (r *renderer) changed(text, class string) {
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			r.newline()
		}
		if line == "" {
			continue
		}
		if r.atLineStart {
			r.changedLine(line, class)
		} else {
			r.changedInline(line, class)
		}
		r.atLineStart = false
	}
}

func (r *renderer) changedLine(line, class string) {
	switch {
	case isFence(line):
		r.inCode = !r.inCode
		r.b.WriteString(line)
	case r.inCode, isRule(line):
		r.b.WriteString(line)
	case isTableRow(line):
		r.inTable = true
		trimmed := strings.TrimLeft(line, " \t")
		r.b.WriteString(line[:len(line)-len(trimmed)])
		if isDelimiterRow(trimmed) {
			r.b.WriteString(trimmed)
			return
		}
		r.cells(trimmed, class)
	default:
		prefix, rest := splitPrefix(line)
		r.b.WriteString(prefix)
		r.wrap(rest, class)
	}
}

func (r *renderer) changedInline(text, class string) {
	switch {
	case r.inCode:
		r.b.WriteString(text)
	case r.codeRun > 0:
		// Markdown shows span tags inside a code span literally.
		r.scan(text)
		r.b.WriteString(text)
	case r.inTable:
		r.cells(text, class)
	default:
		r.wrap(text, class)
	}
}

// cells wraps each table cell of text on its own. Pipes, including the
// escaped form \|, stay where they are.
func (r *renderer) cells(text, class string) {
	var cell strings.Builder
	for i := 0; i < len(text); i++ {
		switch {
		case text[i] == '\\' && i+1 < len(text) && text[i+1] == '|':
			cell.WriteString(`\|`)
			i++
		case text[i] == '|':
			r.wrap(cell.String(), class)
			cell.Reset()
			r.b.WriteByte('|')
		default:
			cell.WriteByte(text[i])
		}
	}
	r.wrap(cell.String(), class)
}

// wrap highlights text, keeping surrounding whitespace outside the span.
func (r *renderer) wrap(text, class string) {
	core := strings.TrimSpace(text)
	if core == "" {
		r.b.WriteString(text)
		return
	}
	lead := text[:strings.Index(text, core)]
	r.b.WriteString(lead)
	r.b.WriteString(`<span class="`)
	r.b.WriteString(class)
	r.b.WriteString(`">`)
	r.writeEscaped(core)
	r.b.WriteString(`</span>`)
	r.b.WriteString(text[len(lead)+len(core):])
}

// writeEscaped HTML-escapes s except inside inline code spans, whose
// content Markdown renders verbatim.
func (r *renderer) writeEscaped(s string) {
	start := 0
	flush := func(end int) {
		if r.codeRun > 0 {
			r.b.WriteString(s[start:end])
		} else {
			r.b.WriteString(html.EscapeString(s[start:end]))
		}
	}
	for i := 0; i < len(s); {
		if s[i] != '`' {
			i++
			continue
		}
		flush(i)
		n := backtickRun(s, i)
		r.b.WriteString(s[i : i+n])
		r.toggleCode(n)
		i += n
		start = i
	}
	flush(len(s))
}

// scan tracks inline code spans opened or closed by s.
func (r *renderer) scan(s string) {
	for i := 0; i < len(s); {
		if s[i] != '`' {
			i++
			continue
		}
		n := backtickRun(s, i)
		r.toggleCode(n)
		i += n
	}
}

// toggleCode applies a backtick run of length n. A span closes only on a
// run of the same length as the one that opened it.
func (r *renderer) toggleCode(n int) {
	switch r.codeRun {
	case 0:
		r.codeRun = n
	case n:
		r.codeRun = 0
	}
}

func backtickRun(s string, i int) int {
	n := 0
	for i+n < len(s) && s[i+n] == '`' {
		n++
	}
	return n
}
