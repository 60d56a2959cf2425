package editor

import "strings"

// Position is a 1-indexed (line, column) caret position, the common
// text-editor convention. Columns count runes, and column len(line)+1 is the
// position after the last rune of the line.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is a (start, end) position pair. A degenerate selection
// (start == end) is an empty selection, i.e. just a caret.
type Selection struct {
	StartLine   int `json:"startLine"`
	StartColumn int `json:"startColumn"`
	EndLine     int `json:"endLine"`
	EndColumn   int `json:"endColumn"`
}

// IsEmpty reports whether the selection is degenerate.
func (s Selection) IsEmpty() bool {
	return s.StartLine == s.EndLine && s.StartColumn == s.EndColumn
}

// Start returns the selection start as a Position.
func (s Selection) Start() Position { return Position{Line: s.StartLine, Column: s.StartColumn} }

// End returns the selection end as a Position.
func (s Selection) End() Position { return Position{Line: s.EndLine, Column: s.EndColumn} }

// splitLines splits text into lines without dropping a trailing empty line.
func splitLines(text string) []string {
	return strings.Split(text, "\n")
}

// LineCount returns the number of lines in text (at least 1).
func LineCount(text string) int {
	return strings.Count(text, "\n") + 1
}

// LineLength returns the rune length of the 1-indexed line, or -1 when the
// line is out of bounds.
func LineLength(text string, line int) int {
	lines := splitLines(text)
	if line < 1 || line > len(lines) {
		return -1
	}
	return len([]rune(lines[line-1]))
}

// InBounds reports whether p addresses a valid caret position in text.
func InBounds(text string, p Position) bool {
	ll := LineLength(text, p.Line)
	if ll < 0 {
		return false
	}
	return p.Column >= 1 && p.Column <= ll+1
}

// ClampPosition clamps p to the nearest valid caret position in text.
// Used to restore the local caret after a remote update shrinks the document.
func ClampPosition(text string, p Position) Position {
	lines := splitLines(text)
	if p.Line < 1 {
		p.Line = 1
	}
	if p.Line > len(lines) {
		p.Line = len(lines)
	}
	max := len([]rune(lines[p.Line-1])) + 1
	if p.Column < 1 {
		p.Column = 1
	}
	if p.Column > max {
		p.Column = max
	}
	return p
}

// OffsetOf converts a position to a rune offset into text; the position is
// clamped first so the result is always valid.
func OffsetOf(text string, p Position) int {
	p = ClampPosition(text, p)
	lines := splitLines(text)
	off := 0
	for i := 0; i < p.Line-1; i++ {
		off += len([]rune(lines[i])) + 1 // +1 for the newline
	}
	return off + p.Column - 1
}

// PositionOf converts a rune offset into a position; offsets are clamped to
// the document bounds.
func PositionOf(text string, offset int) Position {
	runes := []rune(text)
	if offset < 0 {
		offset = 0
	}
	if offset > len(runes) {
		offset = len(runes)
	}
	line, col := 1, 1
	for _, r := range runes[:offset] {
		if r == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return Position{Line: line, Column: col}
}
