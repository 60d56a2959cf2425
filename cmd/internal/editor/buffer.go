package editor

import "sync"

// TextBuffer is an in-process Surface: a plain rune buffer with caret and
// selection tracking that fires the same event shapes a UI editor would.
//
// Event model:
//   - Replace/Insert/Delete are user edits: they fire the change handler with a
//     full EditEvent and move the caret to the end of the inserted text.
//   - Select and MoveCaret are user cursor actions: they fire the cursor handler.
//   - SetText and SetCaret are programmatic (remote apply, caret restore): they
//     fire nothing, per the Surface contract.
type TextBuffer struct {
	mu    sync.Mutex
	text  string
	caret Position
	sel   Selection

	onChange func(EditEvent)
	onCursor func(Position, Selection)
}

// NewTextBuffer constructs a buffer with initial content and the caret at (1,1).
func NewTextBuffer(initial string) *TextBuffer {
	return &TextBuffer{
		text:  initial,
		caret: Position{Line: 1, Column: 1},
		sel:   Selection{StartLine: 1, StartColumn: 1, EndLine: 1, EndColumn: 1},
	}
}

// OnChange registers the local-edit handler.
func (b *TextBuffer) OnChange(fn func(EditEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// OnCursorChange registers the caret/selection handler.
func (b *TextBuffer) OnCursorChange(fn func(Position, Selection)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onCursor = fn
}

// Text returns the current buffer content.
func (b *TextBuffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

// SetText replaces the buffer programmatically without firing change events.
func (b *TextBuffer) SetText(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text = text
	b.caret = ClampPosition(text, b.caret)
	b.sel = clampSelection(text, b.sel)
}

// Caret returns the current caret position.
func (b *TextBuffer) Caret() Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.caret
}

// SetCaret moves the caret programmatically without firing cursor events.
func (b *TextBuffer) SetCaret(p Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.caret = ClampPosition(b.text, p)
	b.sel = collapse(b.caret)
}

// Selection returns the current selection.
func (b *TextBuffer) Selection() Selection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sel
}

// MoveCaret is a user caret move: it collapses the selection and fires the
// cursor handler.
func (b *TextBuffer) MoveCaret(p Position) {
	b.mu.Lock()
	b.caret = ClampPosition(b.text, p)
	b.sel = collapse(b.caret)
	caret, sel, fn := b.caret, b.sel, b.onCursor
	b.mu.Unlock()

	if fn != nil {
		fn(caret, sel)
	}
}

// Select is a user selection: the caret lands at the selection end and the
// cursor handler fires.
func (b *TextBuffer) Select(start, end Position) {
	b.mu.Lock()
	start = ClampPosition(b.text, start)
	end = ClampPosition(b.text, end)
	b.sel = Selection{
		StartLine:   start.Line,
		StartColumn: start.Column,
		EndLine:     end.Line,
		EndColumn:   end.Column,
	}
	b.caret = end
	caret, sel, fn := b.caret, b.sel, b.onCursor
	b.mu.Unlock()

	if fn != nil {
		fn(caret, sel)
	}
}

// Replace is a user edit: it substitutes inserted for the rune range
// [offset, offset+length), moves the caret to the end of the insertion, and
// fires the change handler.
func (b *TextBuffer) Replace(offset, length int, inserted string) {
	b.mu.Lock()
	runes := []rune(b.text)
	if offset < 0 {
		offset = 0
	}
	if offset > len(runes) {
		offset = len(runes)
	}
	if length < 0 {
		length = 0
	}
	if offset+length > len(runes) {
		length = len(runes) - offset
	}

	next := string(runes[:offset]) + inserted + string(runes[offset+length:])
	b.text = next
	b.caret = PositionOf(next, offset+len([]rune(inserted)))
	b.sel = collapse(b.caret)

	ev := EditEvent{
		Text:        next,
		RangeOffset: offset,
		RangeLength: length,
		Inserted:    inserted,
	}
	fn := b.onChange
	b.mu.Unlock()

	if fn != nil {
		fn(ev)
	}
}

// Insert is a user edit inserting s at the rune offset.
func (b *TextBuffer) Insert(offset int, s string) {
	b.Replace(offset, 0, s)
}

// Delete is a user edit removing length runes at offset.
func (b *TextBuffer) Delete(offset, length int) {
	b.Replace(offset, length, "")
}

// LineCount returns the number of lines in the buffer.
func (b *TextBuffer) LineCount() int {
	return LineCount(b.Text())
}

// LineLength returns the rune length of the 1-indexed line, -1 out of bounds.
func (b *TextBuffer) LineLength(line int) int {
	return LineLength(b.Text(), line)
}

func collapse(p Position) Selection {
	return Selection{StartLine: p.Line, StartColumn: p.Column, EndLine: p.Line, EndColumn: p.Column}
}

func clampSelection(text string, s Selection) Selection {
	start := ClampPosition(text, s.Start())
	end := ClampPosition(text, s.End())
	return Selection{
		StartLine:   start.Line,
		StartColumn: start.Column,
		EndLine:     end.Line,
		EndColumn:   end.Column,
	}
}
