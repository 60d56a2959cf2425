package editor

// EditEvent is one local text-change notification from the editing surface.
// Text is the full buffer after the change; the range fields describe the
// change itself so the engine can recognize suspicious wholesale
// replacements.
type EditEvent struct {
	// Text is the complete buffer content after the edit.
	Text string
	// RangeOffset is the rune offset where the replaced range started.
	RangeOffset int
	// RangeLength is the rune length of the replaced range (0 for inserts).
	RangeLength int
	// Inserted is the text that replaced the range ("" for deletes).
	Inserted string
}

// Surface is the local editing surface collaborator: full-text get/set plus
// caret and selection primitives. The real surface is the UI editor; tests
// and headless clients use TextBuffer.
//
// SetText and SetCaret are programmatic mutations and must NOT fire the
// surface's local-change handlers; they are how remote updates are applied
// without echoing back as local edits.
type Surface interface {
	Text() string
	SetText(text string)
	Caret() Position
	SetCaret(p Position)
	Selection() Selection
}
