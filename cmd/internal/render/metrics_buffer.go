package render

import (
	"sync"

	"github.com/Boritgoge/KiyomiTalk/cmd/internal/editor"
)

// BufferMetrics adapts an editor.TextBuffer to the Metrics interface using a
// fixed-cell character grid and a scrollable viewport. Headless clients and
// tests use it in place of a real editor's layout engine.
type BufferMetrics struct {
	buf *editor.TextBuffer

	mu         sync.Mutex
	cellWidth  float64
	lineHeight float64
	scrollTop  float64
	scrollLeft float64
	viewHeight float64
}

// NewBufferMetrics constructs metrics over buf with the given cell geometry.
func NewBufferMetrics(buf *editor.TextBuffer, cellWidth, lineHeight float64) *BufferMetrics {
	if cellWidth <= 0 {
		cellWidth = 8
	}
	if lineHeight <= 0 {
		lineHeight = 18
	}
	return &BufferMetrics{
		buf:        buf,
		cellWidth:  cellWidth,
		lineHeight: lineHeight,
		viewHeight: 600,
	}
}

// SetScroll updates the viewport scroll offsets.
func (m *BufferMetrics) SetScroll(left, top float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scrollLeft = left
	m.scrollTop = top
}

// SetViewportHeight updates the visible height used for projection culling.
func (m *BufferMetrics) SetViewportHeight(h float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.viewHeight = h
}

// LineCount returns the buffer's line count.
func (m *BufferMetrics) LineCount() int { return m.buf.LineCount() }

// LineLength returns the rune length of the 1-indexed line.
func (m *BufferMetrics) LineLength(line int) int { return m.buf.LineLength(line) }

// LineHeight returns the fixed line height in pixels.
func (m *BufferMetrics) LineHeight() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lineHeight
}

// Project maps a document position to viewport pixels; positions scrolled out
// of the viewport are not projectable.
func (m *BufferMetrics) Project(p editor.Position) (Point, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	top := float64(p.Line-1)*m.lineHeight - m.scrollTop
	if top < 0 || top >= m.viewHeight {
		return Point{}, false
	}
	left := float64(p.Column-1)*m.cellWidth - m.scrollLeft
	return Point{Left: left, Top: top}, true
}
