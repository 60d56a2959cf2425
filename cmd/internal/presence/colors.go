package presence

import (
	"strconv"
	"sync"
)

// DefaultPalette is the fixed 8-color cursor palette.
var DefaultPalette = []string{
	"#ff6b6b", "#4ecdc4", "#45b7d1", "#f9ca24",
	"#6c5ce7", "#a29bfe", "#fd79a8", "#00b894",
}

// ColorMode selects the wire/render representation of an assigned color.
// The source system has both variants; it is a configuration knob, not a
// hidden pick.
type ColorMode uint8

const (
	// ColorModeHex renders tokens as hex strings ("#ff6b6b").
	ColorModeHex ColorMode = iota
	// ColorModeIndex renders tokens as palette indices ("0".."7").
	ColorModeIndex
)

// ColorToken is a stable color assignment for one participant.
type ColorToken struct {
	Index int
	Hex   string
	mode  ColorMode
}

// String renders the token per the palette's ColorMode.
func (t ColorToken) String() string {
	if t.mode == ColorModeIndex {
		return strconv.Itoa(t.Index)
	}
	return t.Hex
}

// Palette assigns colors to participants first-seen-wins, stable for the
// lifetime of the local session. Assignment order is tracked with explicit
// insertion-order bookkeeping; it never depends on map iteration order.
// Colors are a local rendering aid only and are not synchronized, so two
// participants may see different colors for the same peer.
type Palette struct {
	mu       sync.Mutex
	colors   []string
	mode     ColorMode
	assigned map[string]int // participantID -> palette index
	order    []string       // participantIDs in assignment order
}

// NewPalette constructs a palette; nil colors means DefaultPalette.
func NewPalette(colors []string, mode ColorMode) *Palette {
	if len(colors) == 0 {
		colors = DefaultPalette
	}
	return &Palette{
		colors:   colors,
		mode:     mode,
		assigned: make(map[string]int),
	}
}

// Assign returns the participant's color token, assigning the next palette
// slot on first sight. A participant that disappears and reappears keeps its
// token for as long as the session lives.
func (p *Palette) Assign(participantID string) ColorToken {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.assigned[participantID]
	if !ok {
		idx = len(p.order) % len(p.colors)
		p.assigned[participantID] = idx
		p.order = append(p.order, participantID)
	}
	return ColorToken{Index: idx, Hex: p.colors[idx], mode: p.mode}
}

// Seen reports whether the participant already holds an assignment.
func (p *Palette) Seen(participantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.assigned[participantID]
	return ok
}
