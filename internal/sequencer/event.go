package sequencer

import (
	"fmt"

	"github.com/dshills/edbridge/internal/engine"
)

// Kind identifies an input event.
type Kind int

const (
	// TextCommand is an ex command line.
	TextCommand Kind = iota
	// RawInput is a key sequence in Vim key notation.
	RawInput
	// Deletion deletes Count characters before the cursor.
	Deletion
	// Resize changes the UI grid to Width x Height.
	Resize
	// MarkedTextInput replaces the in-progress IME composition.
	MarkedTextInput
	// MarkedTextInsert commits the IME composition.
	MarkedTextInsert

	// barrier completes when reached without touching the engine.
	barrier Kind = -1
)

func (k Kind) String() string {
	switch k {
	case TextCommand:
		return "TextCommand"
	case RawInput:
		return "RawInput"
	case Deletion:
		return "Deletion"
	case Resize:
		return "Resize"
	case MarkedTextInput:
		return "MarkedTextInput"
	case MarkedTextInsert:
		return "MarkedTextInsert"
	case barrier:
		return "Barrier"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Event is one unit of user input. Events are values; build them with the
// constructors below.
type Event struct {
	Kind   Kind
	Text   string
	Count  int
	Width  int
	Height int
}

// Command returns a TextCommand event.
func Command(text string) Event { return Event{Kind: TextCommand, Text: text} }

// Input returns a RawInput event.
func Input(keys string) Event { return Event{Kind: RawInput, Text: keys} }

// Delete returns a Deletion event.
func Delete(count int) Event { return Event{Kind: Deletion, Count: count} }

// ResizeTo returns a Resize event.
func ResizeTo(width, height int) Event { return Event{Kind: Resize, Width: width, Height: height} }

// MarkedText returns a MarkedTextInput event.
func MarkedText(text string) Event { return Event{Kind: MarkedTextInput, Text: text} }

// InsertMarkedText returns a MarkedTextInsert event.
func InsertMarkedText(text string) Event { return Event{Kind: MarkedTextInsert, Text: text} }

// Request maps the event to the engine request that carries it.
func (e Event) Request() engine.Request {
	switch e.Kind {
	case TextCommand:
		return engine.Request{Kind: engine.KindCommand, Text: e.Text}
	case RawInput:
		return engine.Request{Kind: engine.KindInput, Text: e.Text}
	case Deletion:
		return engine.Request{Kind: engine.KindDelete, Count: e.Count}
	case Resize:
		return engine.Request{Kind: engine.KindResize, Width: e.Width, Height: e.Height}
	case MarkedTextInput:
		return engine.Request{Kind: engine.KindMarkedText, Text: e.Text}
	default:
		return engine.Request{Kind: engine.KindCommitMarkedText, Text: e.Text}
	}
}
