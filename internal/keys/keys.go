// Package keys translates terminal key events into Vim key notation, the
// form the engine's input method expects.
//
// Examples: "a", "<lt>", "<CR>", "<C-w>", "<M-x>", "<S-Up>", "<F5>".
package keys

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
)

var named = map[tcell.Key]string{
	tcell.KeyEnter:      "CR",
	tcell.KeyTab:        "Tab",
	tcell.KeyBacktab:    "S-Tab",
	tcell.KeyEscape:     "Esc",
	tcell.KeyBackspace2: "BS",
	tcell.KeyDelete:     "Del",
	tcell.KeyInsert:     "Insert",
	tcell.KeyHome:       "Home",
	tcell.KeyEnd:        "End",
	tcell.KeyPgUp:       "PageUp",
	tcell.KeyPgDn:       "PageDown",
	tcell.KeyUp:         "Up",
	tcell.KeyDown:       "Down",
	tcell.KeyLeft:       "Left",
	tcell.KeyRight:      "Right",
}

// Notation returns the Vim notation for ev, or "" when the key has none.
func Notation(ev *tcell.EventKey) string {
	k, mods := ev.Key(), ev.Modifiers()

	if k == tcell.KeyRune {
		return runeNotation(ev.Rune(), mods)
	}
	if k == tcell.KeyBackspace {
		return wrap(prefix(mods&^tcell.ModCtrl), "BS")
	}
	if name, ok := named[k]; ok {
		return wrap(prefix(mods), name)
	}
	if k >= tcell.KeyF1 && k <= tcell.KeyF64 {
		return wrap(prefix(mods), fmt.Sprintf("F%d", int(k-tcell.KeyF1)+1))
	}
	if k >= tcell.KeyCtrlA && k <= tcell.KeyCtrlZ {
		return wrap(prefix(mods|tcell.ModCtrl), string(rune('a'+int(k-tcell.KeyCtrlA))))
	}
	if k == tcell.KeyCtrlSpace {
		return wrap(prefix(mods|tcell.ModCtrl), "Space")
	}
	return ""
}

func runeNotation(r rune, mods tcell.ModMask) string {
	// Shift is already reflected in the rune.
	mods &^= tcell.ModShift
	if mods == 0 {
		if r == '<' {
			return "<lt>"
		}
		return string(r)
	}

	name := string(r)
	switch r {
	case '<':
		name = "lt"
	case ' ':
		name = "Space"
	case '\\':
		name = "Bslash"
	}
	return wrap(prefix(mods), name)
}

func prefix(mods tcell.ModMask) string {
	var b strings.Builder
	if mods&tcell.ModCtrl != 0 {
		b.WriteString("C-")
	}
	if mods&tcell.ModShift != 0 {
		b.WriteString("S-")
	}
	if mods&tcell.ModAlt != 0 {
		b.WriteString("M-")
	}
	if mods&tcell.ModMeta != 0 {
		b.WriteString("D-")
	}
	return b.String()
}

func wrap(prefix, name string) string {
	return "<" + prefix + name + ">"
}
