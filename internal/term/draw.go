package term

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/uniseg"

	"github.com/dshills/edbridge/internal/display"
)

var (
	styleTitle  = tcell.StyleDefault.Reverse(true)
	styleDirty  = tcell.StyleDefault.Foreground(tcell.ColorYellow)
	stylePrompt = tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true)
)

func (u *UI) draw() {
	u.screen.Clear()
	w, h := u.screen.Size()
	if w <= 0 || h <= 0 {
		return
	}

	u.line(0, w, styleTitle, fmt.Sprintf(" edbridge  %d buffer(s)", len(u.buffers)))

	for i, b := range u.buffers {
		row := i + 1
		if row >= h-1 {
			break
		}
		marker := " "
		if b.Current {
			marker = "%"
		}
		dirty := " "
		style := tcell.StyleDefault
		if b.Dirty {
			dirty = "+"
			style = styleDirty
		}
		if b.Current {
			style = style.Bold(true)
		}
		name := b.DisplayName
		if name == "" {
			name = "[No Name]"
		}
		prefix := fmt.Sprintf("%3d %s%s ", b.ID, marker, dirty)
		u.line(row, w, style, prefix+display.TruncateLeft(name, w-len(prefix)))
	}

	if u.blocked != nil {
		u.line(h-1, w, stylePrompt, u.prompt())
	} else {
		u.line(h-1, w, tcell.StyleDefault, u.status)
	}
	u.screen.Show()
	if u.afterDraw != nil {
		u.afterDraw()
	}
}

func (u *UI) prompt() string {
	names := make([]string, 0, len(u.blocked.Buffers))
	for _, b := range u.blocked.Buffers {
		names = append(names, b.DisplayName)
	}
	msg := u.blocked.Reason
	if len(names) > 0 {
		msg += " (" + strings.Join(names, ", ") + ")"
	}
	return msg + ". Quit anyway? [y/N]"
}

// line writes s on row, cut to width cells.
func (u *UI) line(row, width int, style tcell.Style, s string) {
	s = display.Truncate(s, width)
	col := 0
	state := -1
	for len(s) > 0 {
		var cluster string
		var w int
		cluster, s, w, state = uniseg.FirstGraphemeClusterInString(s, state)
		runes := []rune(cluster)
		u.screen.SetContent(col, row, runes[0], runes[1:], style)
		col += max(w, 1)
	}
	for ; col < width; col++ {
		u.screen.SetContent(col, row, ' ', nil, style)
	}
}
