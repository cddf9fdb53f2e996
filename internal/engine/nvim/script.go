package nvim

import (
	"fmt"
	"strings"

	"github.com/neovim/go-client/nvim"
	"github.com/rivo/uniseg"

	"github.com/dshills/edbridge/internal/engine"
)

// bufferEventMethod is the rpcnotify method the autocommands send.
const bufferEventMethod = "edbridge_buffer"

// autocmdScript installs the buffer autocommands for channel ch. Each
// notification carries the event, buffer number, name and modified flag.
func autocmdScript(ch int) string {
	events := []struct{ autocmd, event string }{
		{"BufAdd", "opened"},
		{"BufDelete", "closed"},
		{"BufModifiedSet", "modified"},
		{"BufEnter", "entered"},
	}

	var b strings.Builder
	b.WriteString("augroup edbridge\n  autocmd!\n")
	for _, e := range events {
		fmt.Fprintf(&b,
			"  autocmd %s * call rpcnotify(%d, '%s', '%s', str2nr(expand('<abuf>')), bufname(str2nr(expand('<abuf>'))), getbufvar(str2nr(expand('<abuf>')), '&modified'))\n",
			e.autocmd, ch, bufferEventMethod, e.event)
	}
	b.WriteString("augroup END")
	return b.String()
}

// listBuffersExpr lists buffers the way the autocommands report them.
const listBuffersExpr = `map(getbufinfo({'buflisted': 1}), {_, b -> {'id': b.bufnr, 'name': bufname(b.bufnr), 'dirty': b.changed, 'current': b.bufnr == bufnr('%')}})`

type bufInfo struct {
	ID      int    `msgpack:"id"`
	Name    string `msgpack:"name"`
	Dirty   int    `msgpack:"dirty"`
	Current int    `msgpack:"current"`
}

func listBuffers(v *nvim.Nvim) ([]engine.BufferInfo, error) {
	var raw []bufInfo
	if err := v.Eval(listBuffersExpr, &raw); err != nil {
		return nil, fmt.Errorf("list buffers: %w", err)
	}
	out := make([]engine.BufferInfo, len(raw))
	for i, b := range raw {
		out[i] = engine.BufferInfo{ID: b.ID, Name: b.Name, Dirty: b.Dirty != 0, Current: b.Current != 0}
	}
	return out, nil
}

// backspaces returns n <BS> keys.
func backspaces(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("<BS>", n)
}

// replaceKeys erases the previously inserted marked text and types next.
// A backspace removes one grapheme cluster, as Neovim deletes a character
// with its composing characters.
func replaceKeys(prev, next string) string {
	return backspaces(uniseg.GraphemeClusterCount(prev)) + literalKeys(next)
}

// literalKeys escapes text so nvim_input types it verbatim.
func literalKeys(text string) string {
	return strings.ReplaceAll(text, "<", "<lt>")
}
