package bridge

import "strings"

// fnameSpecial are the characters Vim's fnameescape() prefixes with a
// backslash on Unix.
const fnameSpecial = " \t\n*?[{`$\\%#'\"|!<"

// fnameEscape escapes path for use as a file argument on an ex command
// line, as fnameescape() does.
func fnameEscape(path string) string {
	var sb strings.Builder
	sb.Grow(len(path) + 4)

	if path == "-" || strings.HasPrefix(path, "+") || strings.HasPrefix(path, ">") {
		sb.WriteByte('\\')
	}
	for _, r := range path {
		if strings.ContainsRune(fnameSpecial, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
