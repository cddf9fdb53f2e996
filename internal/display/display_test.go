package display

import (
	"math/rand"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/unicode/norm"
)

func TestEscapeFilename(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", "/home/user/notes.txt", "/home/user/notes.txt"},
		{"empty", "", ""},
		{"spaces kept", "my file.txt", "my file.txt"},
		{"nul", "a\x00b", "a␀b"},
		{"newline and tab", "x\ny\tz", "x␊y␉z"},
		{"escape", "\x1b[31mred", "␛[31mred"},
		{"del", "a\x7f", "a␡"},
		{"invalid utf8", "bad\xffname", "bad\ufffdname"},
		{"truncated sequence", "caf\xc3", "caf\ufffd"},
		{"c1 control", "a\u0085b", "a\ufffdb"},
		{"rtl override", "evil\u202etxt.exe", "evil\ufffdtxt.exe"},
		{"isolate", "\u2066x\u2069", "\ufffdx\ufffd"},
		{"nfd to nfc", "cafe\u0301", "caf\u00e9"},
		{"cjk", "日本語.txt", "日本語.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EscapeFilename(tt.raw))
		})
	}
}

func TestEscapeFilename_IdempotentOnRandomBytes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	buf := make([]byte, 64)

	for i := 0; i < 2000; i++ {
		n := rng.Intn(len(buf))
		rng.Read(buf[:n])
		raw := string(buf[:n])

		once := EscapeFilename(raw)
		assert.True(t, utf8.ValidString(once))
		assert.True(t, norm.NFC.IsNormalString(once))
		assert.Equal(t, once, EscapeFilename(once), "input %q", raw)
	}
}

func FuzzEscapeFilename(f *testing.F) {
	for _, seed := range []string{"", "a\x00b", "\xff\xfe", "e\x01\u0301", "\u202e/x"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, raw string) {
		once := EscapeFilename(raw)
		if !utf8.ValidString(once) {
			t.Fatalf("invalid UTF-8 output for %q", raw)
		}
		if twice := EscapeFilename(once); twice != once {
			t.Fatalf("not idempotent: %q -> %q -> %q", raw, once, twice)
		}
		for _, r := range once {
			if r < 0x20 || r == 0x7f || (r >= 0x80 && r <= 0x9f) {
				t.Fatalf("control %U survived in %q", r, once)
			}
		}
	})
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		s     string
		width int
		want  string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 8, "hello w…"},
		{"hello", 1, "…"},
		{"hello", 0, ""},
		{"日本語テキスト", 7, "日本語…"},
		{"e\u0301e\u0301e\u0301", 2, "e\u0301…"},
	}

	for _, tt := range tests {
		got := Truncate(tt.s, tt.width)
		assert.Equal(t, tt.want, got, "Truncate(%q, %d)", tt.s, tt.width)
		assert.LessOrEqual(t, Width(got), max(tt.width, 0))
	}
}

func TestTruncateLeft(t *testing.T) {
	assert.Equal(t, "/a/b", TruncateLeft("/a/b", 10))
	assert.Equal(t, "…/notes.txt", TruncateLeft("/home/user/notes.txt", 11))
	assert.Equal(t, "…", TruncateLeft("abc", 1))
	assert.Equal(t, "", TruncateLeft("abc", 0))
}
