package stability

import (
	"sort"
	"strings"
	"unicode"
)

// RenderWords joins the words of ws with single spaces.
func RenderWords(ws []WordInfo) string {
	if len(ws) == 0 {
		return ""
	}
	parts := make([]string, 0, len(ws))
	for _, w := range ws {
		parts = append(parts, w.Word)
	}
	return strings.Join(parts, " ")
}

// Render builds the display view for a stable/unstable split.
func Render(stable, unstable []WordInfo) RenderedText {
	return renderText(RenderWords(stable), RenderWords(unstable))
}

func renderText(stable, unstable string) RenderedText {
	full := stable
	switch {
	case full == "":
		full = unstable
	case unstable != "":
		full = stable + " " + unstable
	}
	return RenderedText{Stable: stable, Unstable: unstable, Full: full}
}

func sortByStart(ws []WordInfo) {
	sort.SliceStable(ws, func(i, j int) bool { return ws[i].StartMS < ws[j].StartMS })
}

func cloneWords(ws []WordInfo) []WordInfo {
	return append([]WordInfo{}, ws...)
}

// isPunctuation reports whether s consists solely of punctuation or symbols.
func isPunctuation(s string) bool {
	for _, r := range s {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) {
			return false
		}
	}
	return true
}

// normalizeToken lowercases a token and strips trailing punctuation, so that
// "Cat," and "cat" compare equal.
func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimRightFunc(strings.TrimSpace(s), unicode.IsPunct))
}
