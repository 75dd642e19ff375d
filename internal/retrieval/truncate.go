package retrieval

import (
	"strings"
	"unicode"
)

// Budget sizes a chunk's text by its final rank and relevance score, in characters.
type Budget struct {
	Base  int
	Min   int
	Decay float64
}

// For returns max(Min, Base*clamp(score)/(1+Decay*rank)). It never grows as rank increases
// and never shrinks as score increases.
func (b Budget) For(rank int, score float64) int {
	if rank < 0 {
		rank = 0
	}
	decay := b.Decay
	if decay < 0 {
		decay = 0
	}
	v := int(float64(b.Base) * clamp01(score) / (1 + decay*float64(rank)))
	if v < b.Min {
		return b.Min
	}
	return v
}

// Truncate shortens text to at most budget runes. Preference order for the cut point: a
// paragraph break in the back half of the budget, then a sentence end, then any paragraph
// break, then whitespace, then a hard cut.
func Truncate(text string, budget int) (string, bool) {
	runes := []rune(text)
	if budget <= 0 || len(runes) <= budget {
		return text, false
	}
	// a boundary exactly at the budget still counts
	window := runes[:budget]
	next := runes[budget]

	half := budget / 2
	para := lastParagraphBreak(window)
	if para >= half {
		return trimCut(window[:para]), true
	}
	if s := lastSentenceEnd(window, next); s > 0 {
		return trimCut(window[:s]), true
	}
	if para > 0 {
		return trimCut(window[:para]), true
	}
	if unicode.IsSpace(next) {
		return trimCut(window), true
	}
	for i := len(window) - 1; i > 0; i-- {
		if unicode.IsSpace(window[i]) {
			return trimCut(window[:i]), true
		}
	}
	return string(window), true
}

func lastParagraphBreak(w []rune) int {
	for i := len(w) - 2; i > 0; i-- {
		if w[i] == '\n' && w[i+1] == '\n' {
			return i
		}
	}
	return -1
}

// lastSentenceEnd returns the index just past the last terminator that is followed by
// whitespace (or by next when it sits at the end of the window).
func lastSentenceEnd(w []rune, next rune) int {
	for i := len(w) - 1; i > 0; i-- {
		switch w[i] {
		case '.', '!', '?', '。', '！', '？':
		default:
			continue
		}
		follow := next
		if i+1 < len(w) {
			follow = w[i+1]
		}
		if unicode.IsSpace(follow) || isCJKStop(w[i]) {
			return i + 1
		}
	}
	return -1
}

func isCJKStop(r rune) bool {
	return r == '。' || r == '！' || r == '？'
}

func trimCut(r []rune) string {
	return strings.TrimRightFunc(string(r), unicode.IsSpace)
}
