// Package tokencount estimates prompt token usage so requests stay inside the
// provider's context window.
package tokencount

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const encodingName = "cl100k_base"

var (
	once sync.Once
	enc  *tiktoken.Tiktoken
)

func encoder() *tiktoken.Tiktoken {
	once.Do(func() {
		e, err := tiktoken.GetEncoding(encodingName)
		if err == nil {
			enc = e
		}
	})
	return enc
}

// Count returns the token count of text. When the encoding cannot be loaded
// (offline start) a chars/4 heuristic keeps budgeting functional.
func Count(text string) int {
	if e := encoder(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// Truncate cuts text to at most budget tokens, breaking on a line boundary
// where possible so prompts stay readable.
func Truncate(text string, budget int) string {
	if budget <= 0 || Count(text) <= budget {
		return text
	}
	if e := encoder(); e != nil {
		toks := e.Encode(text, nil, nil)
		cut := e.Decode(toks[:budget])
		if i := strings.LastIndexByte(cut, '\n'); i > len(cut)/2 {
			cut = cut[:i]
		}
		return cut
	}
	limit := budget * 4
	if limit >= len(text) {
		return text
	}
	cut := text[:limit]
	if i := strings.LastIndexByte(cut, '\n'); i > len(cut)/2 {
		cut = cut[:i]
	}
	return cut
}
