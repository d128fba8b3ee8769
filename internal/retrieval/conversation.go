package retrieval

import (
	"strings"
)

// maxTurnChars bounds how much of each side of a turn is folded into the
// query.
const maxTurnChars = 280

// Window returns the w most recent completed turns of history, oldest
// first. Turns with an empty user message are skipped.
func Window(history []Turn, w int) []Turn {
	if w <= 0 {
		w = DefaultConversationWindow
	}
	var completed []Turn
	for _, t := range history {
		if strings.TrimSpace(t.User) != "" {
			completed = append(completed, t)
		}
	}
	if len(completed) > w {
		completed = completed[len(completed)-w:]
	}
	return completed
}

// AppendTurn appends t and trims history to the w most recent turns. Call
// it after the turn's answer is known; the window passed to the next
// request then never contains the request itself.
func AppendTurn(history []Turn, t Turn, w int) []Turn {
	if w <= 0 {
		w = DefaultConversationWindow
	}
	out := append(append([]Turn(nil), history...), t)
	if len(out) > w {
		out = out[len(out)-w:]
	}
	return out
}

// FoldWindow prefixes query with a compact rendering of window so that
// follow-up questions like "what about its price?" embed near the content
// they refer to.
func FoldWindow(query string, window []Turn) string {
	if len(window) == 0 {
		return query
	}
	var b strings.Builder
	for _, t := range window {
		b.WriteString(clip(t.User, maxTurnChars))
		if a := clip(t.Assistant, maxTurnChars); a != "" {
			b.WriteString(" ")
			b.WriteString(a)
		}
		b.WriteString("\n")
	}
	b.WriteString(query)
	return b.String()
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if i := strings.LastIndexByte(cut, ' '); i > n/2 {
		cut = cut[:i]
	}
	return cut
}
