package chat

import "strings"

// DeriveTitle builds a session title from the first user message.
func DeriveTitle(firstMessage string) string {
	// Collapse newlines and runs of whitespace
	msg := strings.Join(strings.Fields(firstMessage), " ")
	if msg == "" {
		return "New Session"
	}

	// Truncate to first sentence or 50 chars
	if idx := strings.IndexAny(msg, ".!?"); idx > 0 && idx < 50 {
		msg = msg[:idx]
	} else if len(msg) > 50 {
		// Prefer a word boundary
		if idx := strings.LastIndex(msg[:50], " "); idx > 20 {
			msg = msg[:idx]
		} else {
			msg = msg[:47] + "..."
		}
	}

	return msg
}
