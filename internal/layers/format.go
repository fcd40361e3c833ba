package layers

import (
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/layered-memory/internal/model"
)

// emotionalContextTurns is how many trailing turns a mood snapshot looks at.
const emotionalContextTurns = 6

const emotionalPrompt = `You track the emotional state of a user across a conversation.
Read the recent turns and describe, in one or two short sentences, the user's current mood,
affect and conversational tone. Output only the description.`

const rationalPrompt = `You maintain a factual profile of a user: identity, preferences, goals,
projects, constraints and recurring topics. You are given the current profile and the latest
conversation. Write the complete updated profile, not a diff. Keep facts that still hold, revise
facts that changed and drop ones that were contradicted. Use markdown with a "## " heading per
topic. Output only the profile.`

// FormatTurns renders turns as "[<role> <RFC3339 timestamp>] <content>" lines.
// Turns without a timestamp are stamped with the current time.
func FormatTurns(turns []model.Turn) string {
	now := time.Now().UTC()
	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteByte('\n')
		}
		at := t.At
		if at.IsZero() {
			at = now
		}
		role := t.Role
		if role == "" {
			role = "user"
		}
		fmt.Fprintf(&sb, "[%s %s] %s", role, at.UTC().Format(time.RFC3339), strings.TrimSpace(t.Content))
	}
	return sb.String()
}
