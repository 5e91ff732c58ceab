package notifier

import (
	"fmt"
	"strings"
	"time"

	"goalbot/internal/eventbus"
)

var statusBadge = map[string]string{
	"completed": "✅",
	"failed":    "❌",
	"cancelled": "🚫",
	"timeout":   "⏱",
}

// formatRunSummary renders the operator-facing message for one terminal run.
func formatRunSummary(re eventbus.RunEvent) string {
	badge := statusBadge[re.Status]
	if badge == "" {
		badge = "ℹ️"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s — %s\n", badge, re.BotName, re.Status)
	fmt.Fprintf(&b, "run %s (%s)\n", re.RunID, re.Source)
	fmt.Fprintf(&b, "%d iteration(s) in %s", re.Iterations, re.Duration.Round(time.Millisecond))
	if re.Outcome != "" {
		fmt.Fprintf(&b, "\n%s", re.Outcome)
	}
	if re.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", re.Error)
	}
	return b.String()
}
