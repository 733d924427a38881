package convctx

import (
	"fmt"
	"strings"
	"time"

	"github.com/voxgate/voxgate/pkg/convstore"
	"github.com/voxgate/voxgate/pkg/types"
)

// formatSystemPrompt renders the agent's base prompt plus a recalled-exchanges
// section. The section is omitted entirely when no hits survived filtering.
// Pure: no I/O, safe for concurrent use.
func formatSystemPrompt(base string, hits []convstore.SimilarMessage) string {
	base = strings.TrimSpace(base)
	if len(hits) == 0 {
		return base
	}

	var sb strings.Builder
	if base != "" {
		sb.WriteString(base)
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Possibly relevant past exchanges\n")

	now := time.Now()
	for i, h := range hits {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "[%s] %s: %s",
			formatRelativeTime(now.Sub(h.Message.CreatedAt)),
			speakerLabel(h.Message),
			strings.TrimSpace(h.Message.Content))
	}
	return sb.String()
}

// speakerLabel names the author of a recalled message from the model's point
// of view: its own past lines read as "You".
func speakerLabel(m convstore.Message) string {
	switch m.Role {
	case types.RoleAssistant:
		return "You"
	case types.RoleUser:
		if m.Speaker != "" {
			return m.Speaker
		}
		return "User"
	default:
		return m.Role
	}
}

// formatRelativeTime converts a duration to a compact human-readable label
// such as "just now", "30s ago", "2m ago", "5h ago", "3d ago". Recall spans
// sessions, so unlike in-session timestamps it regularly reaches days.
func formatRelativeTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < 5*time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
