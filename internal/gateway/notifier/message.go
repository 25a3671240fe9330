package notifier

import (
	"strings"
	"time"
)

// Telegram rejects texts over 4096 characters; leave room for the footer.
const maxMessageLen = 3800

// MessageSection is one titled block of bullet lines.
type MessageSection struct {
	Title string
	Lines []string
}

// StructuredMessage is an operator alert rendered for Telegram.
type StructuredMessage struct {
	Icon      string
	Title     string
	Sections  []MessageSection
	Footer    string
	Timestamp time.Time
}

// RenderMarkdown renders the header in bold and the sections inside one
// preformatted block, so instrument symbols and errors need no escaping.
func (m StructuredMessage) RenderMarkdown() string {
	var parts []string
	if header := strings.TrimSpace(m.Icon + " " + m.Title); header != "" {
		parts = append(parts, "*"+stripMarkup(header)+"*")
	}

	var body []string
	for _, sec := range m.Sections {
		lines := nonEmpty(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		if len(body) > 0 {
			body = append(body, "")
		}
		if title := strings.TrimSpace(sec.Title); title != "" {
			body = append(body, title)
		}
		for _, line := range lines {
			body = append(body, "- "+line)
		}
	}
	if len(body) > 0 {
		parts = append(parts, "```\n"+stripFence(strings.Join(body, "\n"))+"\n```")
	}

	if footer := strings.TrimSpace(m.Footer); footer != "" {
		parts = append(parts, "```\n"+stripFence(footer)+"\n```")
	}
	if !m.Timestamp.IsZero() {
		parts = append(parts, "_"+m.Timestamp.Format("2006-01-02 15:04:05 MST")+"_")
	}

	out := strings.Join(parts, "\n\n")
	if len(out) > maxMessageLen {
		out = out[:maxMessageLen] + "..."
	}
	return out
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func stripFence(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}

func stripMarkup(s string) string {
	return strings.NewReplacer("*", "", "_", " ", "`", "'", "[", "(", "]", ")").Replace(s)
}
