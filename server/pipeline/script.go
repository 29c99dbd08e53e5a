package pipeline

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/reelsmith/reelsmith/plugin/generation"
)

// ScriptMarkdown formats a shooting script as markdown for display and
// export.
func ScriptMarkdown(script *generation.Script) string {
	var b strings.Builder
	b.WriteString("# Shooting Script\n\n")
	for i, shot := range script.Shots {
		fmt.Fprintf(&b, "## Shot %d (%s)\n\n", i+1, shot.Time)
		fmt.Fprintf(&b, "- **Scene**: %s\n", shot.Scene)
		fmt.Fprintf(&b, "- **Action**: %s\n", shot.Action)
		if shot.Audio != "" {
			fmt.Fprintf(&b, "- **Audio**: %s\n", shot.Audio)
		}
		if shot.Emotion != "" {
			fmt.Fprintf(&b, "- **Emotion**: %s\n", shot.Emotion)
		}
		b.WriteString("\n")
	}
	if script.EmotionArc.Start != "" || script.EmotionArc.End != "" {
		fmt.Fprintf(&b, "*Emotion arc: %s → %s*\n", script.EmotionArc.Start, script.EmotionArc.End)
	}
	return b.String()
}

// RenderScriptHTML renders the script's markdown to HTML for the snapshot
// surface.
func RenderScriptHTML(script *generation.Script) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(ScriptMarkdown(script)), &buf); err != nil {
		return "", fmt.Errorf("render script: %w", err)
	}
	return buf.String(), nil
}
