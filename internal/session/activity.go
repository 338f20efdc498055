package session

import (
	"github.com/agentboard/agentboard/internal/stream"
)

// Derive maps one streamed event onto the activity label shown on the card.
// Returns ok=false for events that carry no activity signal.
func Derive(ev *stream.Event) (activity stream.Activity, detail string, ok bool) {
	switch ev.Type {
	case stream.EventText:
		return stream.ActivityResponding, "", true

	case stream.EventThought:
		return stream.ActivityThinking, "", true

	case stream.EventPlan:
		return stream.ActivityPlanning, "", true

	case stream.EventToolCall:
		if ev.Tool == nil {
			return "", "", false
		}
		return deriveToolActivity(ev.Tool), toolDetail(ev.Tool), true

	case stream.EventToolCallUpdate:
		// A completed tool hands the floor back to the model.
		if ev.Tool != nil && ev.Tool.Status == "completed" {
			return stream.ActivityResponding, "", true
		}
		return "", "", false

	case stream.EventSetActivity:
		return ev.Activity, ev.Detail, true
	}
	return "", "", false
}

// deriveToolActivity buckets a tool invocation by what the user perceives.
func deriveToolActivity(tool *stream.ToolCall) stream.Activity {
	if tool.Kind == "thinking" {
		return stream.ActivityThinking
	}
	if tool.Kind == "plan" {
		return stream.ActivityPlanning
	}

	switch tool.Name {
	case "Task":
		return stream.ActivityDelegating
	case "TodoWrite":
		return stream.ActivityPlanning
	case "Bash", "BashOutput", "KillShell":
		return stream.ActivityRunning
	case "Read":
		return stream.ActivityReading
	case "Glob", "Grep", "WebSearch", "WebFetch":
		return stream.ActivitySearching
	case "Write", "Edit", "NotebookEdit":
		return stream.ActivityEditing
	}
	return stream.ActivityBrewing
}

// toolDetail picks the short label accompanying a brewing activity. Known
// tools render their own labels client-side, so only unknown ones carry one.
func toolDetail(tool *stream.ToolCall) string {
	switch deriveToolActivity(tool) {
	case stream.ActivityBrewing:
		if tool.Title != "" {
			return tool.Title
		}
		return tool.Name
	}
	return ""
}

// approxTokens estimates streamed token volume at four characters per token,
// rounded up.
func approxTokens(text string) int {
	return (len(text) + 3) / 4
}
