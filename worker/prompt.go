package worker

import (
	"strconv"
	"strings"

	"github.com/droverhq/drover/task"
)

// BuildPrompt renders the delegate's stdin for a task. The payload is
// the artifact body; review feedback from a rejected attempt rides along
// so the next execution can address it.
func BuildPrompt(t *task.Task) string {
	var b strings.Builder
	b.WriteString("# Task: ")
	b.WriteString(t.Name)
	b.WriteString("\n\n")
	b.WriteString("Type: ")
	b.WriteString(string(t.Type))
	b.WriteString("\nPriority: ")
	b.WriteString(string(t.Priority))
	b.WriteString("\nPhase: ")
	b.WriteString(string(t.Phase))
	if t.RetryCount > 0 {
		b.WriteString("\nAttempt: ")
		b.WriteString(strconv.Itoa(t.RetryCount + 1))
	}
	b.WriteString("\n\n## Instructions\n\n")
	b.WriteString(t.Payload)
	if t.Feedback != "" {
		b.WriteString("\n\n## Review feedback on the previous attempt\n\n")
		b.WriteString(t.Feedback)
	}
	b.WriteString("\n\nRespond with a single JSON envelope on stdout.\n")
	return b.String()
}
