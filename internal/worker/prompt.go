package worker

import (
	"fmt"
	"strings"

	"github.com/alekspetrov/overseer/internal/queue"
)

// BuildPrompt renders a task payload into the instruction text passed to the
// AI tool. Every prompt ends with the same verdict contract so the child's
// final JSON line can be parsed uniformly.
func BuildPrompt(task *queue.Task) string {
	var b strings.Builder

	switch p := task.Payload.(type) {
	case *queue.IssuePayload:
		fmt.Fprintf(&b, "Work on the following GitHub issue.\n\n")
		fmt.Fprintf(&b, "Issue #%d: %s\n", task.IssueNumber, p.Title)
		if p.URL != "" {
			fmt.Fprintf(&b, "URL: %s\n", p.URL)
		}
		if len(p.Labels) > 0 {
			fmt.Fprintf(&b, "Labels: %s\n", strings.Join(p.Labels, ", "))
		}
		if p.Body != "" {
			fmt.Fprintf(&b, "\n%s\n", p.Body)
		}
		b.WriteString("\nImplement the requested change, run the relevant checks, and commit your work.\n")

	case *queue.CommentPayload:
		fmt.Fprintf(&b, "A follow-up request was posted on issue #%d (%s).\n\n", task.IssueNumber, p.IssueTitle)
		fmt.Fprintf(&b, "Comment by %s:\n%s\n", p.Author, p.Body)
		b.WriteString("\nAddress the request in the context of the existing work on this issue.\n")

	case *queue.PRPayload:
		fmt.Fprintf(&b, "Review the following pull request.\n\n")
		fmt.Fprintf(&b, "PR #%d: %s\n", task.IssueNumber, p.Title)
		fmt.Fprintf(&b, "Branch: %s -> %s (head %s)\n", p.HeadRef, p.BaseRef, p.HeadSHA)
		if p.Body != "" {
			fmt.Fprintf(&b, "\n%s\n", p.Body)
		}
		if len(p.Files) > 0 {
			fmt.Fprintf(&b, "\nChanged files:\n")
			for _, f := range p.Files {
				fmt.Fprintf(&b, "  %s\n", f)
			}
		}
		if len(p.CommitMsgs) > 0 {
			fmt.Fprintf(&b, "\nCommits:\n")
			for _, m := range p.CommitMsgs {
				fmt.Fprintf(&b, "  %s\n", firstLine(m))
			}
		}
		b.WriteString("\nExamine the diff for correctness, style, and missing tests.\n")
		b.WriteString("Set \"approved\": true only if the change can merge as is; list blocking findings in \"must_fix\".\n")

	case *queue.CustomPayload:
		b.WriteString(p.Prompt)
		b.WriteString("\n")

	default:
		fmt.Fprintf(&b, "Work on issue #%d in project %s.\n", task.IssueNumber, task.ProjectID)
	}

	b.WriteString("\nWhen finished, print a single JSON object as your last line of output:\n")
	b.WriteString(`{"success": true|false, "error": "...", "approved": true|false, "must_fix": [], "follow_up_actions": []}` + "\n")
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
