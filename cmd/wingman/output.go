package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kalambet/wingman/internal/conversation"
	"github.com/kalambet/wingman/internal/dispatch"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+fmt.Sprintf(format, args...)))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// scheduled mirrors the JSON form of dispatch.Descriptor.
type scheduled struct {
	Key             string `json:"key"`
	TaskID          string `json:"task_id"`
	DelaySeconds    int64  `json:"delay_seconds"`
	ScheduledOffset int64  `json:"scheduled_offset_seconds"`
	Error           string `json:"error"`
}

// printSchedule lists each scheduled item and returns how many were refused.
func printSchedule(what string, items []scheduled) int {
	if len(items) == 0 {
		printWarning("No %s to schedule", what)
		return 0
	}
	refused := 0
	for _, it := range items {
		if it.Error != "" {
			refused++
			printStatus(it.Key, "%s", colorize(colorRed, "refused: "+it.Error))
			continue
		}
		offset := time.Duration(it.ScheduledOffset) * time.Second
		printStatus(it.Key, "task %s at +%s", it.TaskID, offset)
	}
	if refused > 0 {
		printWarning("Scheduled %d %s, %d refused", len(items)-refused, what, refused)
	} else {
		printSuccess("Scheduled %d %s", len(items), what)
	}
	return refused
}

func printReport(r conversation.Report) {
	for _, res := range r.Results {
		switch res.Outcome {
		case conversation.OutcomeReplied:
			printStatus(res.MatchID, "%s", colorize(colorGreen, "replied"))
		case conversation.OutcomeFailed:
			printStatus(res.MatchID, "%s", colorize(colorRed, "failed: "+res.Error))
		default:
			printStatus(res.MatchID, "%s", res.Outcome)
		}
	}
	printSuccess("Replied to %d of %d conversation(s) in %s",
		r.Count(conversation.OutcomeReplied), len(r.Results), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}

func printTask(st dispatch.Status) {
	state := string(st.State)
	switch st.State {
	case dispatch.StateDone:
		state = colorize(colorGreen, state)
	case dispatch.StateFailed:
		state = colorize(colorRed, state)
	}
	printStatus("Task", "%s (%s)", st.TaskID, st.Operation)
	printStatus("State", "%s", state)
	if !st.NotBefore.IsZero() {
		printStatus("Not before", "%s", st.NotBefore.Local().Format(time.RFC3339))
	}
	if st.Error != "" {
		printStatus("Error", "%s", st.Error)
	}
}
