package actions

import (
	"fmt"
	"unicode/utf8"
)

// Summarize renders drained host output for the decision maker. Interrupted
// runs report nothing unless they were interrupted by their own timeout.
// Output longer than maxOutput keeps a head and tail excerpt.
func Summarize(output string, interrupted, timedOut bool, maxOutput int) string {
	if interrupted && !timedOut {
		return ""
	}
	if maxOutput > 0 && len(output) > maxOutput {
		half := maxOutput / 2
		head, tail := half, len(output)-half
		for head > 0 && !utf8.RuneStart(output[head]) {
			head--
		}
		for tail < len(output) && !utf8.RuneStart(output[tail]) {
			tail++
		}
		return fmt.Sprintf("Action output is very long (%d chars) and has been shortened.\n"+
			" First outputs:\n%s\n...skipping many lines.\nFinal outputs:\n %s",
			len(output), output[:head], output[tail:])
	}
	return "Action output:\n" + output
}
