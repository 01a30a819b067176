// ichigyo/helpers_fixes.go
// Contains helper functions for turning linter fixes into quick-fix edits.
package ichigyo

import "fmt"

// ============================================================================
// Fix Helpers
// ============================================================================

// BuildFixes returns one edit per message that carries a fix and whose line
// falls inside lines. text must be the snapshot the messages were computed
// against, since fix ranges are offsets into it. Edits are returned in message
// order and are independent of each other: overlapping edits are neither
// merged nor rejected.
func BuildFixes(text string, messages []LinterMessage, lines LineRange, enc PositionEncoding) []FixEdit {
	var edits []FixEdit
	for _, msg := range messages {
		if msg.Fix == nil {
			continue
		}
		if !lines.Contains(messageLine(msg)) {
			continue
		}
		start, end := msg.Fix.Range[0], msg.Fix.Range[1]
		if start > end {
			start, end = end, start
		}
		edits = append(edits, FixEdit{
			Range: LSPRange{
				Start: OffsetToPosition(text, start, enc),
				End:   OffsetToPosition(text, end, enc),
			},
			NewText: msg.Fix.Text,
			Title:   fixTitle(msg),
			RuleID:  msg.RuleID,
			Message: msg,
		})
	}
	return edits
}

// fixTitle formats the human-readable title shown in the client's quick-fix menu.
func fixTitle(msg LinterMessage) string {
	return fmt.Sprintf("Fix: %s (%s)", msg.Message, msg.RuleID)
}
