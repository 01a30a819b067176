// ichigyo/helpers_diagnostics.go
// Contains helper functions for converting linter messages into LSP diagnostics.
package ichigyo

// ============================================================================
// Diagnostic Helpers
// ============================================================================

// BuildDiagnostics converts linter messages into LSP diagnostics for text.
// Each diagnostic is zero width at the reported line and column. Order is
// preserved and nothing is filtered. The result is never nil.
func BuildDiagnostics(messages []LinterMessage, enc PositionEncoding, text string) []LspDiagnostic {
	diagnostics := make([]LspDiagnostic, 0, len(messages))
	for _, msg := range messages {
		diagnostics = append(diagnostics, messageToDiagnostic(msg, enc, text))
	}
	return diagnostics
}

// messageToDiagnostic maps a single linter message.
func messageToDiagnostic(msg LinterMessage, enc PositionEncoding, text string) LspDiagnostic {
	line0 := messageLine(msg)
	pos := LSPPosition{
		Line:      toUint32(line0),
		Character: LinterColumnToCharacter(text, line0, msg.Column, enc),
	}
	var code any
	if msg.RuleID != "" {
		code = msg.RuleID
	}
	return LspDiagnostic{
		Range:    LSPRange{Start: pos, End: pos},
		Severity: mapLinterSeverityToLSP(msg.Severity),
		Code:     code,
		Source:   diagnosticSource,
		Message:  msg.Message,
	}
}

// mapLinterSeverityToLSP maps the linter severity ordinal. Anything other than
// a warning is reported as an error, including values the linter may add later.
func mapLinterSeverityToLSP(severity Severity) LspDiagnosticSeverity {
	if severity == SeverityWarning {
		return LspSeverityWarning
	}
	return LspSeverityError
}

// messageLine returns the 0-based line of msg, saturating at 0.
func messageLine(msg LinterMessage) int {
	return max(msg.Line-1, 0)
}
