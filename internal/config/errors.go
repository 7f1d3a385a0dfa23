package config

import "strings"

// Error is one configuration problem, located as precisely as the check
// allows. The resolver collects every Error across the document and returns
// them joined, so an operator sees all problems in one pass.
type Error struct {
	Scope     string // document path, group or source identifier
	Processor string
	Option    string
	Msg       string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("config: ")
	if e.Scope != "" {
		b.WriteString(e.Scope)
		b.WriteString(": ")
	}
	if e.Processor != "" {
		b.WriteString("processor " + e.Processor + ": ")
	}
	if e.Option != "" {
		b.WriteString("option " + e.Option + ": ")
	}
	b.WriteString(e.Msg)
	return b.String()
}
