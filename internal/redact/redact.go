// Package redact applies sensitive-data patterns and per-field length caps to
// exported transcript content before it leaves the host.
package redact

import (
	"regexp"
	"unicode/utf8"
)

// Modes.
const (
	ModeOff   = "off"
	ModeTools = "tools"
)

// Default per-field truncation budgets (in bytes, cut on rune boundaries).
const (
	DefaultMaxMessageChars    = 8000
	DefaultMaxToolInputChars  = 4000
	DefaultMaxToolOutputChars = 8000
	DefaultMaxErrorChars      = 8000
)

// truncationMarker is appended when a cut occurs.
const truncationMarker = "…"

// Redactor holds the compiled pattern list and the field budgets.
type Redactor struct {
	mode     string
	patterns []*regexp.Regexp

	maxMessage    int
	maxToolInput  int
	maxToolOutput int
	maxError      int
}

// Option tunes a Redactor.
type Option func(*Redactor)

// WithBudgets overrides the per-field truncation budgets. Zero keeps the
// default for that field.
func WithBudgets(message, toolInput, toolOutput, errText int) Option {
	return func(r *Redactor) {
		if message > 0 {
			r.maxMessage = message
		}
		if toolInput > 0 {
			r.maxToolInput = toolInput
		}
		if toolOutput > 0 {
			r.maxToolOutput = toolOutput
		}
		if errText > 0 {
			r.maxError = errText
		}
	}
}

// New compiles a Redactor. Invalid patterns are skipped; mode defaults to
// "off" for unknown values.
func New(mode string, patterns []string, opts ...Option) *Redactor {
	r := &Redactor{
		mode:          ModeOff,
		maxMessage:    DefaultMaxMessageChars,
		maxToolInput:  DefaultMaxToolInputChars,
		maxToolOutput: DefaultMaxToolOutputChars,
		maxError:      DefaultMaxErrorChars,
	}
	if mode == ModeTools {
		r.mode = ModeTools
	}
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			r.patterns = append(r.patterns, re)
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Message normalizes user/assistant/tool message content.
func (r *Redactor) Message(s string) string {
	return Truncate(r.apply(s), r.maxMessage)
}

// ToolInput normalizes tool-call parameter text.
func (r *Redactor) ToolInput(s string) string {
	return Truncate(r.apply(s), r.maxToolInput)
}

// ToolOutput normalizes tool-result text.
func (r *Redactor) ToolOutput(s string) string {
	return Truncate(r.apply(s), r.maxToolOutput)
}

// Error normalizes tool error text.
func (r *Redactor) Error(s string) string {
	return Truncate(r.apply(s), r.maxError)
}

func (r *Redactor) apply(s string) string {
	if r.mode != ModeTools || s == "" {
		return s
	}
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, "[redacted]")
	}
	return s
}

// Truncate cuts s to at most max bytes without splitting a multi-byte code
// point, appending the truncation marker when a cut occurred.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}
