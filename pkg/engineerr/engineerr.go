// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package engineerr defines the structured error taxonomy shared across
// the execution engine: config errors, context-resolution errors,
// provider errors, parse errors, and filesystem errors.
package engineerr

import "fmt"

// Kind classifies an engine error. See spec §7 for the propagation policy
// attached to each kind.
type Kind string

const (
	// Config covers pipeline shape errors, unknown stage references, and
	// disabled-dependency references. Fails fast, before any provider call.
	Config Kind = "config_error"

	// Context covers UnresolvedContextReference and missing file inputs.
	// Fails the stage, preserves the run.
	Context Kind = "context_error"

	// Provider covers Auth/Network/RateLimit/ModelUnavailable/
	// ProviderInternal/InvalidRequest. Fails the stage or item.
	Provider Kind = "provider_error"

	// Parse covers InvalidJson/InvalidJsonShape. Fails the stage or item;
	// raw.txt is preserved.
	Parse Kind = "parse_error"

	// Filesystem covers disk-full/permission-denied during artifact
	// writes. Fatal to the run.
	Filesystem Kind = "filesystem_error"
)

// ProviderSubKind further classifies a Provider-kind error, per spec §4.4.
type ProviderSubKind string

const (
	Auth             ProviderSubKind = "auth"
	Network          ProviderSubKind = "network"
	RateLimit        ProviderSubKind = "rate_limit"
	ModelUnavailable ProviderSubKind = "model_unavailable"
	ProviderInternal ProviderSubKind = "provider_internal"
	InvalidRequest   ProviderSubKind = "invalid_request"
)

// ParseSubKind further classifies a Parse-kind error.
type ParseSubKind string

const (
	InvalidJSON      ParseSubKind = "invalid_json"
	InvalidJSONShape ParseSubKind = "invalid_json_shape"
)

// Error is the structured error value carried through the engine. It is
// always non-nil when returned, and Kind is always one of the constants
// above.
type Error struct {
	Kind    Kind
	Sub     string // ProviderSubKind or ParseSubKind, when applicable; empty otherwise
	Message string
	Cause   error  `json:"-"`
	StageID string
	ItemID  string

	// Literal, when non-empty, is returned verbatim by Error(), bypassing
	// the usual [kind] prefix — for errors whose exact wording is part of
	// the user-facing contract (e.g. disabled-dependency failures).
	Literal string
}

func (e *Error) Error() string {
	if e.Literal != "" {
		return e.Literal
	}
	loc := e.StageID
	if e.ItemID != "" {
		loc = fmt.Sprintf("%s/%s", e.StageID, e.ItemID)
	}
	if e.Sub != "" {
		if loc != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Kind, e.Sub, loc, e.Message)
		}
		return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Sub, e.Message)
	}
	if loc != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, loc, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a plain engine error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an engine error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithStage returns a copy of e annotated with a stage id.
func (e *Error) WithStage(stageID string) *Error {
	c := *e
	c.StageID = stageID
	return &c
}

// WithItem returns a copy of e annotated with a stage and item id.
func (e *Error) WithItem(stageID, itemID string) *Error {
	c := *e
	c.StageID = stageID
	c.ItemID = itemID
	return &c
}

// ConfigError builds a Kind=Config error.
func ConfigError(format string, args ...any) *Error {
	return New(Config, fmt.Sprintf(format, args...))
}

// DisabledDependencyError builds the Kind=Config error raised when a
// stage's template references a disabled upstream stage. Its wording is
// a stable, greppable contract consumers can match against on stderr.
func DisabledDependencyError(stageID, dependencyID string) *Error {
	return &Error{
		Kind:    Config,
		Sub:     "disabled_dependency",
		Message: fmt.Sprintf("dependency %q is disabled in pipeline yaml", dependencyID),
		StageID: stageID,
		Literal: fmt.Sprintf("Cannot run stage '%s': dependency '%s' is disabled in pipeline yaml (enabled=false).", stageID, dependencyID),
	}
}

// ContextError builds a Kind=Context error.
func ContextError(format string, args ...any) *Error {
	return New(Context, fmt.Sprintf(format, args...))
}

// ProviderError builds a Kind=Provider error with a sub-kind.
func ProviderError(sub ProviderSubKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: Provider, Sub: string(sub), Message: fmt.Sprintf(format, args...), Cause: cause}
}

// ParseError builds a Kind=Parse error with a sub-kind.
func ParseError(sub ParseSubKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: Parse, Sub: string(sub), Message: fmt.Sprintf(format, args...), Cause: cause}
}

// FilesystemError builds a Kind=Filesystem error.
func FilesystemError(cause error, format string, args ...any) *Error {
	return Wrap(Filesystem, cause, fmt.Sprintf(format, args...))
}

// As is a small helper mirroring errors.As for the common case of pulling
// an *Error out of an arbitrary error chain.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	if ok {
		return e, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if e, ok := err.(*Error); ok {
			return e, true
		}
	}
	return nil, false
}
