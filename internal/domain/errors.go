package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTransientIO     = errors.New("transient io error")
	ErrDecode          = errors.New("decode error")
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrStaleScope      = errors.New("stale scope")
	ErrRuleEvaluation  = errors.New("rule evaluation error")
	ErrSinkDispatch    = errors.New("sink dispatch error")
	ErrAlreadyResolved = errors.New("alert already resolved")
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")

	// ErrStoreLost terminates the process; the listener resumes from its watermark after restart
	ErrStoreLost = errors.New("canonical store connection lost")
)

type DecodeError struct {
	Kind   EventKind
	TxHash string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s in tx %s: %v", e.Kind, e.TxHash, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

type RuleError struct {
	RuleID string
	Err    error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleError) Unwrap() []error { return []error{ErrRuleEvaluation, e.Err} }

type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() []error { return []error{ErrSinkDispatch, e.Err} }
