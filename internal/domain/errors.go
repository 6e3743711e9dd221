package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the three failure classes of an analysis run.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrModelFit      = errors.New("model fit failed")
)

// InputError reports a malformed or incomplete transaction record.
type InputError struct {
	Index     int
	Line      int // source line when the record came from a file, 0 otherwise
	TxID      string
	AccountID string
	Field     string
	Reason    string
}

func (e *InputError) Error() string {
	var b strings.Builder
	b.WriteString("invalid input: record ")
	fmt.Fprintf(&b, "%d", e.Index)
	if e.Line > 0 {
		fmt.Fprintf(&b, " (line %d)", e.Line)
	}
	if e.TxID != "" {
		fmt.Fprintf(&b, " tx=%s", e.TxID)
	}
	if e.AccountID != "" {
		fmt.Fprintf(&b, " account=%s", e.AccountID)
	}
	fmt.Fprintf(&b, ": %s: %s", e.Field, e.Reason)
	return b.String()
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// ConfigurationError reports a configuration value outside its valid range.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s=%v: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrInvalidConfig }

// ModelFitError reports that the outlier model could not be fitted.
type ModelFitError struct {
	Stage  string // "encode", "fit" or "score"
	Reason string
}

func (e *ModelFitError) Error() string {
	return fmt.Sprintf("model fit failed at %s: %s", e.Stage, e.Reason)
}

func (e *ModelFitError) Unwrap() error { return ErrModelFit }
