// Package apperr defines the engine's error taxonomy.
//
// Every error that crosses a component boundary carries a Kind so that
// transports can map it to a status code and the widget service can decide
// whether to retry.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error.
type Kind string

const (
	KindUnknown Kind = "unknown"

	// Compilation errors are caused by the graph author and never retried.
	KindGraphCycle       Kind = "graph_cycle"
	KindUnresolvedField  Kind = "unresolved_field"
	KindIncompatibleType Kind = "incompatible_type"
	KindInvalidGraph     Kind = "invalid_graph"

	// Execution errors are transient.
	KindExecutionTimeout Kind = "execution_timeout"
	KindStoreUnavailable Kind = "store_unavailable"
	KindDataUnavailable  Kind = "data_unavailable"

	// Isolation violations are programming errors and fail closed.
	KindIsolationViolation Kind = "isolation_violation"

	KindKPIReduction Kind = "kpi_reduction"

	KindSchemaNotFound    Kind = "schema_not_found"
	KindWidgetNotFound    Kind = "widget_not_found"
	KindDanglingReference Kind = "dangling_reference"
)

// Error is the concrete error type used across the engine.
type Error struct {
	Kind    Kind
	Op      string
	NodeID  string
	NodeIDs []string
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.NodeID != "" {
		fmt.Fprintf(&b, " node=%s", e.NodeID)
	}
	if len(e.NodeIDs) > 0 {
		fmt.Fprintf(&b, " nodes=[%s]", strings.Join(e.NodeIDs, ","))
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field=%s", e.Field)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind. It lets callers
// write errors.Is(err, apperr.ErrExecutionTimeout).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is comparisons.
var (
	ErrGraphCycle         = &Error{Kind: KindGraphCycle}
	ErrUnresolvedField    = &Error{Kind: KindUnresolvedField}
	ErrIncompatibleType   = &Error{Kind: KindIncompatibleType}
	ErrInvalidGraph       = &Error{Kind: KindInvalidGraph}
	ErrExecutionTimeout   = &Error{Kind: KindExecutionTimeout}
	ErrStoreUnavailable   = &Error{Kind: KindStoreUnavailable}
	ErrDataUnavailable    = &Error{Kind: KindDataUnavailable}
	ErrIsolationViolation = &Error{Kind: KindIsolationViolation}
	ErrKPIReduction       = &Error{Kind: KindKPIReduction}
	ErrSchemaNotFound     = &Error{Kind: KindSchemaNotFound}
	ErrWidgetNotFound     = &Error{Kind: KindWidgetNotFound}
	ErrDanglingReference  = &Error{Kind: KindDanglingReference}
)

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether err is a transient execution error.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindExecutionTimeout, KindStoreUnavailable:
		return true
	default:
		return false
	}
}

// IsCompilation reports whether err was caused by an invalid graph.
func IsCompilation(err error) bool {
	switch KindOf(err) {
	case KindGraphCycle, KindUnresolvedField, KindIncompatibleType, KindInvalidGraph:
		return true
	default:
		return false
	}
}

func GraphCycle(nodeIDs []string) *Error {
	return &Error{Kind: KindGraphCycle, NodeIDs: nodeIDs, Message: "graph contains a cycle"}
}

func UnresolvedField(nodeID, field string) *Error {
	return &Error{Kind: KindUnresolvedField, NodeID: nodeID, Field: field, Message: "field not found in upstream shape"}
}

func IncompatibleType(nodeID, field, msg string) *Error {
	return &Error{Kind: KindIncompatibleType, NodeID: nodeID, Field: field, Message: msg}
}

func InvalidGraph(nodeID, msg string) *Error {
	return &Error{Kind: KindInvalidGraph, NodeID: nodeID, Message: msg}
}

func ExecutionTimeout(op string, err error) *Error {
	return &Error{Kind: KindExecutionTimeout, Op: op, Err: err}
}

func StoreUnavailable(op string, err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Op: op, Err: err}
}

func DataUnavailable(op string, err error) *Error {
	return &Error{Kind: KindDataUnavailable, Op: op, Message: "data temporarily unavailable", Err: err}
}

func IsolationViolation(op, msg string) *Error {
	return &Error{Kind: KindIsolationViolation, Op: op, Message: msg}
}

func KPIReduction(nodeID, msg string) *Error {
	return &Error{Kind: KindKPIReduction, NodeID: nodeID, Message: msg}
}

func SchemaNotFound(sourceRef string) *Error {
	return &Error{Kind: KindSchemaNotFound, Message: fmt.Sprintf("source %q is not known to the tenant", sourceRef)}
}

func WidgetNotFound(widgetID string) *Error {
	return &Error{Kind: KindWidgetNotFound, Message: fmt.Sprintf("widget %q not found", widgetID)}
}

func DanglingReference(nodeID, msg string) *Error {
	return &Error{Kind: KindDanglingReference, NodeID: nodeID, Message: msg}
}
