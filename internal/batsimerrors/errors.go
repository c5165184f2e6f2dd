// Package batsimerrors defines the typed error taxonomy from the core's
// error handling design: configuration, protocol and referential errors are
// all fatal but are distinguished so that callers can report the right exit
// behaviour and diagnostic without parsing error strings.
package batsimerrors

import "fmt"

// ErrConfiguration signals a CLI flag or workload/profile schema violation
// discovered before the simulation starts.
type ErrConfiguration struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ErrConfiguration) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("configuration error: field %q has invalid value %v", e.Field, e.Value)
	}
	return fmt.Sprintf("configuration error: field %q has invalid value %v: %s", e.Field, e.Value, e.Message)
}

// ErrProtocol signals a malformed or schema-violating wire message, a
// timestamp regression, or an unknown/disallowed command. EventIndex names
// the offending event within its batch so the diagnostic can point at it.
type ErrProtocol struct {
	EventIndex int
	Message    string
}

func (e *ErrProtocol) Error() string {
	return fmt.Sprintf("protocol error at event %d: %s", e.EventIndex, e.Message)
}

// ErrReferential signals an unknown job id, an unknown profile name, or an
// EXECUTE_JOB whose allocation size does not match the job's requirement.
type ErrReferential struct {
	Kind  string // "job", "profile", "allocation"
	Value string
}

func (e *ErrReferential) Error() string {
	return fmt.Sprintf("referential error: unknown %s %q", e.Kind, e.Value)
}

// ErrSemanticWarning is never fatal: it is logged and the condition it names
// is handled by falling back to a defined behaviour (e.g. a CALL_ME_LATER
// for a past time fires immediately).
type ErrSemanticWarning struct {
	Message string
}

func (e *ErrSemanticWarning) Error() string {
	return fmt.Sprintf("semantic warning: %s", e.Message)
}
