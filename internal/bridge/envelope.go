// Package bridge carries directory queries from the web process to the
// process that holds the platform session. Requests and responses are
// CBOR envelopes correlated by id over a pub/sub Transport.
package bridge

import (
	"errors"
	"fmt"
	"strconv"
)

// Task names a query the Responder can answer.
type Task string

const (
	TaskRolesOfMember   Task = "get-roles-of-member"
	TaskMemberState     Task = "get-member-state"
	TaskAllMemberStates Task = "get-all-member-states"
	TaskUserState       Task = "get-user-state"
	TaskRoleState       Task = "get-role-state"
	TaskChannelState    Task = "get-channel-state"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeNotFound    = "not_found"
	CodeBadRequest  = "bad_request"
	CodeUnknownTask = "unknown_task"
	CodeInternal    = "internal"
)

// ErrTimeout is returned when no response arrives within the requester's
// response window.
var ErrTimeout = errors.New("bridge: response timed out")

// Request is the envelope sent on the request channel.
type Request struct {
	ID   string `cbor:"id"`
	Task Task   `cbor:"task"`
	Args []any  `cbor:"args"`
}

// Response is the envelope sent on the response channel. Exactly one of
// Data and Error is set.
type Response struct {
	ID    string        `cbor:"id"`
	Data  RawMessage    `cbor:"data,omitempty"`
	Error *ErrorPayload `cbor:"error,omitempty"`
}

// ErrorPayload is an application-level failure reported by the Responder.
type ErrorPayload struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
}

// RemoteError is returned by Requester.Transaction when the Responder
// answered with an error payload.
type RemoteError struct {
	Task    Task
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge: %s: %s: %s", e.Task, e.Code, e.Message)
}

// NotFound reports whether the remote entity did not exist.
func (e *RemoteError) NotFound() bool { return e.Code == CodeNotFound }

// argString returns args[i] as a string.
func argString(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %d", i)
	}
	switch v := args[i].(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("argument %d: want string, got %T", i, v)
	}
}

// argInt returns args[i] as an int. CBOR decodes untyped integers as
// uint64 or int64 depending on sign.
func argInt(args []any, i int) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	switch v := args[i].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("argument %d: %w", i, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("argument %d: want integer, got %T", i, v)
	}
}
