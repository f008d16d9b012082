package flow

import (
	"errors"
	"fmt"
)

// ShapeErrorMessage is shown in place of a reply when the flow answered
// successfully but its envelope could not be read.
const ShapeErrorMessage = "⚠️ Could not interpret the flow response: unexpected structure returned by the API."

// transportPrefix starts every bot message produced by a transport failure.
const transportPrefix = "Error connecting to the flow API: "

// ErrorKind classifies a flow call failure.
type ErrorKind int

const (
	// KindTransport covers network and DNS failures, timeouts, HTTP 4xx/5xx
	// and response bodies that are not JSON.
	KindTransport ErrorKind = iota + 1

	// KindShape is a successful JSON response whose envelope did not match.
	KindShape
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindShape:
		return "unexpected-shape"
	default:
		return "unknown"
	}
}

// Error is returned by Client.Send for every failed call.
type Error struct {
	Kind ErrorKind

	// StatusCode is set when the failure is an HTTP error status.
	StatusCode int

	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("flow %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage renders err as the text of a bot turn. Transport failures embed
// their cause; shape failures use the fixed ShapeErrorMessage.
func UserMessage(err error) string {
	var flowErr *Error
	if errors.As(err, &flowErr) {
		if flowErr.Kind == KindShape {
			return ShapeErrorMessage
		}
		return transportPrefix + flowErr.Err.Error()
	}
	if errors.Is(err, ErrUnexpectedShape) {
		return ShapeErrorMessage
	}
	return transportPrefix + err.Error()
}
