// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package message

import "fmt"

// ErrorCode is the numeric code of a protocol error.
type ErrorCode uint32

// Protocol error codes.
const (
	ErrorInternal          ErrorCode = 1
	ErrorBadToken          ErrorCode = 2
	ErrorUnknownMessage    ErrorCode = 3
	ErrorBadCommand        ErrorCode = 4
	ErrorUnknownCommand    ErrorCode = 5
	ErrorAccess            ErrorCode = 6
	ErrorTooManyArgs       ErrorCode = 7
	ErrorTooMuchData       ErrorCode = 8
	ErrorUnexpectedMessage ErrorCode = 9
)

var errorText = map[ErrorCode]string{
	ErrorInternal:          "Internal server failure",
	ErrorBadToken:          "Invalid format in token",
	ErrorUnknownMessage:    "Unknown message type",
	ErrorBadCommand:        "Invalid command format in token",
	ErrorUnknownCommand:    "Unknown command",
	ErrorAccess:            "Access denied",
	ErrorTooManyArgs:       "Too many arguments",
	ErrorTooMuchData:       "Too much data",
	ErrorUnexpectedMessage: "Unexpected message type",
}

// String returns the standard text for the code.
func (c ErrorCode) String() string {
	if s, ok := errorText[c]; ok {
		return s
	}
	return fmt.Sprintf("error %d", uint32(c))
}

// Error is a protocol error message. It is also an error, so a client
// can hand a server-reported failure straight to its caller.
type Error struct {
	Code    ErrorCode
	Message string
}

// NewError returns an Error with the standard text for code.
func NewError(code ErrorCode) *Error {
	return &Error{Code: code, Message: code.String()}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Message
}

// Is matches any *Error with the same code, so errors.Is can test for
// a class of failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}
