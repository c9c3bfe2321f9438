// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package security

import "errors"

var (
	// ErrAuth means the peer could not be authenticated.
	ErrAuth = errors.New("security: authentication failed")
	// ErrIntegrity means protected data failed verification. A context
	// that reported it is unusable.
	ErrIntegrity = errors.New("security: integrity check failed")
	// ErrNotEstablished means the context is not (or no longer) usable.
	ErrNotEstablished = errors.New("security: context not established")
	// ErrRoundLimit means establishment needed more rounds than allowed.
	ErrRoundLimit = errors.New("security: too many establishment rounds")
	// ErrLegacyPeer means the peer answered a version 2 handshake as a
	// version 1 server.
	ErrLegacyPeer = errors.New("security: peer does not speak protocol version 2")
	// ErrUnexpectedToken means a handshake token had the wrong flags.
	ErrUnexpectedToken = errors.New("security: unexpected token during establishment")
)

// Mechanism is one side of a security context, in the manner of a
// GSS-API mechanism.
//
// Continue consumes the peer's last token (nil for an initiator's first
// call) and returns the token to send, which may be empty. Once
// IsEstablished reports true the data calls may be used. Any failure of
// Unwrap or VerifySignature leaves the mechanism unusable.
type Mechanism interface {
	Continue(in []byte) (out []byte, err error)
	IsEstablished() bool
	PeerName() string

	Wrap(msg []byte) ([]byte, error)
	Unwrap(tok []byte) ([]byte, error)
	MakeSignature(payload []byte) ([]byte, error)
	VerifySignature(payload, sig []byte) error

	// Delete releases key material. It is safe to call more than once.
	Delete() error
}
