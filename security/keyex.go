// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package security

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"filippo.io/mlkem768"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
	"golang.org/x/crypto/ssh"
)

const (
	keyexVersion = 1

	nonceLen      = 32
	encapKeyLen   = 1184
	ciphertextLen = 1088
	keyLen        = chacha20poly1305.KeySize
	seqLen        = 8
)

var (
	keyexInfo     = []byte("remctl keyex v1")
	initiatorTag  = []byte("initiator")
	confirmAccept = []byte{1}
)

// InitiatorConfig configures the client side of a key exchange.
type InitiatorConfig struct {
	Credential *Credential
	// Target is the principal the acceptor must present.
	// Empty accepts whatever the host key callback accepts.
	Target string
	// Address and Remote are handed to HostKeyCallback.
	Address         string
	Remote          net.Addr
	HostKeyCallback ssh.HostKeyCallback
}

// AcceptorConfig configures the server side of a key exchange.
type AcceptorConfig struct {
	Credential     *Credential
	AuthorizedKeys *AuthorizedKeys
}

// KeyExchange is the ssh-key authenticated hybrid key exchange
// Mechanism. The initiator takes three Continue calls and the acceptor
// two.
type KeyExchange struct {
	mu sync.Mutex

	initiator bool
	icfg      InitiatorConfig
	acfg      AcceptorConfig

	step        int
	established bool
	peer        string
	err         error

	xpriv []byte
	dk    *mlkem768.DecapsulationKey
	tok1  []byte
	h     []byte

	send, recv *direction
}

var _ Mechanism = &KeyExchange{}

// NewInitiator returns the client side of a key exchange.
func NewInitiator(cfg InitiatorConfig) (*KeyExchange, error) {
	if cfg.Credential == nil {
		return nil, errors.New("security: initiator needs a credential")
	}
	if cfg.HostKeyCallback == nil {
		return nil, errors.New("security: initiator needs a host key callback")
	}
	return &KeyExchange{initiator: true, icfg: cfg}, nil
}

// NewAcceptor returns the server side of a key exchange.
func NewAcceptor(cfg AcceptorConfig) (*KeyExchange, error) {
	if cfg.Credential == nil {
		return nil, errors.New("security: acceptor needs a credential")
	}
	if cfg.AuthorizedKeys == nil {
		return nil, errors.New("security: acceptor needs authorized keys")
	}
	return &KeyExchange{acfg: cfg}, nil
}

// Continue implements Mechanism.Continue.
func (k *KeyExchange) Continue(in []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return nil, k.err
	}
	if k.established {
		return nil, fmt.Errorf("%w: context already established", ErrUnexpectedToken)
	}
	var out []byte
	var err error
	switch {
	case k.initiator && k.step == 0:
		out, err = k.initiate()
	case k.initiator && k.step == 1:
		out, err = k.verifyAcceptor(in)
	case k.initiator && k.step == 2:
		err = k.confirm(in)
	case !k.initiator && k.step == 0:
		out, err = k.respond(in)
	case !k.initiator && k.step == 1:
		out, err = k.authenticate(in)
	}
	k.step++
	if err != nil {
		k.fail(err)
		return nil, err
	}
	return out, nil
}

// IsEstablished implements Mechanism.IsEstablished.
func (k *KeyExchange) IsEstablished() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.established && k.err == nil
}

// PeerName returns the acceptor's principal on the initiator and the
// authorized principal of the client key on the acceptor.
func (k *KeyExchange) PeerName() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.peer
}

func (k *KeyExchange) usable() error {
	if k.err != nil {
		return k.err
	}
	if !k.established {
		return ErrNotEstablished
	}
	return nil
}

// Wrap implements Mechanism.Wrap.
func (k *KeyExchange) Wrap(msg []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.usable(); err != nil {
		return nil, err
	}
	return k.send.seal(msg), nil
}

// Unwrap implements Mechanism.Unwrap.
func (k *KeyExchange) Unwrap(tok []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.usable(); err != nil {
		return nil, err
	}
	msg, err := k.recv.open(tok)
	if err != nil {
		k.fail(err)
		return nil, err
	}
	return msg, nil
}

// MakeSignature implements Mechanism.MakeSignature.
func (k *KeyExchange) MakeSignature(payload []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.usable(); err != nil {
		return nil, err
	}
	return k.send.mac(payload), nil
}

// VerifySignature implements Mechanism.VerifySignature.
func (k *KeyExchange) VerifySignature(payload, sig []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.usable(); err != nil {
		return err
	}
	if !hmac.Equal(k.recv.mac(payload), sig) {
		err := fmt.Errorf("%w: MIC mismatch", ErrIntegrity)
		k.fail(err)
		return err
	}
	return nil
}

// Delete implements Mechanism.Delete.
func (k *KeyExchange) Delete() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.fail(fmt.Errorf("%w: context deleted", ErrNotEstablished))
	return nil
}

func (k *KeyExchange) fail(err error) {
	if k.err == nil {
		k.err = err
	}
	for i := range k.xpriv {
		k.xpriv[i] = 0
	}
	k.xpriv, k.dk, k.tok1, k.h = nil, nil, nil, nil
	k.send.wipe()
	k.recv.wipe()
}

func (k *KeyExchange) initiate() ([]byte, error) {
	var err error
	if k.xpriv, err = randomBytes(curve25519.ScalarSize); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(k.xpriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	if k.dk, err = mlkem768.GenerateKey(); err != nil {
		return nil, err
	}
	nonce, err := randomBytes(nonceLen)
	if err != nil {
		return nil, err
	}
	b := []byte{keyexVersion}
	b = append(b, pub...)
	b = append(b, k.dk.EncapsulationKey()...)
	b = append(b, nonce...)
	b = appendShort(b, []byte(k.icfg.Target))
	k.tok1 = b
	v("keyex: initiating to %q", k.icfg.Target)
	return b, nil
}

func (k *KeyExchange) respond(in []byte) ([]byte, error) {
	r := &reader{b: in}
	ver := r.next(1)
	xpub := r.next(curve25519.PointSize)
	ek := r.next(encapKeyLen)
	r.next(nonceLen)
	target := r.short()
	if !r.done() {
		return nil, fmt.Errorf("%w: malformed initiator token", ErrAuth)
	}
	if ver[0] != keyexVersion {
		return nil, fmt.Errorf("%w: key exchange version %d", ErrAuth, ver[0])
	}
	cred := k.acfg.Credential
	if len(target) > 0 && string(target) != cred.Principal {
		return nil, fmt.Errorf("%w: initiator wants %q, we are %q", ErrAuth, target, cred.Principal)
	}

	priv, err := randomBytes(curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	defer clear(priv)
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	xss, err := curve25519.X25519(priv, xpub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	ct, kss, err := mlkem768.Encapsulate(ek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	nonce, err := randomBytes(nonceLen)
	if err != nil {
		return nil, err
	}

	body := []byte{keyexVersion}
	body = append(body, pub...)
	body = append(body, ct...)
	body = append(body, nonce...)
	body = appendShort(body, []byte(cred.Principal))
	body = appendLong(body, cred.Signer.PublicKey().Marshal())

	secret := append(xss, kss...)
	defer clear(secret)
	k.h = transcriptHash(in, body, secret)
	sig, err := cred.Signer.Sign(rand.Reader, k.h)
	if err != nil {
		return nil, err
	}
	if err := k.derive(secret); err != nil {
		return nil, err
	}
	return appendLong(body, ssh.Marshal(sig)), nil
}

func (k *KeyExchange) verifyAcceptor(in []byte) ([]byte, error) {
	r := &reader{b: in}
	ver := r.next(1)
	xpub := r.next(curve25519.PointSize)
	ct := r.next(ciphertextLen)
	r.next(nonceLen)
	name := r.short()
	hostKeyBytes := r.long()
	bodyLen := len(in) - len(r.b)
	sigBytes := r.long()
	if !r.done() {
		return nil, fmt.Errorf("%w: malformed acceptor token", ErrAuth)
	}
	if ver[0] != keyexVersion {
		return nil, fmt.Errorf("%w: key exchange version %d", ErrAuth, ver[0])
	}

	xss, err := curve25519.X25519(k.xpriv, xpub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	kss, err := mlkem768.Decapsulate(k.dk, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	secret := append(xss, kss...)
	defer clear(secret)
	k.h = transcriptHash(k.tok1, in[:bodyLen], secret)

	hostKey, err := ssh.ParsePublicKey(hostKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: host key: %v", ErrAuth, err)
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(sigBytes, &sig); err != nil {
		return nil, fmt.Errorf("%w: host signature: %v", ErrAuth, err)
	}
	if err := hostKey.Verify(k.h, &sig); err != nil {
		return nil, fmt.Errorf("%w: host signature: %v", ErrAuth, err)
	}
	if t := k.icfg.Target; t != "" && string(name) != t {
		return nil, fmt.Errorf("%w: server is %q, want %q", ErrAuth, name, t)
	}
	if err := k.icfg.HostKeyCallback(k.icfg.Address, k.icfg.Remote, hostKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	k.peer = string(name)
	if err := k.derive(secret); err != nil {
		return nil, err
	}

	cred := k.icfg.Credential
	usig, err := cred.Signer.Sign(rand.Reader, concat(k.h, initiatorTag))
	if err != nil {
		return nil, err
	}
	proof := appendLong(nil, cred.Signer.PublicKey().Marshal())
	proof = appendLong(proof, ssh.Marshal(usig))
	v("keyex: server %q verified", k.peer)
	return k.send.seal(proof), nil
}

func (k *KeyExchange) authenticate(in []byte) ([]byte, error) {
	proof, err := k.recv.open(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	r := &reader{b: proof}
	keyBytes := r.long()
	sigBytes := r.long()
	if !r.done() {
		return nil, fmt.Errorf("%w: malformed client proof", ErrAuth)
	}
	key, err := ssh.ParsePublicKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: client key: %v", ErrAuth, err)
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(sigBytes, &sig); err != nil {
		return nil, fmt.Errorf("%w: client signature: %v", ErrAuth, err)
	}
	if err := key.Verify(concat(k.h, initiatorTag), &sig); err != nil {
		return nil, fmt.Errorf("%w: client signature: %v", ErrAuth, err)
	}
	principal, ok := k.acfg.AuthorizedKeys.Principal(key)
	if !ok {
		return nil, fmt.Errorf("%w: key %s is not authorized", ErrAuth, ssh.FingerprintSHA256(key))
	}
	k.peer = principal
	k.established = true
	k.h = nil
	v("keyex: client authenticated as %q", principal)
	return k.send.seal(confirmAccept), nil
}

func (k *KeyExchange) confirm(in []byte) error {
	b, err := k.recv.open(in)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if !hmac.Equal(b, confirmAccept) {
		return fmt.Errorf("%w: server did not confirm", ErrAuth)
	}
	k.established = true
	clear(k.xpriv)
	k.xpriv, k.dk, k.tok1, k.h = nil, nil, nil, nil
	return nil
}

// derive sets the session keys from the combined shared secret.
func (k *KeyExchange) derive(secret []byte) error {
	kdf := hkdf.New(sha3.New256, secret, k.h, keyexInfo)
	keys := make([]byte, 4*keyLen)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return err
	}
	defer clear(keys)
	c2s, err := newDirection(keys[0:keyLen], keys[2*keyLen:3*keyLen])
	if err != nil {
		return err
	}
	s2c, err := newDirection(keys[keyLen:2*keyLen], keys[3*keyLen:])
	if err != nil {
		return err
	}
	if k.initiator {
		k.send, k.recv = c2s, s2c
	} else {
		k.send, k.recv = s2c, c2s
	}
	return nil
}

// direction holds the keys and sequence number for one way of traffic.
type direction struct {
	aead   cipher.AEAD
	micKey []byte
	seq    uint64
}

func newDirection(key, micKey []byte) (*direction, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &direction{aead: aead, micKey: append([]byte(nil), micKey...)}, nil
}

func (d *direction) nonce(seq []byte) []byte {
	n := make([]byte, d.aead.NonceSize())
	copy(n[len(n)-seqLen:], seq)
	return n
}

func (d *direction) seal(msg []byte) []byte {
	out := make([]byte, seqLen, seqLen+len(msg)+d.aead.Overhead())
	binary.BigEndian.PutUint64(out, d.seq)
	d.seq++
	return d.aead.Seal(out, d.nonce(out[:seqLen]), msg, out[:seqLen])
}

func (d *direction) open(tok []byte) ([]byte, error) {
	if len(tok) < seqLen+d.aead.Overhead() {
		return nil, fmt.Errorf("%w: %d byte token", ErrIntegrity, len(tok))
	}
	if seq := binary.BigEndian.Uint64(tok); seq != d.seq {
		return nil, fmt.Errorf("%w: sequence %d, want %d", ErrIntegrity, seq, d.seq)
	}
	msg, err := d.aead.Open(nil, d.nonce(tok[:seqLen]), tok[seqLen:], tok[:seqLen])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	d.seq++
	return msg, nil
}

func (d *direction) mac(payload []byte) []byte {
	m := hmac.New(sha3.New256, d.micKey)
	m.Write(payload)
	return m.Sum(nil)
}

func (d *direction) wipe() {
	if d == nil {
		return
	}
	clear(d.micKey)
}

func transcriptHash(tok1, body2, secret []byte) []byte {
	h := sha3.New256()
	h.Write(tok1)
	h.Write(body2)
	h.Write(secret)
	return h.Sum(nil)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func concat(a, b []byte) []byte {
	return append(append(make([]byte, 0, len(a)+len(b)), a...), b...)
}

func appendShort(b, p []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(p)))
	return append(b, p...)
}

func appendLong(b, p []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(p)))
	return append(b, p...)
}

// reader walks a handshake token. Once a read runs short every later
// read returns zeroed data and done reports false.
type reader struct {
	b   []byte
	bad bool
}

func (r *reader) next(n int) []byte {
	if r.bad || n > len(r.b) {
		r.bad = true
		return make([]byte, n)
	}
	p := r.b[:n:n]
	r.b = r.b[n:]
	return p
}

func (r *reader) short() []byte {
	return r.next(int(binary.BigEndian.Uint16(r.next(2))))
}

func (r *reader) long() []byte {
	n := binary.BigEndian.Uint32(r.next(4))
	if uint64(n) > uint64(len(r.b)) {
		r.bad = true
		return nil
	}
	return r.next(int(n))
}

func (r *reader) done() bool {
	return !r.bad && len(r.b) == 0
}
