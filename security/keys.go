// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package security

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Credential is a signing key and the principal it stands for.
type Credential struct {
	Principal string
	Signer    ssh.Signer
}

// NewCredential returns a credential for signer. An empty principal
// defaults to the key's SHA256 fingerprint.
func NewCredential(signer ssh.Signer, principal string) *Credential {
	if principal == "" {
		principal = ssh.FingerprintSHA256(signer.PublicKey())
	}
	return &Credential{Principal: principal, Signer: signer}
}

// LoadCredential reads an unencrypted ssh private key.
func LoadCredential(path, principal string) (*Credential, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewCredential(signer, principal), nil
}

// GenerateCredential returns a credential for a fresh ed25519 key.
func GenerateCredential(principal string) (*Credential, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, err
	}
	return NewCredential(signer, principal), nil
}

// AuthorizedKeys maps client public keys to principal names.
type AuthorizedKeys struct {
	keys map[string]string
}

// NewAuthorizedKeys returns an empty set.
func NewAuthorizedKeys() *AuthorizedKeys {
	return &AuthorizedKeys{keys: map[string]string{}}
}

// Add authorizes key as principal. An empty principal means the key's
// SHA256 fingerprint.
func (a *AuthorizedKeys) Add(key ssh.PublicKey, principal string) {
	if principal == "" {
		principal = ssh.FingerprintSHA256(key)
	}
	a.keys[string(key.Marshal())] = principal
}

// Principal returns the principal key is authorized as.
func (a *AuthorizedKeys) Principal(key ssh.PublicKey) (string, bool) {
	if a == nil {
		return "", false
	}
	p, ok := a.keys[string(key.Marshal())]
	return p, ok
}

// Len returns the number of authorized keys.
func (a *AuthorizedKeys) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// ParseAuthorizedKeys parses data in authorized_keys format. The comment
// of each line, if any, is the principal the key authenticates as.
func ParseAuthorizedKeys(data []byte) (*AuthorizedKeys, error) {
	a := NewAuthorizedKeys()
	s := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; s.Scan(); n++ {
		line := strings.TrimSpace(s.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		a.Add(key, strings.TrimSpace(comment))
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return a, nil
}

// LoadAuthorizedKeys reads an authorized_keys file.
func LoadAuthorizedKeys(path string) (*AuthorizedKeys, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	a, err := ParseAuthorizedKeys(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}
