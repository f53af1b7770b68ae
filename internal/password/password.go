// Package password hashes and verifies user passwords.
//
// Hashes are self-describing: bcrypt hashes start with "$2", argon2id hashes
// use the PHC string format. A Multi hasher can therefore verify hashes made
// by either algorithm while producing new ones with the configured algorithm.
package password

import (
	"fmt"
	"strings"
)

// Hasher hashes passwords with a fresh salt and verifies them. Verify never
// returns an error; a malformed hash simply does not match.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

const (
	AlgorithmBcrypt   = "bcrypt"
	AlgorithmArgon2id = "argon2id"
)

// Multi hashes with Primary and verifies with whichever algorithm produced
// the stored hash.
type Multi struct {
	Primary Hasher
	bcrypt  *Bcrypt
	argon2  *Argon2
	dummy   string
}

// New builds the hasher named by algorithm. cost applies to bcrypt only.
func New(algorithm string, cost int) (*Multi, error) {
	b, err := NewBcrypt(cost)
	if err != nil {
		return nil, err
	}
	a := NewArgon2(DefaultArgon2Config())

	m := &Multi{bcrypt: b, argon2: a}
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "", AlgorithmBcrypt:
		m.Primary = b
	case AlgorithmArgon2id:
		m.Primary = a
	default:
		return nil, fmt.Errorf("unknown password hasher %q", algorithm)
	}

	dummy, err := m.Primary.Hash("dummy-password-for-timing")
	if err != nil {
		return nil, err
	}
	m.dummy = dummy
	return m, nil
}

func (m *Multi) Hash(password string) (string, error) {
	return m.Primary.Hash(password)
}

func (m *Multi) Verify(password, hash string) bool {
	switch {
	case isArgon2Hash(hash):
		return m.argon2.Verify(password, hash)
	case isBcryptHash(hash):
		return m.bcrypt.Verify(password, hash)
	}
	return false
}

// DummyVerify burns the same CPU as a real verification. Callers use it when
// no account matched so that misses and wrong passwords take equally long.
func (m *Multi) DummyVerify(password string) {
	_ = m.Primary.Verify(password, m.dummy)
}

// NeedsRehash reports whether hash was produced by a different algorithm or
// weaker parameters than the primary hasher.
func (m *Multi) NeedsRehash(hash string) bool {
	switch p := m.Primary.(type) {
	case *Bcrypt:
		return !isBcryptHash(hash) || p.needsRehash(hash)
	case *Argon2:
		return !isArgon2Hash(hash) || p.needsRehash(hash)
	}
	return false
}

func isBcryptHash(hash string) bool {
	return strings.HasPrefix(hash, "$2")
}

func isArgon2Hash(hash string) bool {
	return strings.HasPrefix(hash, "$"+argon2AlgorithmID+"$")
}
