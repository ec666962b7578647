// Package sign implements the ECDSA P-256 / SHA-256 signing scheme used
// by SRP clients (DNSSEC algorithm 13). Public keys and signatures use
// the raw fixed-width wire encoding: a public key is X||Y (64 bytes) and
// a signature is r||s (64 bytes).
package sign

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"math/big"
)

const (
	PublicKeySize = 64
	SignatureSize = 64
)

type PrivateKey ecdsa.PrivateKey
type PublicKey []byte

// GenerateKey creates a fresh P-256 key pair.
func GenerateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return (*PrivateKey)(key), nil
}

// Sign hashes message with SHA-256 and signs the digest, returning the
// raw r||s signature.
func (key *PrivateKey) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return key.SignDigest(digest[:])
}

// SignDigest signs an already-computed SHA-256 digest.
func (key *PrivateKey) SignDigest(digest []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, (*ecdsa.PrivateKey)(key), digest)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, SignatureSize)
	r.FillBytes(sig[:SignatureSize/2])
	s.FillBytes(sig[SignatureSize/2:])
	return sig, nil
}

// Public returns the raw X||Y encoding of the public key.
func (key *PrivateKey) Public() PublicKey {
	pk := make([]byte, PublicKeySize)
	key.X.FillBytes(pk[:PublicKeySize/2])
	key.Y.FillBytes(pk[PublicKeySize/2:])
	return pk
}

// Verify hashes message with SHA-256 and checks the raw r||s signature.
func (pk PublicKey) Verify(message, sig []byte) bool {
	digest := sha256.Sum256(message)
	return pk.VerifyDigest(digest[:], sig)
}

// VerifyDigest checks a raw r||s signature over a SHA-256 digest.
func (pk PublicKey) VerifyDigest(digest, sig []byte) bool {
	if len(pk) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	pub := ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(pk[:PublicKeySize/2]),
		Y:     new(big.Int).SetBytes(pk[PublicKeySize/2:]),
	}
	r := new(big.Int).SetBytes(sig[:SignatureSize/2])
	s := new(big.Int).SetBytes(sig[SignatureSize/2:])
	return ecdsa.Verify(&pub, digest, r, s)
}
