// Package auth holds the crypto side of the login handshake: the stored
// secret derived from a password, the server challenge and the HMAC digest
// the client answers with.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	ChallengeSize    = 64
	pbkdf2Iterations = 10000
	pbkdf2KeyLen     = 64
)

var (
	ErrDigestMismatch     = errors.New("digest mismatch")
	ErrUnknownAlgorithm   = errors.New("unknown digest algorithm")
	ErrMalformedDigestB64 = errors.New("malformed digest encoding")
)

// Algorithm names the HMAC hash used for the challenge digest.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	// MD5 is kept only so legacy clients can still log in.
	MD5 Algorithm = "md5"
)

func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case SHA256, "":
		return SHA256, nil
	case MD5:
		return MD5, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
	}
}

func (a Algorithm) hasher() (func() hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New, nil
	case MD5:
		return md5.New, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(a))
	}
}

// HashPassword derives the stored secret for an account. It is hex encoded so
// the client can reproduce the exact HMAC key from the password.
func HashPassword(login, password string) []byte {
	key := pbkdf2.Key([]byte(password), []byte(strings.ToLower(login)), pbkdf2Iterations, pbkdf2KeyLen, sha512.New)
	out := make([]byte, hex.EncodedLen(len(key)))
	hex.Encode(out, key)
	return out
}

// NewChallenge returns ChallengeSize random bytes, hex encoded.
func NewChallenge() (string, error) {
	buf := make([]byte, ChallengeSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Digest computes HMAC(key, challenge) with the given algorithm.
func Digest(alg Algorithm, key []byte, challenge string) ([]byte, error) {
	newHash, err := alg.hasher()
	if err != nil {
		return nil, err
	}
	mac := hmac.New(newHash, key)
	mac.Write([]byte(challenge))
	return mac.Sum(nil), nil
}

// EncodeDigest is the base64 form a client puts in its handshake reply.
func EncodeDigest(digest []byte) string {
	return base64.StdEncoding.EncodeToString(digest)
}

// Verify checks a base64 encoded client digest against the expected one in
// constant time.
func Verify(alg Algorithm, key []byte, challenge, clientDigest string) error {
	got, err := base64.StdEncoding.DecodeString(clientDigest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDigestB64, err)
	}
	want, err := Digest(alg, key, challenge)
	if err != nil {
		return err
	}
	if !hmac.Equal(want, got) {
		return ErrDigestMismatch
	}
	return nil
}

// Respond is the client half: derive the key from the password and answer the
// challenge.
func Respond(alg Algorithm, login, password, challenge string) (string, error) {
	digest, err := Digest(alg, HashPassword(login, password), challenge)
	if err != nil {
		return "", err
	}
	return EncodeDigest(digest), nil
}
