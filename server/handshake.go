package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"msgd/auth"
	"msgd/protocol"
)

var ErrAuthFailed = errors.New("wrong password")

// HashSource supplies the stored secret for an account.
type HashSource interface {
	GetHash(login string) ([]byte, error)
}

// AuthResult is what a successful handshake learns about the client.
type AuthResult struct {
	IP        string
	Port      int
	PublicKey string
}

// Handshaker runs the challenge-response exchange on a connection that
// announced presence. It never touches the registry.
type Handshaker struct {
	hashes    HashSource
	algorithm auth.Algorithm
	timeout   time.Duration
}

func NewHandshaker(hashes HashSource, alg auth.Algorithm, timeout time.Duration) *Handshaker {
	if alg == "" {
		alg = auth.SHA256
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handshaker{hashes: hashes, algorithm: alg, timeout: timeout}
}

// Authorize sends a 511 challenge and waits, bounded by the handshake timeout
// and ctx, for the client's digest. Any failure returns an error wrapping
// ErrAuthFailed; the caller answers the client and drops the connection.
func (h *Handshaker) Authorize(ctx context.Context, presence protocol.Presence, conn *Conn) (AuthResult, error) {
	account := presence.Sender()

	key, err := h.hashes.GetHash(account)
	if err != nil {
		return AuthResult{}, fmt.Errorf("%w: load secret for %s: %v", ErrAuthFailed, account, err)
	}

	challenge, err := auth.NewChallenge()
	if err != nil {
		return AuthResult{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	if err := conn.Send(protocol.Response{
		Code:   protocol.CodeAuth,
		Data:   challenge,
		Digest: string(h.algorithm),
	}); err != nil {
		return AuthResult{}, fmt.Errorf("%w: send challenge: %v", ErrAuthFailed, err)
	}

	timeout := h.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if err := ctx.Err(); err != nil {
		return AuthResult{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	frame, err := conn.Receive(timeout)
	if err != nil {
		return AuthResult{}, fmt.Errorf("%w: read answer: %v", ErrAuthFailed, err)
	}

	answer, err := protocol.DecodeResponse(frame)
	if err != nil {
		return AuthResult{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if answer.Code != protocol.CodeAuth {
		return AuthResult{}, fmt.Errorf("%w: answer has code %d", ErrAuthFailed, answer.Code)
	}

	if err := auth.Verify(h.algorithm, key, challenge, answer.Data); err != nil {
		return AuthResult{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	ip, port := conn.hostPort()
	return AuthResult{IP: ip, Port: port, PublicKey: presence.User.PublicKey}, nil
}
