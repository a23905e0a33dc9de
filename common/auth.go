package common

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
)

const (
	InitAuthPath = "/v1/auth/init"
	PollAuthPath = "/v1/auth/poll"
)

type InitAuthRequest struct {
	KeyID     string `json:"key_id"`
	Challenge string `json:"challenge"`
}

type InitAuthResponse struct {
	RequestID string `json:"request_id"`
}

type PollAuthRequest struct {
	KeyID     string `json:"key_id"`
	RequestID string `json:"request_id"`
}

// PollAuthResponse carries a nil Signature while the request is still pending.
type PollAuthResponse struct {
	Signature *string `json:"signature"`
}

// ApprovalService is the remote side of the init/poll protocol.
type ApprovalService interface {
	InitAuth(context.Context, *InitAuthRequest) (*InitAuthResponse, error)
	PollAuth(context.Context, *PollAuthRequest) (*PollAuthResponse, error)
}

// KeyID derives the handle the approval service uses for a public key blob:
// the standard base64 encoding of its SHA-256 digest.
func KeyID(pubKeyBlob []byte) string {
	sum := sha256.Sum256(pubKeyBlob)
	return base64.StdEncoding.EncodeToString(sum[:])
}
