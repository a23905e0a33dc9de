package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jackofmosttrades/ssh-approval-agent/common"
	"github.com/jackofmosttrades/ssh-approval-agent/server/ssh-approval-plugin"
)

type requestStatus int

const (
	statusPending requestStatus = iota
	statusApproved
	statusDenied
	// statusSigning marks an approved request whose signature is being produced.
	statusSigning
)

// DefaultRequestTTL bounds how long a request is kept without being decided
// and delivered.
const DefaultRequestTTL = 10 * time.Minute

type authRequest struct {
	id        string
	key       *KeyData
	challenge []byte
	created   time.Time
	status    requestStatus
	signature []byte
	// requester is the client certificate that started the request, nil for
	// callers without one.
	requester *x509.Certificate
}

// PendingRequest describes a request waiting for a human decision.
type PendingRequest struct {
	RequestID string    `json:"request_id"`
	KeyName   string    `json:"key_name"`
	KeyID     string    `json:"key_id"`
	Created   time.Time `json:"created"`
}

type DecisionRequest struct {
	RequestID string `json:"request_id"`
}

type DecisionResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

type approvalServiceImpl struct {
	approvalPlugin ssh_approval_plugin.SshApprovalPolicyPlugin
	keys           map[string]*KeyData
	log            *slog.Logger
	now            func() time.Time
	ttl            time.Duration

	mu       sync.Mutex
	requests map[string]*authRequest
}

var _ common.ApprovalService = (*approvalServiceImpl)(nil)

func newApprovalService(keyData []*KeyData, approvalPlugin ssh_approval_plugin.SshApprovalPolicyPlugin, log *slog.Logger) *approvalServiceImpl {
	keys := make(map[string]*KeyData, len(keyData))
	for _, key := range keyData {
		keys[key.KeyID] = key
	}
	return &approvalServiceImpl{
		approvalPlugin: approvalPlugin,
		keys:           keys,
		log:            log,
		now:            time.Now,
		ttl:            DefaultRequestTTL,
		requests:       make(map[string]*authRequest),
	}
}

func callerCert(ctx context.Context) *x509.Certificate {
	caller, _ := ctx.Value(callerKey{}).(*x509.Certificate)
	return caller
}

func (s *approvalServiceImpl) isAutoApproved(ctx context.Context, key *KeyData) (bool, error) {
	if s.approvalPlugin == nil {
		return false, nil
	}
	return s.approvalPlugin.AutoApprove(callerCert(ctx), key.Name, key.Metadata)
}

func sign(req *authRequest) ([]byte, error) {
	sig, err := req.key.Signer.Sign(rand.Reader, req.challenge)
	if err != nil {
		return nil, fmt.Errorf("unable to generate signature: %w", err)
	}
	return sig.Blob, nil
}

// expireLocked drops requests older than the ttl. s.mu must be held.
func (s *approvalServiceImpl) expireLocked() {
	if s.ttl <= 0 {
		return
	}
	cutoff := s.now().Add(-s.ttl)
	for id, req := range s.requests {
		if req.created.Before(cutoff) {
			delete(s.requests, id)
			s.log.Info("authorization request expired", "request_id", id, "key_name", req.key.Name)
		}
	}
}

func (s *approvalServiceImpl) InitAuth(ctx context.Context, request *common.InitAuthRequest) (*common.InitAuthResponse, error) {
	key, ok := s.keys[request.KeyID]
	if !ok {
		return nil, &httpError{"unknown key", http.StatusNotFound}
	}
	challenge, err := base64.StdEncoding.DecodeString(request.Challenge)
	if err != nil {
		return nil, &httpError{"challenge is not valid base64", http.StatusBadRequest}
	}

	req := &authRequest{
		id:        uuid.NewString(),
		key:       key,
		challenge: challenge,
		created:   s.now(),
		status:    statusPending,
		requester: callerCert(ctx),
	}
	autoApproved, err := s.isAutoApproved(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("unable to evaluate approval policy: %w", err)
	}
	if autoApproved {
		if req.signature, err = sign(req); err != nil {
			return nil, err
		}
		req.status = statusApproved
	}

	s.mu.Lock()
	s.expireLocked()
	s.requests[req.id] = req
	s.mu.Unlock()

	s.log.Info("authorization requested", "request_id", req.id, "key_name", key.Name, "auto_approved", autoApproved)
	return &common.InitAuthResponse{RequestID: req.id}, nil
}

func (s *approvalServiceImpl) PollAuth(ctx context.Context, request *common.PollAuthRequest) (*common.PollAuthResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()

	req, ok := s.requests[request.RequestID]
	if !ok || req.key.KeyID != request.KeyID {
		return nil, &httpError{"unknown request", http.StatusNotFound}
	}
	switch req.status {
	case statusDenied:
		delete(s.requests, req.id)
		return nil, &httpError{"request denied", http.StatusForbidden}
	case statusApproved:
		delete(s.requests, req.id)
		sig := base64.StdEncoding.EncodeToString(req.signature)
		return &common.PollAuthResponse{Signature: &sig}, nil
	}
	return &common.PollAuthResponse{}, nil
}

func (s *approvalServiceImpl) Pending() []PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()

	pending := make([]PendingRequest, 0)
	for _, req := range s.requests {
		if req.status != statusPending {
			continue
		}
		pending = append(pending, PendingRequest{
			RequestID: req.id,
			KeyName:   req.key.Name,
			KeyID:     req.key.KeyID,
			Created:   req.created,
		})
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Created.Before(pending[j].Created)
	})
	return pending
}

// pendingLocked returns the undecided request with the given id, refusing a
// decision from the certificate that started it. s.mu must be held.
func (s *approvalServiceImpl) pendingLocked(ctx context.Context, id string) (*authRequest, error) {
	s.expireLocked()
	req, ok := s.requests[id]
	if !ok {
		return nil, &httpError{"unknown request", http.StatusNotFound}
	}
	if req.status != statusPending {
		return nil, &httpError{"request already decided", http.StatusConflict}
	}
	if caller := callerCert(ctx); caller != nil && req.requester != nil && bytes.Equal(caller.Raw, req.requester.Raw) {
		return nil, &httpError{"requester may not decide its own request", http.StatusForbidden}
	}
	return req, nil
}

func (s *approvalServiceImpl) Approve(ctx context.Context, request *DecisionRequest) (*DecisionResponse, error) {
	s.mu.Lock()
	req, err := s.pendingLocked(ctx, request.RequestID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	req.status = statusSigning
	s.mu.Unlock()

	signature, err := sign(req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requests[req.id] != req {
		return nil, &httpError{"request expired while signing", http.StatusGone}
	}
	if err != nil {
		req.status = statusPending
		return nil, err
	}
	req.signature = signature
	req.status = statusApproved
	s.log.Info("authorization approved", "request_id", req.id, "key_name", req.key.Name)
	return &DecisionResponse{RequestID: req.id, Status: "approved"}, nil
}

func (s *approvalServiceImpl) Deny(ctx context.Context, request *DecisionRequest) (*DecisionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, err := s.pendingLocked(ctx, request.RequestID)
	if err != nil {
		return nil, err
	}
	req.status = statusDenied
	s.log.Info("authorization denied", "request_id", req.id, "key_name", req.key.Name)
	return &DecisionResponse{RequestID: req.id, Status: "denied"}, nil
}
