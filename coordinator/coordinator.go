// Package coordinator turns local signing requests into approval service
// init/poll exchanges and blocks until each one resolves.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/jackofmosttrades/ssh-approval-agent/common"
	"github.com/jackofmosttrades/ssh-approval-agent/config"
	"github.com/jackofmosttrades/ssh-approval-agent/identity"
)

const DefaultPollInterval = 3 * time.Second

// Authenticator is the approval service protocol; *remoteauth.Client
// implements it.
type Authenticator interface {
	Init(ctx context.Context, keyID string, challenge []byte) (requestID string, err error)
	Poll(ctx context.Context, keyID string, requestID string) (signature []byte, ok bool, err error)
}

// Clock is the subset of clock.Clock used to pace polling.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type State int

const (
	StateIdle State = iota
	StateKeyResolved
	StateAuthInitiated
	StatePolling
	StateResolved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateKeyResolved:
		return "key_resolved"
	case StateAuthInitiated:
		return "auth_initiated"
	case StatePolling:
		return "polling"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Signature struct {
	Algorithm string
	Blob      []byte
}

type Coordinator struct {
	src          config.Source
	auth         Authenticator
	clock        Clock
	pollInterval time.Duration
	maxWait      time.Duration
	log          *slog.Logger
}

type Option func(*Coordinator)

func WithClock(c Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithPollInterval(d time.Duration) Option {
	return func(co *Coordinator) {
		if d > 0 {
			co.pollInterval = d
		}
	}
}

// WithMaxWait bounds how long Sign waits for approval. Zero, the default,
// waits until the request resolves or the context is cancelled.
func WithMaxWait(d time.Duration) Option {
	return func(co *Coordinator) { co.maxWait = d }
}

func WithLogger(log *slog.Logger) Option {
	return func(co *Coordinator) { co.log = log }
}

func New(src config.Source, auth Authenticator, opts ...Option) *Coordinator {
	co := &Coordinator{
		src:          src,
		auth:         auth,
		clock:        clock.New(),
		pollInterval: DefaultPollInterval,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

func (co *Coordinator) ListIdentities() ([]identity.Identity, error) {
	cfg, err := co.src.Get()
	if err != nil {
		return nil, err
	}
	return cfg.Identities.List(), nil
}

// signRequest is the per-call state of one Sign invocation.
type signRequest struct {
	state     State
	identity  identity.Identity
	keyID     string
	requestID string
	log       *slog.Logger
}

func (r *signRequest) transition(s State, args ...any) {
	r.state = s
	r.log.Debug("sign request state", append([]any{"state", s.String()}, args...)...)
}

// Sign asks the approval service to sign data with the identity whose blob is
// pubKey. It blocks until the service returns a signature, an error occurs,
// ctx is cancelled, or the configured maximum wait elapses.
func (co *Coordinator) Sign(ctx context.Context, pubKey []byte, data []byte) (sig *Signature, err error) {
	req := &signRequest{state: StateIdle, log: co.log}
	defer func() {
		if err != nil {
			req.transition(StateFailed, "err", err)
		}
	}()

	cfg, err := co.src.Get()
	if err != nil {
		return nil, err
	}
	id, ok := cfg.Identities.Lookup(pubKey)
	if !ok {
		return nil, common.ErrInvalidKey
	}
	req.identity = id
	req.keyID = common.KeyID(pubKey)
	req.log = co.log.With("key_id", req.keyID, "key_type", id.KeyType)
	req.transition(StateKeyResolved)

	req.requestID, err = co.auth.Init(ctx, req.keyID, data)
	if err != nil {
		return nil, fmt.Errorf("unable to start authorization: %w", err)
	}
	req.log = req.log.With("request_id", req.requestID)
	req.transition(StateAuthInitiated)

	blob, err := co.poll(ctx, req)
	if err != nil {
		return nil, err
	}
	req.transition(StateResolved)
	return &Signature{Algorithm: req.identity.KeyType, Blob: blob}, nil
}

func (co *Coordinator) poll(ctx context.Context, req *signRequest) ([]byte, error) {
	req.transition(StatePolling, "interval", co.pollInterval)
	start := co.clock.Now()
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("abandoned waiting for approval: %w", ctx.Err())
		case <-co.clock.After(co.pollInterval):
		}

		blob, ok, err := co.auth.Poll(ctx, req.keyID, req.requestID)
		if err != nil {
			return nil, fmt.Errorf("unable to poll authorization: %w", err)
		}
		if ok {
			req.log.Debug("approval received", "attempts", attempt)
			return blob, nil
		}
		if co.maxWait > 0 && co.clock.Now().Sub(start) >= co.maxWait {
			return nil, fmt.Errorf("after %d polls: %w", attempt, common.ErrApprovalTimeout)
		}
	}
}
