package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/jackofmosttrades/ssh-approval-agent/coordinator"
	"github.com/jackofmosttrades/ssh-approval-agent/identity"
)

// Signer is the part of the coordinator the agent relies on.
type Signer interface {
	ListIdentities() ([]identity.Identity, error)
	Sign(ctx context.Context, pubKey []byte, data []byte) (*coordinator.Signature, error)
}

// Agent answers ssh-agent requests from a fixed identity list; signatures
// come from the approval service.
type Agent struct {
	ctx    context.Context
	signer Signer
	log    *slog.Logger
}

var _ agent.ExtendedAgent = (*Agent)(nil)

func NewAgent(ctx context.Context, signer Signer, log *slog.Logger) *Agent {
	return &Agent{ctx: ctx, signer: signer, log: log}
}

func (a *Agent) Extension(extensionType string, contents []byte) ([]byte, error) {
	return nil, agent.ErrExtensionUnsupported
}

func (*Agent) Add(key agent.AddedKey) error {
	return errors.New("not implemented")
}

func (*Agent) Lock(passphrase []byte) error {
	return errors.New("not implemented")
}

func (*Agent) Remove(key ssh.PublicKey) error {
	return errors.New("not implemented")
}

func (*Agent) RemoveAll() error {
	return errors.New("not implemented")
}

func (*Agent) Signers() ([]ssh.Signer, error) {
	return nil, errors.New("not implemented")
}

func (*Agent) Unlock(passphrase []byte) error {
	return errors.New("not implemented")
}

func (a *Agent) List() ([]*agent.Key, error) {
	ids, err := a.signer.ListIdentities()
	if err != nil {
		a.log.Error("unable to list identities", "err", err)
		return nil, err
	}
	keys := make([]*agent.Key, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, &agent.Key{
			Format:  id.KeyType,
			Blob:    id.KeyBlob,
			Comment: id.KeyType,
		})
	}
	return keys, nil
}

func (a *Agent) Sign(key ssh.PublicKey, data []byte) (*ssh.Signature, error) {
	return a.SignWithFlags(key, data, 0)
}

// SignWithFlags ignores flags: the approval service picks the signature
// algorithm for the key.
func (a *Agent) SignWithFlags(key ssh.PublicKey, data []byte, flags agent.SignatureFlags) (*ssh.Signature, error) {
	a.log.Info("sign request received, waiting for approval", "key_type", key.Type())
	sig, err := a.signer.Sign(a.ctx, key.Marshal(), data)
	if err != nil {
		a.log.Warn("sign request failed", "key_type", key.Type(), "err", err)
		return nil, fmt.Errorf("failed to remote sign: %w", err)
	}
	a.log.Info("sign request approved", "key_type", key.Type())
	return &ssh.Signature{
		Format: sig.Algorithm,
		Blob:   sig.Blob,
	}, nil
}
