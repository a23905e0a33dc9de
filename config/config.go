// Package config holds the process configuration: the approval service
// prefix and the identities offered to agent clients. It is built once at
// startup and read-only afterwards.
package config

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/atomic"

	"github.com/jackofmosttrades/ssh-approval-agent/common"
	"github.com/jackofmosttrades/ssh-approval-agent/identity"
)

var ErrAlreadySet = errors.New("configuration already set")

type Config struct {
	APIPrefix  string
	Identities *identity.Registry
}

func New(apiPrefix string, identities []identity.Identity) *Config {
	return &Config{
		APIPrefix:  strings.TrimSuffix(apiPrefix, "/"),
		Identities: identity.NewRegistry(identities),
	}
}

// Source yields the configuration a request should be served with.
type Source interface {
	Get() (*Config, error)
}

// Get lets a *Config be passed wherever a Source is expected.
func (c *Config) Get() (*Config, error) {
	return c, nil
}

// Store publishes a Config exactly once. Readers observe either nothing or
// the complete value.
type Store struct {
	cfg atomic.Pointer[Config]
}

func (s *Store) Set(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("cannot publish nil configuration")
	}
	if !s.cfg.CompareAndSwap(nil, cfg) {
		return ErrAlreadySet
	}
	return nil
}

func (s *Store) Get() (*Config, error) {
	cfg := s.cfg.Load()
	if cfg == nil {
		return nil, fmt.Errorf("reading process configuration: %w", common.ErrConfigNotInitialized)
	}
	return cfg, nil
}

// MustGet panics when called before Set.
func (s *Store) MustGet() *Config {
	cfg, err := s.Get()
	if err != nil {
		panic(err)
	}
	return cfg
}
