package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/jackofmosttrades/ssh-approval-agent/common"
	"github.com/jackofmosttrades/ssh-approval-agent/config"
	"github.com/jackofmosttrades/ssh-approval-agent/coordinator"
	"github.com/jackofmosttrades/ssh-approval-agent/identity"
	"github.com/jackofmosttrades/ssh-approval-agent/remoteauth"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// approvalStub plays the approval service for one ed25519 key, answering
// pendingPolls polls with a null signature before signing.
type approvalStub struct {
	t            *testing.T
	priv         ed25519.PrivateKey
	pendingPolls int
	denied       bool

	mu        sync.Mutex
	calls     int
	challenge []byte
	polls     int
}

func (s *approvalStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	switch r.URL.Path {
	case common.InitAuthPath:
		var req common.InitAuthRequest
		require.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))
		challenge, err := base64.StdEncoding.DecodeString(req.Challenge)
		require.NoError(s.t, err)
		s.challenge = challenge
		json.NewEncoder(w).Encode(&common.InitAuthResponse{RequestID: "req-1"})
	case common.PollAuthPath:
		var req common.PollAuthRequest
		require.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(s.t, "req-1", req.RequestID)
		if s.denied {
			http.Error(w, "request denied", http.StatusForbidden)
			return
		}
		s.polls++
		if s.polls <= s.pendingPolls {
			w.Write([]byte(`{"signature":null}`))
			return
		}
		sig := base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, s.challenge))
		json.NewEncoder(w).Encode(&common.PollAuthResponse{Signature: &sig})
	default:
		http.NotFound(w, r)
	}
}

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Now() }

func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func newEd25519Key(t *testing.T, seed byte) (ed25519.PrivateKey, ssh.PublicKey) {
	s := [32]byte{seed}
	priv := ed25519.NewKeyFromSeed(s[:])
	pub, err := ssh.NewPublicKey(priv.Public())
	require.NoError(t, err)
	return priv, pub
}

// startAgent serves an Agent over an in-memory connection and returns a
// client for it.
func startAgent(t *testing.T, stub *approvalStub, identitiesFile string) agent.ExtendedAgent {
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	ids, err := identity.Parse(identitiesFile)
	require.NoError(t, err)
	cfg := config.New(srv.URL, ids)
	co := coordinator.New(cfg,
		remoteauth.NewClient(cfg.APIPrefix, remoteauth.WithHTTPClient(srv.Client())),
		coordinator.WithClock(instantClock{}),
		coordinator.WithLogger(discardLogger))

	a := NewAgent(context.Background(), co, discardLogger)
	serverConn, clientConn := net.Pipe()
	go agent.ServeAgent(a, serverConn)
	t.Cleanup(func() { clientConn.Close() })
	return agent.NewClient(clientConn)
}

func TestAgentListSingleIdentity(t *testing.T) {
	_, pub := newEd25519Key(t, 1)
	stub := &approvalStub{t: t}
	client := startAgent(t, stub, "ssh-ed25519 "+base64.StdEncoding.EncodeToString(pub.Marshal())+"\n")

	keys, err := client.List()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, pub.Marshal(), keys[0].Blob)
	assert.Equal(t, "ssh-ed25519", keys[0].Format)
	assert.Equal(t, "ssh-ed25519", keys[0].Comment)
	assert.Zero(t, stub.calls)
}

func TestAgentSignUnknownKeyMakesNoCalls(t *testing.T) {
	_, pub := newEd25519Key(t, 1)
	_, other := newEd25519Key(t, 2)
	stub := &approvalStub{t: t}
	client := startAgent(t, stub, "ssh-ed25519 "+base64.StdEncoding.EncodeToString(pub.Marshal())+"\n")

	_, err := client.Sign(other, []byte("data"))
	require.Error(t, err)
	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Zero(t, stub.calls)
}

func TestAgentSignApproved(t *testing.T) {
	priv, pub := newEd25519Key(t, 3)
	stub := &approvalStub{t: t, priv: priv, pendingPolls: 2}
	client := startAgent(t, stub, "ssh-ed25519 "+base64.StdEncoding.EncodeToString(pub.Marshal())+" laptop\n")

	data := []byte("session-id-and-userauth-request")
	sig, err := client.SignWithFlags(pub, data, agent.SignatureFlagRsaSha256)
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", sig.Format)
	require.NoError(t, pub.Verify(data, sig))

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, data, stub.challenge)
	assert.Equal(t, 3, stub.polls)
}

func TestAgentSignDenied(t *testing.T) {
	priv, pub := newEd25519Key(t, 4)
	stub := &approvalStub{t: t, priv: priv, denied: true}
	client := startAgent(t, stub, "ssh-ed25519 "+base64.StdEncoding.EncodeToString(pub.Marshal())+"\n")

	_, err := client.Sign(pub, []byte("data"))
	require.Error(t, err)
}

func TestAgentUnsupportedOperations(t *testing.T) {
	a := NewAgent(context.Background(), nil, discardLogger)
	_, pub := newEd25519Key(t, 5)

	assert.Error(t, a.Add(agent.AddedKey{}))
	assert.Error(t, a.Remove(pub))
	assert.Error(t, a.RemoveAll())
	assert.Error(t, a.Lock([]byte("x")))
	assert.Error(t, a.Unlock([]byte("x")))
	_, err := a.Signers()
	assert.Error(t, err)
	_, err = a.Extension("session-bind@openssh.com", nil)
	assert.ErrorIs(t, err, agent.ErrExtensionUnsupported)
}

func TestLoadTLSConfig(t *testing.T) {
	cfg, err := loadTLSConfig("", "", "")
	require.NoError(t, err)
	assert.Empty(t, cfg.Certificates)
	assert.Nil(t, cfg.RootCAs)

	_, err = loadTLSConfig("cert.pem", "", "")
	assert.Error(t, err)

	_, err = loadTLSConfig("", "", filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)

	notPEM := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(notPEM, []byte("not a certificate"), 0600))
	_, err = loadTLSConfig("", "", notPEM)
	assert.Error(t, err)
}

func TestListenAndServe(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "agent.sock")
	assert.False(t, agentListening(socketPath))

	listener, err := listen(socketPath)
	require.NoError(t, err)
	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Zero(t, info.Mode().Perm()&0077)

	_, pub := newEd25519Key(t, 6)
	ids := []identity.Identity{{KeyType: "ssh-ed25519", KeyBlob: pub.Marshal()}}
	co := coordinator.New(config.New("http://unused.invalid", ids), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		serve(ctx, listener, NewAgent(ctx, co, discardLogger), discardLogger)
		close(done)
	}()

	assert.True(t, agentListening(socketPath))
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	keys, err := agent.NewClient(conn).List()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	conn.Close()

	cancel()
	listener.Close()
	<-done
}

func TestAgentListeningRemovesStaleSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "stale.sock")
	require.NoError(t, os.WriteFile(socketPath, nil, 0600))
	assert.False(t, agentListening(socketPath))
	_, err := os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
}
