package remoteauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackofmosttrades/ssh-approval-agent/common"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", WithHTTPClient(srv.Client()))
}

func TestInit(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/auth/init", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req common.InitAuthRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "key-id", req.KeyID)
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("challenge\x00bytes")), req.Challenge)

		w.Write([]byte(`{"request_id":"req-1"}`))
	})

	id, err := c.Init(context.Background(), "key-id", []byte("challenge\x00bytes"))
	require.NoError(t, err)
	assert.Equal(t, "req-1", id)
}

func TestInitErrors(t *testing.T) {
	for _, table := range []struct {
		desc   string
		status int
		body   string
		kind   error
	}{
		{"server error", http.StatusInternalServerError, "boom", common.ErrTransport},
		{"not found", http.StatusNotFound, "unknown key", common.ErrTransport},
		{"bad json", http.StatusOK, "{not json", common.ErrProtocolDecode},
		{"missing request id", http.StatusOK, `{}`, common.ErrProtocolDecode},
	} {
		c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(table.status)
			w.Write([]byte(table.body))
		})
		_, err := c.Init(context.Background(), "k", nil)
		assert.ErrorIs(t, err, table.kind, table.desc)
	}
}

func TestInitNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).Init(context.Background(), "k", []byte("x"))
	require.ErrorIs(t, err, common.ErrTransport)
	var te *common.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "init_auth", te.Op)
	assert.Error(t, te.Err)
}

func TestTransportErrorCarriesStatus(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "request denied", http.StatusForbidden)
	})
	_, _, err := c.Poll(context.Background(), "k", "r")
	var te *common.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "poll_auth", te.Op)
	assert.Equal(t, http.StatusForbidden, te.StatusCode)
	assert.Equal(t, "request denied", te.Body)
}

func TestPoll(t *testing.T) {
	sig := []byte{0xde, 0xad, 0xbe, 0xef}
	for _, table := range []struct {
		desc   string
		body   string
		wantOK bool
		kind   error
	}{
		{"null signature", `{"signature":null}`, false, nil},
		{"absent signature", `{}`, false, nil},
		{"signature", `{"signature":"` + base64.StdEncoding.EncodeToString(sig) + `"}`, true, nil},
		{"bad base64", `{"signature":"***"}`, false, common.ErrProtocolDecode},
		{"wrong type", `{"signature":42}`, false, common.ErrProtocolDecode},
	} {
		c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/auth/poll", r.URL.Path)
			var req common.PollAuthRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, common.PollAuthRequest{KeyID: "key-id", RequestID: "req-1"}, req)
			w.Write([]byte(table.body))
		})
		got, ok, err := c.Poll(context.Background(), "key-id", "req-1")
		if table.kind != nil {
			assert.ErrorIs(t, err, table.kind, table.desc)
			continue
		}
		require.NoError(t, err, table.desc)
		assert.Equal(t, table.wantOK, ok, table.desc)
		if table.wantOK {
			assert.Equal(t, sig, got, table.desc)
		} else {
			assert.Nil(t, got, table.desc)
		}
	}
}

func TestPollContextCancelled(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"signature":null}`))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Poll(ctx, "k", "r")
	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, common.ErrTransport)
}
