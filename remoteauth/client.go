// Package remoteauth is the client side of the approval service's two-phase
// init/poll protocol.
package remoteauth

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/jackofmosttrades/ssh-approval-agent/common"
)

const maxResponseBytes = 1 << 20

type Client struct {
	apiPrefix  string
	httpClient *http.Client
	userAgent  string
	log        *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTLSConfig replaces the transport's TLS configuration, e.g. to present
// a client certificate to the approval service.
func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(cl *Client) {
		transport := cleanhttp.DefaultPooledTransport()
		transport.TLSClientConfig = tlsConfig
		cl.httpClient = &http.Client{Transport: transport}
	}
}

func WithUserAgent(ua string) Option {
	return func(cl *Client) { cl.userAgent = ua }
}

func WithLogger(log *slog.Logger) Option {
	return func(cl *Client) { cl.log = log }
}

func NewClient(apiPrefix string, opts ...Option) *Client {
	c := &Client{
		apiPrefix:  strings.TrimSuffix(apiPrefix, "/"),
		httpClient: cleanhttp.DefaultPooledClient(),
		userAgent:  "ssh-approval-agent/" + common.Version,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) doRequest(ctx context.Context, op string, path string, request interface{}, response interface{}) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("%s: unable to marshal request body: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiPrefix+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: unable to build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &common.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &common.TransportError{Op: op, Err: fmt.Errorf("reading response body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Debug("approval service returned error", "op", op, "status", resp.StatusCode)
		return &common.TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}
	if err := json.Unmarshal(respBody, response); err != nil {
		return &common.DecodeError{Op: op, Err: err}
	}
	return nil
}

// Init starts an authorization request for keyID over challenge and returns
// the service-issued request id.
func (c *Client) Init(ctx context.Context, keyID string, challenge []byte) (string, error) {
	var resp common.InitAuthResponse
	err := c.doRequest(ctx, "init_auth", common.InitAuthPath, &common.InitAuthRequest{
		KeyID:     keyID,
		Challenge: base64.StdEncoding.EncodeToString(challenge),
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.RequestID == "" {
		return "", &common.DecodeError{Op: "init_auth", Err: fmt.Errorf("empty request_id")}
	}
	return resp.RequestID, nil
}

// Poll checks on a request started by Init. ok is false while the request is
// still pending.
func (c *Client) Poll(ctx context.Context, keyID string, requestID string) (signature []byte, ok bool, err error) {
	var resp common.PollAuthResponse
	err = c.doRequest(ctx, "poll_auth", common.PollAuthPath, &common.PollAuthRequest{
		KeyID:     keyID,
		RequestID: requestID,
	}, &resp)
	if err != nil {
		return nil, false, err
	}
	if resp.Signature == nil {
		return nil, false, nil
	}
	signature, err = base64.StdEncoding.DecodeString(*resp.Signature)
	if err != nil {
		return nil, false, &common.DecodeError{Op: "poll_auth", Err: fmt.Errorf("invalid signature: %w", err)}
	}
	return signature, true, nil
}
