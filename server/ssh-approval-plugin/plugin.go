package ssh_approval_plugin

import "crypto/x509"

type PluginType string

const (
	PluginType_APPROVAL PluginType = "APPROVAL"
)

type SshApprovalPlugin interface {
	Name() string
	Type() PluginType
}

// SshApprovalPolicyPlugin decides whether a new authorization request is
// approved without waiting for a human. clientCert is nil when the caller
// did not present a TLS client certificate.
type SshApprovalPolicyPlugin interface {
	SshApprovalPlugin
	AutoApprove(clientCert *x509.Certificate, keyName string, metadata map[string]interface{}) (bool, error)
}
