package auto_approve_plugin

import (
	"crypto/x509"

	"github.com/jackofmosttrades/ssh-approval-agent/server/ssh-approval-plugin"
)

// AutoApprovePlugin approves every request. Meant for development setups.
type AutoApprovePlugin struct{}

func (*AutoApprovePlugin) Name() string {
	return "autoApprove"
}

func (*AutoApprovePlugin) Type() ssh_approval_plugin.PluginType {
	return ssh_approval_plugin.PluginType_APPROVAL
}

func (*AutoApprovePlugin) AutoApprove(clientCert *x509.Certificate, keyName string, metadata map[string]interface{}) (bool, error) {
	return true, nil
}

func LoadPlugin() ssh_approval_plugin.SshApprovalPlugin {
	return &AutoApprovePlugin{}
}
