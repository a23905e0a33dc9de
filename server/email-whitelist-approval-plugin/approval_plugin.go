package email_whitelist_approval_plugin

import (
	"crypto/x509"

	"github.com/jackofmosttrades/ssh-approval-agent/server/ssh-approval-plugin"
)

// EmailWhitelistApprovalPlugin approves requests from callers whose client
// certificate carries an email SAN listed in the key's "emailWhitelist"
// metadata. Everything else waits for a manual decision.
type EmailWhitelistApprovalPlugin struct{}

func (*EmailWhitelistApprovalPlugin) Name() string {
	return "emailWhitelist"
}

func (*EmailWhitelistApprovalPlugin) Type() ssh_approval_plugin.PluginType {
	return ssh_approval_plugin.PluginType_APPROVAL
}

func (*EmailWhitelistApprovalPlugin) AutoApprove(clientCert *x509.Certificate, keyName string, metadata map[string]interface{}) (bool, error) {
	if clientCert == nil {
		return false, nil
	}

	emailWhitelist := make(map[string]bool)
	if emailWhitelistAttr, ok := metadata["emailWhitelist"]; ok {
		if emailWhitelistSlice, ok := emailWhitelistAttr.([]interface{}); ok {
			for _, emailIface := range emailWhitelistSlice {
				if email, ok := emailIface.(string); ok {
					emailWhitelist[email] = true
				}
			}
		}
	}

	for _, clientEmail := range clientCert.EmailAddresses {
		if emailWhitelist[clientEmail] {
			return true, nil
		}
	}
	return false, nil
}

func LoadPlugin() ssh_approval_plugin.SshApprovalPlugin {
	return &EmailWhitelistApprovalPlugin{}
}
