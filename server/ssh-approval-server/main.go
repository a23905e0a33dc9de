package main

import (
	"os"

	"github.com/jackofmosttrades/ssh-approval-agent/server"
	"github.com/jackofmosttrades/ssh-approval-agent/server/auto-approve-plugin"
	"github.com/jackofmosttrades/ssh-approval-agent/server/email-whitelist-approval-plugin"
)

func main() {
	server.MainWithPlugins(os.Args[1:],
		auto_approve_plugin.LoadPlugin(),
		email_whitelist_approval_plugin.LoadPlugin())
}
