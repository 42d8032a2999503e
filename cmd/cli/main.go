package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/restodesk/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Send    commands.SendCmd   `cmd:"" help:"Send a message to the hub"`
		Listen  commands.ListenCmd `cmd:"" help:"Print messages from the hub"`
		Notify  commands.NotifyCmd `cmd:"" help:"Broadcast a notification to connected clients"`
		Outbox  commands.OutboxCmd `cmd:"" help:"Inspect and retry undelivered messages"`
		Token   commands.TokenCmd  `cmd:"" help:"Issue a session token"`
		Keys    commands.KeysCmd   `cmd:"" help:"Manage session signing keys"`
		Debug   bool               `help:"Enable debug mode."`
		Version kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("restodesk"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
