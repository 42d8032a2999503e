package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/restodesk/internal/channel"
)

// SendCmd sends one message, deferring it to the outbox when the hub is unreachable.
type SendCmd struct {
	ChannelFlags `embed:""`

	Kind  string   `help:"Message kind" default:"chat" short:"k"`
	Field []string `help:"Body fields as key=value" short:"f"`
	Text  string   `arg:"" optional:"" help:"Shorthand for --field texto=<text>"`
}

func (s *SendCmd) Run(ctx context.Context, globals *Globals) error {
	log := globals.logger()

	body, err := parseFields(s.Field)
	if err != nil {
		return err
	}
	if s.Text != "" {
		body["texto"] = s.Text
	}

	client := s.client(log)
	defer client.Disconnect()

	msg := channel.NewMessage(s.Kind, body)

	if client.Connect(ctx) {
		if client.Send(ctx, msg) {
			fmt.Printf("Sent %s\n", formatMessage(msg))
			return nil
		}
	} else {
		client.Send(ctx, msg)
	}

	fmt.Printf("Hub unavailable, queued %s\n", formatMessage(msg))
	fmt.Printf("%d message(s) pending, run `restodesk outbox flush` to retry\n", len(client.Pending()))
	return nil
}
