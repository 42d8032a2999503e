package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wolfeidau/restodesk/internal/channel"
)

// ListenCmd prints messages from the hub until interrupted or the
// connection is lost for good.
type ListenCmd struct {
	ChannelFlags `embed:""`

	Kind []string `help:"Only print these message kinds" short:"k"`
}

func (l *ListenCmd) Run(ctx context.Context, globals *Globals) error {
	log := globals.logger()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := l.client(log)

	kinds := make(map[string]bool, len(l.Kind))
	for _, k := range l.Kind {
		kinds[k] = true
	}

	client.OnMessage(func(msg channel.Message) {
		if len(kinds) > 0 && !kinds[msg.Kind] {
			return
		}
		fmt.Println(formatMessage(msg))
	})

	failed := make(chan error, 1)
	client.OnError(func(err error) {
		select {
		case failed <- err:
		default:
		}
	})

	client.OnStateChange(func(from, to channel.State) {
		log.Info().Stringer("from", from).Stringer("to", to).Msg("Connection state changed")
	})

	if !client.Connect(ctx) {
		return fmt.Errorf("failed to connect to %s", l.Server)
	}
	defer client.Disconnect()

	fmt.Fprintf(os.Stderr, "Listening on %s, press Ctrl+C to stop\n", l.Server)

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		if errors.Is(err, channel.ErrReconnectExhausted) {
			return fmt.Errorf("lost connection to %s: %w", l.Server, err)
		}
		return fmt.Errorf("listen failed: %w", err)
	}
}
