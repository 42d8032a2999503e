package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
)

// OutboxCmd inspects and retries messages that could not be delivered.
type OutboxCmd struct {
	List  OutboxListCmd  `cmd:"" help:"List pending messages"`
	Flush OutboxFlushCmd `cmd:"" help:"Connect to the hub and deliver pending messages"`
}

type OutboxListCmd struct {
	ChannelFlags `embed:""`
}

func (o *OutboxListCmd) Run(ctx context.Context, globals *Globals) error {
	client := o.client(globals.logger())

	pending := client.Pending()
	if len(pending) == 0 {
		fmt.Println("Outbox is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tID\tMESSAGE")
	for i, msg := range pending {
		fmt.Fprintf(w, "%d\t%s\t%s\n", i+1, msg.ID, formatMessage(msg))
	}
	return w.Flush()
}

type OutboxFlushCmd struct {
	ChannelFlags `embed:""`
}

func (o *OutboxFlushCmd) Run(ctx context.Context, globals *Globals) error {
	client := o.client(globals.logger())

	before := len(client.Pending())
	if before == 0 {
		fmt.Println("Outbox is empty.")
		return nil
	}

	if !client.Connect(ctx) {
		return fmt.Errorf("failed to connect to %s, %d message(s) still pending", o.Server, before)
	}
	client.Disconnect()

	after := len(client.Pending())
	fmt.Printf("Delivered %d message(s), %d pending\n", before-after, after)
	return nil
}
