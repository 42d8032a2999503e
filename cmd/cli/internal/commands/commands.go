package commands

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/restodesk/internal/authz"
	"github.com/wolfeidau/restodesk/internal/channel"
	"github.com/wolfeidau/restodesk/internal/logger"
)

type Globals struct {
	Debug   bool
	Version string
}

func (g *Globals) logger() zerolog.Logger {
	return logger.Setup(g.Debug)
}

// ChannelFlags are shared by commands that talk to the hub.
type ChannelFlags struct {
	Server               string        `help:"Hub websocket URL" default:"ws://localhost:8080/ws" env:"RESTODESK_SERVER"`
	Token                string        `help:"Session token" env:"RESTODESK_TOKEN"`
	Outbox               string        `help:"Outbox file (default: ~/.restodesk/outbox.json)" env:"RESTODESK_OUTBOX"`
	MaxReconnectAttempts int           `help:"Reconnection attempts after the hub closes the connection" default:"5"`
	ReconnectDelay       time.Duration `help:"Delay before the first reconnection attempt, doubled on each retry" default:"2s"`
}

func (f *ChannelFlags) config() *channel.Config {
	cfg := channel.DefaultConfig()
	if f.Outbox != "" {
		cfg.OutboxPath = f.Outbox
	}
	cfg.MaxReconnectAttempts = f.MaxReconnectAttempts
	cfg.BackoffInitial = f.ReconnectDelay
	return cfg
}

func (f *ChannelFlags) client(log zerolog.Logger) *channel.Client {
	return channel.NewClient(channel.NewWebSocketTransport(f.Server, f.Token), f.config(), log)
}

// loadRoleTable returns the table at path, or the built-in roles when path is empty.
func loadRoleTable(path string) (*authz.RoleTable, error) {
	if path == "" {
		return authz.DefaultRoleTable(), nil
	}

	table, err := authz.LoadRoleTable(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load role table: %w", err)
	}
	return table, nil
}

// parseFields turns key=value pairs into a message body.
func parseFields(fields []string) (map[string]any, error) {
	body := make(map[string]any, len(fields))
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q, expected key=value", field)
		}
		body[key] = value
	}
	return body, nil
}

// formatMessage renders a message on a single line with sorted body keys.
func formatMessage(msg channel.Message) string {
	keys := make([]string, 0, len(msg.Body))
	for k := range msg.Body {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", msg.Kind)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, msg.Body[k])
	}
	if msg.ID != "" {
		fmt.Fprintf(&b, " (id=%s)", msg.ID)
	}
	return b.String()
}
