package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/restodesk/cmd/cli/internal/keys"
	"github.com/wolfeidau/restodesk/internal/auth"
)

// TokenCmd issues a session token for a staff member.
type TokenCmd struct {
	Subject    string        `help:"Subject identifier" required:""`
	Role       []string      `help:"Roles granted to the subject" required:"" short:"r"`
	TTL        time.Duration `help:"Token lifetime" default:"12h"`
	RolesFile  string        `help:"YAML role table (default: built-in roles)" env:"RESTODESK_ROLES_FILE"`
	SigningKey string        `help:"PEM signing key, overrides the key store" env:"RESTODESK_SIGNING_KEY"`
	Key        string        `help:"Name of the key in the key store (default key when omitted)"`
	KeysDir    string        `help:"Custom keys directory" env:"RESTODESK_KEYS_DIR"`
}

func (t *TokenCmd) Run(ctx context.Context, globals *Globals) error {
	table, err := loadRoleTable(t.RolesFile)
	if err != nil {
		return err
	}

	for _, role := range t.Role {
		if !table.Has(role) {
			return fmt.Errorf("unknown role %q, known roles: %v", role, table.Roles())
		}
	}

	signingKey, err := t.signingKey()
	if err != nil {
		return err
	}

	token, err := auth.IssueToken(signingKey, t.Subject, t.Role, table, t.TTL)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func (t *TokenCmd) signingKey() (string, error) {
	if t.SigningKey != "" {
		return t.SigningKey, nil
	}

	store, err := keys.NewStore(t.KeysDir)
	if err != nil {
		return "", fmt.Errorf("failed to initialize key store: %w", err)
	}

	key, err := store.Resolve(t.Key)
	if err != nil {
		return "", fmt.Errorf("failed to resolve signing key: %w", err)
	}

	return store.LoadPrivateKeyPEM(key.Name)
}
