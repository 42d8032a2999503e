package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/wolfeidau/restodesk/cmd/cli/internal/keys"
)

// KeysCmd manages local session signing keys.
type KeysCmd struct {
	Create     KeysCreateCmd     `cmd:"" help:"Generate a new signing key pair"`
	List       KeysListCmd       `cmd:"" help:"List signing keys"`
	Public     KeysPublicCmd     `cmd:"" help:"Print the public key the server verifies tokens with"`
	Delete     KeysDeleteCmd     `cmd:"" help:"Delete a signing key"`
	SetDefault KeysSetDefaultCmd `cmd:"" name:"set-default" help:"Set the default signing key"`
}

type KeysCreateCmd struct {
	Name       string `arg:"" help:"Name for the key (e.g., sucursal-centro)"`
	SetDefault bool   `help:"Set as the default key" default:"false"`
	KeysDir    string `help:"Custom keys directory (default: ~/.restodesk/keys/)" env:"RESTODESK_KEYS_DIR"`
}

func (c *KeysCreateCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := keys.NewStore(c.KeysDir)
	if err != nil {
		return fmt.Errorf("failed to initialize key store: %w", err)
	}

	key, err := store.Create(c.Name)
	if err != nil {
		if errors.Is(err, keys.ErrKeyExists) {
			return fmt.Errorf("key %q already exists\n\nTo delete and recreate:\n  restodesk keys delete %s\n  restodesk keys create %s", c.Name, c.Name, c.Name)
		}
		return fmt.Errorf("failed to create key: %w", err)
	}

	if c.SetDefault {
		if err := store.SetDefault(c.Name); err != nil {
			return fmt.Errorf("failed to set default: %w", err)
		}
	}

	publicKeyPEM, err := store.LoadPublicKeyPEM(c.Name)
	if err != nil {
		return fmt.Errorf("failed to load public key: %w", err)
	}

	fmt.Printf("Generated signing key: %s\n", key.Name)
	fmt.Printf("Fingerprint: %s\n", key.Fingerprint)
	fmt.Println()
	fmt.Println("Start the server with this public key:")
	fmt.Printf("  RESTODESK_JWT_PUBLIC_KEY=\"$(restodesk keys public %s)\" restodesk-server serve\n", key.Name)
	fmt.Println()
	fmt.Println(publicKeyPEM)

	return nil
}

type KeysListCmd struct {
	KeysDir string `help:"Custom keys directory" env:"RESTODESK_KEYS_DIR"`
}

func (c *KeysListCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := keys.NewStore(c.KeysDir)
	if err != nil {
		return fmt.Errorf("failed to initialize key store: %w", err)
	}

	list, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No signing keys found.")
		fmt.Println()
		fmt.Println("To create a new key:")
		fmt.Println("  restodesk keys create <name>")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tFINGERPRINT\tCREATED\tDEFAULT")

	for _, key := range list {
		isDefault := ""
		if store.IsDefault(key.Name) {
			isDefault = "*"
		}

		fp := key.Fingerprint
		if len(fp) > 12 {
			fp = fp[:12] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", key.Name, fp, key.CreatedAt.Format("2006-01-02"), isDefault)
	}

	return w.Flush()
}

type KeysPublicCmd struct {
	Name    string `arg:"" optional:"" help:"Key name (default key when omitted)"`
	KeysDir string `help:"Custom keys directory" env:"RESTODESK_KEYS_DIR"`
}

func (c *KeysPublicCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := keys.NewStore(c.KeysDir)
	if err != nil {
		return fmt.Errorf("failed to initialize key store: %w", err)
	}

	key, err := store.Resolve(c.Name)
	if err != nil {
		return err
	}

	publicKeyPEM, err := store.LoadPublicKeyPEM(key.Name)
	if err != nil {
		return err
	}

	fmt.Print(publicKeyPEM)
	return nil
}

type KeysDeleteCmd struct {
	Name    string `arg:"" help:"Key name"`
	KeysDir string `help:"Custom keys directory" env:"RESTODESK_KEYS_DIR"`
}

func (c *KeysDeleteCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := keys.NewStore(c.KeysDir)
	if err != nil {
		return fmt.Errorf("failed to initialize key store: %w", err)
	}

	if err := store.Delete(c.Name); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}

	fmt.Printf("Deleted signing key %s\n", c.Name)
	return nil
}

type KeysSetDefaultCmd struct {
	Name    string `arg:"" help:"Key name"`
	KeysDir string `help:"Custom keys directory" env:"RESTODESK_KEYS_DIR"`
}

func (c *KeysSetDefaultCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := keys.NewStore(c.KeysDir)
	if err != nil {
		return fmt.Errorf("failed to initialize key store: %w", err)
	}

	if err := store.SetDefault(c.Name); err != nil {
		return fmt.Errorf("failed to set default: %w", err)
	}

	fmt.Printf("Default signing key set to %s\n", c.Name)
	return nil
}
