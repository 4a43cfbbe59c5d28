package main

import (
	"fmt"
	"os"

	"github.com/davidkimai/godel-sub001/internal/config"
	"github.com/davidkimai/godel-sub001/internal/store"
	"github.com/davidkimai/godel-sub001/internal/vault"
)

func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("GODEL_VAULT_PASSPHRASE environment variable is required")
	}
	v := vault.New(cfg.Vault.Passphrase)

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	switch args[0] {
	case "list":
		return vaultList(db)
	case "set":
		return vaultSet(db, v, args[1:])
	case "get":
		return vaultGet(db, v, args[1:])
	case "delete":
		return vaultDelete(db, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: godel vault <command>

Commands:
  list                  List credential names
  set <name> <value>    Store an encrypted credential
  get <name>            Retrieve and decrypt a credential
  delete <name>         Delete a credential

Environment:
  GODEL_VAULT_PASSPHRASE    Required. Encryption passphrase.
`)
}

func vaultList(db *store.Store) error {
	names, err := db.ListCredentialNames()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No credentials stored.")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func vaultSet(db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: godel vault set <name> <value>")
	}

	ciphertext, nonce, salt, err := v.Encrypt([]byte(args[1]))
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if err := db.SaveCredential(&store.Credential{
		Name:  args[0],
		Value: ciphertext,
		Nonce: nonce,
		Salt:  salt,
	}); err != nil {
		return err
	}
	fmt.Printf("Credential %q saved\n", args[0])
	return nil
}

func vaultGet(db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: godel vault get <name>")
	}

	c, err := db.GetCredential(args[0])
	if err != nil {
		return err
	}
	plaintext, err := v.Decrypt(c.Value, c.Nonce, c.Salt)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}

	fmt.Print(string(plaintext))
	if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func vaultDelete(db *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: godel vault delete <name>")
	}
	if err := db.DeleteCredential(args[0]); err != nil {
		return err
	}
	fmt.Printf("Credential %q deleted\n", args[0])
	return nil
}
