// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/avocado-linux/avocado-cli/internal/signing"
)

type createKeyFlags struct {
	pkcs11   bool
	device   string
	auth     string
	token    string
	keyLabel string
	existing bool
}

func newSigningKeysCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signing-keys",
		Short: "Manage the signing key registry",
		Long: `Manage the signing keys runtimes refer to by name.

Keys are registered in keys.json under $XDG_CONFIG_HOME/avocado/signing-keys,
or under ` + signing.KeysDirEnv + ` when set. File keys are Ed25519 key
pairs stored next to the registry; hardware keys stay on a PKCS#11 token.`,
	}
	cmd.AddCommand(
		newSigningKeysCreateCommand(a),
		newSigningKeysListCommand(a),
		newSigningKeysRemoveCommand(a),
	)
	return cmd
}

func newSigningKeysCreateCommand(a *app) *cobra.Command {
	var f createKeyFlags
	cmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a signing key and register it",
		Example: `  # Ed25519 file key named after its key ID
  avocado signing-keys create

  # P-256 key generated on a YubiKey
  avocado signing-keys create release --pkcs11 --device yubikey --token avocado --key-label release`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			var entry signing.KeyEntry
			if f.pkcs11 {
				entry, err = a.createTokenKey(f)
			} else {
				entry, err = signing.GenerateFileKey(reg.Dir(), rand.Reader)
			}
			if err != nil {
				return err
			}
			entry.CreatedAt = time.Now().UTC()

			name := entry.KeyID
			if len(args) > 0 {
				name = args[0]
			}
			if err := reg.Add(name, entry); err != nil {
				if !f.pkcs11 {
					_ = signing.DeleteFileKey(entry.URI)
				}
				return err
			}
			if err := reg.Save(); err != nil {
				return err
			}
			a.success("Created signing key '%s' (%s, keyid %s).", name, entry.Algorithm, entry.KeyID)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.BoolVar(&f.pkcs11, "pkcs11", false, "create the key on a PKCS#11 token")
	fl.StringVar(&f.device, "device", "auto", "PKCS#11 device (tpm, yubikey, auto)")
	fl.StringVar(&f.auth, "auth", "", "PIN source (none, prompt, env)")
	fl.StringVar(&f.token, "token", "", "PKCS#11 token label")
	fl.StringVar(&f.keyLabel, "key-label", "", "label of the key object on the token (default: the key name)")
	fl.BoolVar(&f.existing, "existing", false, "register a key already on the token instead of generating one")
	return cmd
}

func (a *app) createTokenKey(f createKeyFlags) (signing.KeyEntry, error) {
	if f.token == "" {
		return signing.KeyEntry{}, errors.New("--token is required with --pkcs11")
	}
	if f.keyLabel == "" {
		return signing.KeyEntry{}, errors.New("--key-label is required with --pkcs11")
	}
	opts, err := a.openOptions(tokenFlags{device: f.device, auth: f.auth})
	if err != nil {
		return signing.KeyEntry{}, err
	}
	module, err := signing.ModulePath(opts.Device, opts.LookupEnv, nil)
	if err != nil {
		return signing.KeyEntry{}, err
	}
	pin, err := signing.ResolvePIN(opts.Auth, opts.LookupEnv, opts.Prompt)
	if err != nil {
		return signing.KeyEntry{}, err
	}
	tok, err := signing.OpenToken(module, f.token, pin)
	if err != nil {
		return signing.KeyEntry{}, err
	}
	defer tok.Close()

	var pub []byte
	if f.existing {
		pub, err = tok.PublicKey(f.keyLabel)
	} else {
		pub, err = tok.GenerateECKey(f.keyLabel)
	}
	if err != nil {
		return signing.KeyEntry{}, err
	}
	return signing.KeyEntry{
		KeyID:     signing.TokenKeyID(pub),
		Algorithm: signing.AlgorithmECDSAP256,
		URI:       signing.TokenURI{Token: f.token, Object: f.keyLabel}.String(),
	}, nil
}

func newSigningKeysListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered signing keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			names := reg.Names()
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), SubtitleStyle.Render("No signing keys registered in "+reg.Dir()+"."))
				return nil
			}
			rows := make([][]string, 0, len(names))
			for _, name := range names {
				e, err := reg.Get(name)
				if err != nil {
					return err
				}
				kind := "file"
				if e.IsHardware() {
					kind = "pkcs11"
				}
				rows = append(rows, []string{name, e.KeyID, e.Algorithm, kind, e.CreatedAt.Format(time.RFC3339)})
			}
			renderTable(cmd.OutOrStdout(), []string{"NAME", "KEYID", "ALGORITHM", "TYPE", "CREATED"}, rows)
			return nil
		},
	}
}

func newSigningKeysRemoveCommand(a *app) *cobra.Command {
	var deleteFiles bool
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Unregister a signing key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			entry, err := reg.Remove(args[0])
			if err != nil {
				return err
			}
			if err := reg.Save(); err != nil {
				return err
			}
			if deleteFiles {
				if entry.IsHardware() {
					a.info("Key '%s' lives on a token; nothing deleted from disk.", args[0])
				} else if err := signing.DeleteFileKey(entry.URI); err != nil {
					return err
				}
			}
			a.success("Removed signing key '%s'.", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&deleteFiles, "delete-files", false, "also delete the key files")
	return cmd
}
