// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"os"
	"strings"
	"testing"

	"github.com/avocado-linux/avocado-cli/internal/signing"
)

func TestSigningKeysLifecycle(t *testing.T) {
	dir := t.TempDir()
	env := map[string]string{signing.KeysDirEnv: dir}

	if out, err := execute(t, env, "signing-keys", "create", "release"); err != nil {
		t.Fatalf("create error = %v\n%s", err, out)
	}
	reg, err := signing.OpenRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	entry, err := reg.Get("release")
	if err != nil {
		t.Fatalf("key not registered: %v", err)
	}
	if entry.Algorithm != signing.AlgorithmEd25519 || entry.CreatedAt.IsZero() {
		t.Errorf("entry = %+v", entry)
	}
	keyFile := strings.TrimPrefix(entry.URI, "file://") + ".key"
	if _, err := os.Stat(keyFile); err != nil {
		t.Fatalf("private key missing: %v", err)
	}

	out, err := execute(t, env, "signing-keys", "list")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	if !strings.Contains(out, "release") || !strings.Contains(out, entry.KeyID) {
		t.Errorf("list output:\n%s", out)
	}

	if _, err := execute(t, env, "signing-keys", "create", "release"); err == nil {
		t.Error("duplicate name accepted")
	}

	if out, err := execute(t, env, "signing-keys", "remove", "release", "--delete-files"); err != nil {
		t.Fatalf("remove error = %v\n%s", err, out)
	}
	if _, err := os.Stat(keyFile); !os.IsNotExist(err) {
		t.Errorf("private key still on disk: %v", err)
	}
	reg, err = signing.OpenRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(reg.Names()) != 0 {
		t.Errorf("registry = %v", reg.Names())
	}
}

func TestCreateTokenKeyNeedsLabels(t *testing.T) {
	t.Parallel()

	a := newApp()
	if _, err := a.createTokenKey(createKeyFlags{pkcs11: true, keyLabel: "release"}); err == nil {
		t.Error("missing --token accepted")
	}
	if _, err := a.createTokenKey(createKeyFlags{pkcs11: true, token: "avocado"}); err == nil {
		t.Error("missing --key-label accepted")
	}
}
