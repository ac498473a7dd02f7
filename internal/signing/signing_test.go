// SPDX-License-Identifier: MPL-2.0

package signing

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func seededKey(b byte) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{b}, ed25519.SeedSize))
}

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDir(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		env     map[string]string
		setting string
		want    string
	}{
		{name: "environment", env: map[string]string{KeysDirEnv: "/keys"}, setting: "/setting", want: "/keys"},
		{name: "setting", setting: "/setting", want: "/setting"},
		{name: "config dir", want: "/home/u/.config/avocado/signing-keys"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Dir(env(tt.env), tt.setting, "/home/u/.config/avocado"); got != tt.want {
				t.Errorf("Dir() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r, err := OpenRegistry(dir)
	if err != nil {
		t.Fatalf("OpenRegistry() error = %v", err)
	}
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entry := KeyEntry{KeyID: "abc", Algorithm: AlgorithmEd25519, CreatedAt: created, URI: "file:///k/abc"}
	if err := r.Add("prod", entry); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := r.Add("prod", entry); err == nil {
		t.Error("Add() accepted a duplicate name")
	}
	if err := r.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	again, err := OpenRegistry(dir)
	if err != nil {
		t.Fatalf("OpenRegistry() error = %v", err)
	}
	got, err := again.Get("prod")
	if err != nil || got != entry {
		t.Fatalf("Get() = %+v, %v; want %+v", got, err, entry)
	}
	if _, err := again.Get("missing"); !errors.Is(err, ErrSigning) {
		t.Errorf("Get(missing) error = %v, want ErrSigning", err)
	}
	if _, err := again.Remove("prod"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if len(again.Names()) != 0 {
		t.Errorf("Names() = %v after remove", again.Names())
	}
}

func TestRegistryResolveAlias(t *testing.T) {
	t.Parallel()

	r, _ := OpenRegistry(t.TempDir())
	_ = r.Add("release-2026", KeyEntry{KeyID: "feed", Algorithm: AlgorithmEd25519})

	name, e, err := r.Resolve("prod", map[string]string{"prod": "feed"})
	if err != nil || name != "release-2026" || e.KeyID != "feed" {
		t.Errorf("Resolve(alias) = %s, %+v, %v", name, e, err)
	}
	if name, _, err := r.Resolve("release-2026", nil); err != nil || name != "release-2026" {
		t.Errorf("Resolve(name) = %s, %v", name, err)
	}
	if _, _, err := r.Resolve("prod", map[string]string{"prod": "beef"}); !errors.Is(err, ErrSigning) {
		t.Errorf("Resolve(unknown keyid) error = %v", err)
	}
}

func TestFileKeyLifecycle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	entry, err := GenerateFileKey(dir, bytes.NewReader(bytes.Repeat([]byte{7}, 64)))
	if err != nil {
		t.Fatalf("GenerateFileKey() error = %v", err)
	}
	if entry.Algorithm != AlgorithmEd25519 || entry.URI != FileURI(filepath.Join(dir, entry.KeyID)) {
		t.Errorf("entry = %+v", entry)
	}
	info, err := os.Stat(filepath.Join(dir, entry.KeyID+".key"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("private key mode = %o, want 600", perm)
	}

	priv, err := LoadFileKey(entry.URI)
	if err != nil {
		t.Fatalf("LoadFileKey() error = %v", err)
	}
	pub, err := LoadPublicKey(entry.URI)
	if err != nil {
		t.Fatalf("LoadPublicKey() error = %v", err)
	}
	if !pub.Equal(priv.Public()) || KeyID(pub) != entry.KeyID {
		t.Error("loaded key pair does not match the generated key id")
	}

	if err := DeleteFileKey(entry.URI); err != nil {
		t.Fatalf("DeleteFileKey() error = %v", err)
	}
	if _, err := LoadFileKey(entry.URI); !errors.Is(err, ErrSigning) {
		t.Errorf("LoadFileKey() after delete error = %v", err)
	}
	if err := DeleteFileKey(entry.URI); err != nil {
		t.Errorf("second DeleteFileKey() error = %v", err)
	}
}

func TestChecksumAlgorithms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want ChecksumAlgorithm
		sum  string
	}{
		{in: "", want: SHA256, sum: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{in: "SHA-256", want: SHA256, sum: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{in: "blake3", want: BLAKE3, sum: "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"},
	}
	for _, tt := range tests {
		alg, err := ParseChecksumAlgorithm(tt.in)
		if err != nil || alg != tt.want {
			t.Errorf("ParseChecksumAlgorithm(%q) = %q, %v", tt.in, alg, err)
			continue
		}
		sum, n, err := alg.Sum(strings.NewReader(""))
		if err != nil || n != 0 || hex.EncodeToString(sum) != tt.sum {
			t.Errorf("%s empty sum = %x, %d, %v", alg, sum, n, err)
		}
	}
	if _, err := ParseChecksumAlgorithm("md5"); err == nil {
		t.Error("md5 accepted")
	}
}

func TestSignatureFileIsDeterministicAndVerifies(t *testing.T) {
	t.Parallel()

	priv := seededKey(1)
	checksum := strings.Repeat("ab", 32)
	sign := func() []byte {
		f, err := SignChecksum(NewEd25519Signer(priv), SHA256, checksum, "prod", KeyID(priv.Public().(ed25519.PublicKey)))
		if err != nil {
			t.Fatalf("SignChecksum() error = %v", err)
		}
		data, err := f.Marshal()
		if err != nil {
			t.Fatal(err)
		}
		return data
	}
	first, second := sign(), sign()
	if !bytes.Equal(first, second) {
		t.Error("Ed25519 signature files differ between runs")
	}

	f, err := ParseSignatureFile(first)
	if err != nil {
		t.Fatalf("ParseSignatureFile() error = %v", err)
	}
	if f.Algorithm != AlgorithmEd25519 || f.KeyName != "prod" || f.ChecksumAlgorithm != "sha256" {
		t.Errorf("signature file = %+v", f)
	}
	if err := f.VerifyEd25519(priv.Public().(ed25519.PublicKey)); err != nil {
		t.Errorf("VerifyEd25519() error = %v", err)
	}
	if err := f.VerifyEd25519(seededKey(2).Public().(ed25519.PublicKey)); !errors.Is(err, ErrSigning) {
		t.Errorf("VerifyEd25519(wrong key) error = %v", err)
	}
	if _, err := SignChecksum(NewEd25519Signer(priv), SHA256, "abcd", "prod", "x"); !errors.Is(err, ErrSigning) {
		t.Errorf("short checksum error = %v", err)
	}
}

func TestTokenURI(t *testing.T) {
	t.Parallel()

	u := TokenURI{Token: "avocado token", Object: "key;1=a"}
	s := u.String()
	if s != "pkcs11:token=avocado%20token;object=key%3B1%3Da;type=private" {
		t.Errorf("String() = %s", s)
	}
	got, err := ParseTokenURI(s)
	if err != nil || got != u {
		t.Errorf("ParseTokenURI() = %+v, %v", got, err)
	}
	if _, err := ParseTokenURI("pkcs11:token=only"); !errors.Is(err, ErrSigning) {
		t.Errorf("URI without object error = %v", err)
	}
	if !(KeyEntry{URI: s}).IsHardware() || (KeyEntry{URI: "file:///k"}).IsHardware() {
		t.Error("IsHardware() misclassifies URIs")
	}
}

func TestParseDeviceType(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]DeviceType{"tpm": DeviceTPM, "YK": DeviceYubiKey, "yubikey": DeviceYubiKey, "": DeviceAuto} {
		if got, err := ParseDeviceType(in); err != nil || got != want {
			t.Errorf("ParseDeviceType(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDeviceType("hsm"); err == nil {
		t.Error("unknown device accepted")
	}
}

func TestModulePath(t *testing.T) {
	t.Parallel()

	present := func(paths ...string) func(string) bool {
		return func(p string) bool {
			for _, q := range paths {
				if p == q {
					return true
				}
			}
			return false
		}
	}
	tests := []struct {
		name    string
		device  DeviceType
		env     map[string]string
		exists  func(string) bool
		want    string
		wantErr bool
	}{
		{name: "env override", device: DeviceTPM, env: map[string]string{ModulePathEnv: "/m.so"}, exists: present("/m.so"), want: "/m.so"},
		{name: "env override missing", device: DeviceTPM, env: map[string]string{ModulePathEnv: "/m.so"}, exists: present(), wantErr: true},
		{name: "tpm", device: DeviceTPM, exists: present("/usr/lib64/pkcs11/libtpm2_pkcs11.so"), want: "/usr/lib64/pkcs11/libtpm2_pkcs11.so"},
		{name: "yubikey opensc", device: DeviceYubiKey, exists: present("/usr/lib/opensc-pkcs11.so"), want: "/usr/lib/opensc-pkcs11.so"},
		{name: "auto prefers tpm", device: DeviceAuto, exists: present("/usr/lib/libykcs11.so", "/usr/local/lib/libtpm2_pkcs11.so"), want: "/usr/local/lib/libtpm2_pkcs11.so"},
		{name: "none", device: DeviceYubiKey, exists: present("/usr/lib/libtpm2_pkcs11.so"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ModulePath(tt.device, env(tt.env), tt.exists)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("ModulePath() = %q, %v; want %q (err %v)", got, err, tt.want, tt.wantErr)
			}
		})
	}
}

func TestResolvePIN(t *testing.T) {
	t.Parallel()

	if pin, err := ResolvePIN(AuthEnv, env(map[string]string{PINEnv: "1234"}), nil); err != nil || pin != "1234" {
		t.Errorf("env PIN = %q, %v", pin, err)
	}
	if _, err := ResolvePIN(AuthEnv, env(nil), nil); !errors.Is(err, ErrSigning) {
		t.Errorf("missing env PIN error = %v", err)
	}
	if pin, err := ResolvePIN(AuthNone, env(nil), nil); err != nil || pin != "" {
		t.Errorf("none PIN = %q, %v", pin, err)
	}
	prompt := func(string) (string, error) { return "0000", nil }
	if pin, err := ResolvePIN(AuthPrompt, env(nil), prompt); err != nil || pin != "0000" {
		t.Errorf("prompt PIN = %q, %v", pin, err)
	}
}

func TestTokenKeyID(t *testing.T) {
	t.Parallel()

	id := TokenKeyID([]byte("point"))
	if !strings.HasPrefix(id, "sha256-") || len(id) != len("sha256-")+16 {
		t.Errorf("TokenKeyID() = %s", id)
	}
}

func TestValidateBinaryPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		ok   bool
	}{
		{"/opt/_avocado/qemux86-64/runtimes/dev/boot/u-boot.bin", true},
		{"/opt/_avocado/qemux86-64/output/runtimes/dev/bootx64.efi", true},
		{"/opt/_avocado/qemux86-64/runtimes/dev/../../etc/shadow", false},
		{"/opt/_avocado/qemux86-64/runtimes/devel/x", false},
		{"/opt/_avocado/qemuarm64/runtimes/dev/x", false},
		{"/etc/passwd", false},
	}
	for _, tt := range tests {
		err := ValidateBinaryPath(tt.path, "qemux86-64", "dev")
		if (err == nil) != tt.ok {
			t.Errorf("ValidateBinaryPath(%s) error = %v, want ok=%v", tt.path, err, tt.ok)
		}
	}
}

func TestServiceSignsRequests(t *testing.T) {
	t.Parallel()

	priv := seededKey(3)
	sock := filepath.Join(t.TempDir(), "sign.sock")
	svc, err := Listen(sock, ServiceConfig{
		Runtime: "dev",
		Target:  "qemux86-64",
		KeyName: "prod",
		KeyID:   KeyID(priv.Public().(ed25519.PublicKey)),
		Signer:  NewEd25519Signer(priv),
	})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	reqs := []Request{
		{Type: RequestType, BinaryPath: "/opt/_avocado/qemux86-64/runtimes/dev/boot.img", Hash: strings.Repeat("cd", 32), Size: 10, ChecksumAlgorithm: "sha256"},
		{Type: RequestType, BinaryPath: "/opt/_avocado/qemux86-64/runtimes/other/boot.img", Hash: strings.Repeat("cd", 32), ChecksumAlgorithm: "sha256"},
	}
	enc := json.NewEncoder(conn)
	for _, r := range reqs {
		if err := enc.Encode(r); err != nil {
			t.Fatal(err)
		}
	}

	sc := bufio.NewScanner(conn)
	var resps []Response
	for len(resps) < len(reqs) && sc.Scan() {
		var r Response
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("bad response %q: %v", sc.Text(), err)
		}
		resps = append(resps, r)
	}
	if len(resps) != 2 {
		t.Fatalf("got %d responses", len(resps))
	}
	if !resps[0].Success || resps[0].Type != ResponseType {
		t.Fatalf("first response = %+v", resps[0])
	}
	f, err := ParseSignatureFile([]byte(resps[0].Signature))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.VerifyEd25519(priv.Public().(ed25519.PublicKey)); err != nil {
		t.Errorf("service signature does not verify: %v", err)
	}
	if resps[1].Success || !strings.Contains(resps[1].Error, "not within") {
		t.Errorf("second response = %+v, want a path rejection", resps[1])
	}
}

func TestUpdateKey(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	first, err := UpdateKey("", nil, nil, src, nil)
	if err != nil {
		t.Fatalf("UpdateKey() error = %v", err)
	}
	again, err := UpdateKey("", nil, nil, src, nil)
	if err != nil || !again.Equal(first) {
		t.Fatalf("auto key not reused: %v", err)
	}
	if _, err := os.Stat(filepath.Join(src, ".avocado", "signing", "auto.pub")); err != nil {
		t.Errorf("auto public key missing: %v", err)
	}

	keys := t.TempDir()
	reg, _ := OpenRegistry(keys)
	entry, err := GenerateFileKey(keys, nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = reg.Add("prod", entry)
	_ = reg.Add("hsm", KeyEntry{KeyID: "sha256-00", Algorithm: AlgorithmECDSAP256, URI: TokenURI{Token: "t", Object: "o"}.String()})
	open := func() (*Registry, error) { return reg, nil }

	priv, err := UpdateKey("prod", nil, open, src, nil)
	if err != nil || KeyID(priv.Public().(ed25519.PublicKey)) != entry.KeyID {
		t.Errorf("UpdateKey(prod) = %v", err)
	}
	if _, err := UpdateKey("hsm", nil, open, src, nil); !errors.Is(err, ErrSigning) {
		t.Errorf("UpdateKey(hsm) error = %v, want ErrSigning", err)
	}
}
