// SPDX-License-Identifier: MPL-2.0

package signing

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/miekg/pkcs11"
	"golang.org/x/term"

	"github.com/avocado-linux/avocado-cli/internal/issue"
)

const (
	pkcs11Scheme = "pkcs11:"

	// ModulePathEnv names a PKCS#11 module to load instead of searching.
	ModulePathEnv = "PKCS11_MODULE_PATH"
	// PINEnv supplies the token PIN for the env auth method.
	PINEnv = "AVOCADO_PKCS11_PIN"
)

// DeviceType selects which PKCS#11 modules are searched for.
type DeviceType string

// Device types.
const (
	DeviceTPM     DeviceType = "tpm"
	DeviceYubiKey DeviceType = "yubikey"
	DeviceAuto    DeviceType = "auto"
)

// AuthMethod is how the token PIN is obtained.
type AuthMethod string

// Auth methods.
const (
	AuthNone   AuthMethod = "none"
	AuthPrompt AuthMethod = "prompt"
	AuthEnv    AuthMethod = "env"
)

var (
	moduleDirs = []string{
		"/usr/lib",
		"/usr/lib64",
		"/usr/lib/x86_64-linux-gnu",
		"/usr/lib/aarch64-linux-gnu",
		"/usr/local/lib",
		"/opt/homebrew/lib",
	}

	moduleNames = map[DeviceType][]string{
		DeviceTPM:     {"libtpm2_pkcs11.so"},
		DeviceYubiKey: {"libykcs11.so", "opensc-pkcs11.so"},
	}

	// P-256 curve OID, DER encoded.
	p256Params = []byte{0x06, 0x08, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x03, 0x01, 0x07}
)

// ParseDeviceType accepts tpm, yubikey (or yk), and auto.
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(s) {
	case "tpm":
		return DeviceTPM, nil
	case "yubikey", "yk":
		return DeviceYubiKey, nil
	case "auto", "":
		return DeviceAuto, nil
	}
	return "", fmt.Errorf("unknown PKCS#11 device type '%s' (expected tpm, yubikey, or auto)", s)
}

// ParseAuthMethod accepts none, prompt, and env.
func ParseAuthMethod(s string) (AuthMethod, error) {
	switch AuthMethod(strings.ToLower(s)) {
	case AuthNone:
		return AuthNone, nil
	case AuthPrompt, "":
		return AuthPrompt, nil
	case AuthEnv:
		return AuthEnv, nil
	}
	return "", fmt.Errorf("unknown PKCS#11 auth method '%s' (expected none, prompt, or env)", s)
}

// ModulePath finds the PKCS#11 module for device. PKCS11_MODULE_PATH wins
// and must exist; otherwise the library directories and their pkcs11/
// subdirectories are searched for the device's known modules.
func ModulePath(device DeviceType, lookupEnv func(string) (string, bool), exists func(string) bool) (string, error) {
	if exists == nil {
		exists = fileExists
	}
	if v, ok := lookupEnv(ModulePathEnv); ok && v != "" {
		if !exists(v) {
			return "", errorf("%s points to %s, which does not exist", ModulePathEnv, v)
		}
		return v, nil
	}
	var names []string
	if device == DeviceAuto {
		names = append(append(names, moduleNames[DeviceTPM]...), moduleNames[DeviceYubiKey]...)
	} else {
		names = moduleNames[device]
	}
	for _, name := range names {
		for _, dir := range moduleDirs {
			for _, p := range []string{filepath.Join(dir, name), filepath.Join(dir, "pkcs11", name)} {
				if exists(p) {
					log.Debug("found PKCS#11 module", "path", p)
					return p, nil
				}
			}
		}
	}
	return "", errorf("no PKCS#11 module found for device type %s (set %s)", device, ModulePathEnv)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// TokenURI addresses a private key object on a token.
type TokenURI struct {
	Token  string
	Object string
}

var uriEscaper = strings.NewReplacer("%", "%25", " ", "%20", ";", "%3B", "=", "%3D")

func (u TokenURI) String() string {
	return pkcs11Scheme + "token=" + uriEscaper.Replace(u.Token) +
		";object=" + uriEscaper.Replace(u.Object) + ";type=private"
}

// ParseTokenURI parses a pkcs11: URI with token and object attributes.
func ParseTokenURI(s string) (TokenURI, error) {
	if !strings.HasPrefix(s, pkcs11Scheme) {
		return TokenURI{}, errorf("not a PKCS#11 URI: %s", s)
	}
	var u TokenURI
	for attr := range strings.SplitSeq(strings.TrimPrefix(s, pkcs11Scheme), ";") {
		k, v, ok := strings.Cut(attr, "=")
		if !ok {
			continue
		}
		val, err := url.PathUnescape(v)
		if err != nil {
			return TokenURI{}, errorf("bad PKCS#11 URI %s: %v", s, err)
		}
		switch k {
		case "token":
			u.Token = val
		case "object":
			u.Object = val
		}
	}
	if u.Token == "" || u.Object == "" {
		return TokenURI{}, errorf("PKCS#11 URI %s needs token and object", s)
	}
	return u, nil
}

// TokenKeyID identifies a token-held key by its public key encoding:
// "sha256-" and the first eight bytes of its SHA-256.
func TokenKeyID(pub []byte) string {
	sum := sha256.Sum256(pub)
	return "sha256-" + hex.EncodeToString(sum[:8])
}

// ResolvePIN obtains the token PIN. prompt is called for AuthPrompt; nil
// prompts on the terminal.
func ResolvePIN(method AuthMethod, lookupEnv func(string) (string, bool), prompt func(string) (string, error)) (string, error) {
	switch method {
	case AuthNone:
		return "", nil
	case AuthEnv:
		if v, ok := lookupEnv(PINEnv); ok {
			return v, nil
		}
		return "", pinError(fmt.Errorf("%s is not set", PINEnv))
	default:
		if prompt == nil {
			prompt = PromptPIN
		}
		return prompt("Token PIN: ")
	}
}

// PromptPIN reads a PIN from the terminal without echo.
func PromptPIN(label string) (string, error) {
	fd := int(os.Stdin.Fd()) //nolint:gosec // fd fits in int
	if !term.IsTerminal(fd) {
		return "", pinError(fmt.Errorf("stdin is not a terminal; set %s and use --auth env", PINEnv))
	}
	fmt.Fprint(os.Stderr, label)
	pin, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", pinError(fmt.Errorf("reading PIN: %w", err))
	}
	return string(pin), nil
}

func pinError(err error) error {
	return issue.NewErrorContext().
		WithOperation("unlock hardware token").
		WithSuggestions("Export "+PINEnv+" with the token PIN", "Check the token is plugged in and unlocked").
		WithGuide(issue.HardwareTokenPinId).
		Wrap(fmt.Errorf("%w: %w", ErrSigning, err)).
		BuildError()
}

// Token is an open, logged-in session on one PKCS#11 token. Close it when
// the signing batch is done so the PIN does not outlive it.
type Token struct {
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	label   string
	pin     string
}

// OpenToken loads module, finds the token labelled label, and logs in with
// pin when it is non-empty.
func OpenToken(module, label, pin string) (*Token, error) {
	p := pkcs11.New(module)
	if p == nil {
		return nil, errorf("loading PKCS#11 module %s", module)
	}
	if err := p.Initialize(); err != nil {
		p.Destroy()
		return nil, errorf("initializing PKCS#11 module %s: %v", module, err)
	}
	t := &Token{ctx: p, label: label, pin: pin}
	slot, err := t.findSlot()
	if err != nil {
		t.finalize()
		return nil, err
	}
	session, err := p.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		t.finalize()
		return nil, errorf("opening session on token '%s': %v", label, err)
	}
	t.session = session
	if pin != "" {
		if err := p.Login(session, pkcs11.CKU_USER, pin); err != nil {
			_ = t.Close()
			return nil, pinError(fmt.Errorf("login to token '%s': %w", label, err))
		}
	}
	return t, nil
}

func (t *Token) findSlot() (uint, error) {
	slots, err := t.ctx.GetSlotList(true)
	if err != nil {
		return 0, errorf("listing PKCS#11 slots: %v", err)
	}
	var seen []string
	for _, slot := range slots {
		info, err := t.ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		name := strings.TrimSpace(info.Label)
		if name == t.label {
			return slot, nil
		}
		seen = append(seen, name)
	}
	return 0, errorf("token '%s' not found (available: %s)", t.label, strings.Join(seen, ", "))
}

func (t *Token) findObject(class uint, label string) (pkcs11.ObjectHandle, error) {
	tmpl := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
	if err := t.ctx.FindObjectsInit(t.session, tmpl); err != nil {
		return 0, errorf("searching token '%s': %v", t.label, err)
	}
	objs, _, err := t.ctx.FindObjects(t.session, 1)
	_ = t.ctx.FindObjectsFinal(t.session)
	if err != nil {
		return 0, errorf("searching token '%s': %v", t.label, err)
	}
	if len(objs) == 0 {
		return 0, errorf("key '%s' not found on token '%s'", label, t.label)
	}
	return objs[0], nil
}

// Sign signs digest with the private key labelled object. EC keys sign
// with CKM_ECDSA, RSA keys with CKM_RSA_PKCS. It returns the signature
// and the registry algorithm name.
func (t *Token) Sign(object string, digest []byte) ([]byte, string, error) {
	key, err := t.findObject(pkcs11.CKO_PRIVATE_KEY, object)
	if err != nil {
		return nil, "", err
	}
	attrs, err := t.ctx.GetAttributeValue(t.session, key, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
		pkcs11.NewAttribute(pkcs11.CKA_ALWAYS_AUTHENTICATE, nil),
	})
	if err != nil {
		return nil, "", errorf("reading key '%s' attributes: %v", object, err)
	}
	var keyType uint64
	alwaysAuth := false
	for _, a := range attrs {
		switch a.Type {
		case pkcs11.CKA_KEY_TYPE:
			keyType = ulong(a.Value)
		case pkcs11.CKA_ALWAYS_AUTHENTICATE:
			alwaysAuth = len(a.Value) > 0 && a.Value[0] != 0
		}
	}

	var mech uint
	var alg string
	switch keyType {
	case pkcs11.CKK_EC:
		mech, alg = pkcs11.CKM_ECDSA, AlgorithmECDSAP256
	case pkcs11.CKK_RSA:
		mech, alg = pkcs11.CKM_RSA_PKCS, AlgorithmRSA
	default:
		return nil, "", errorf("key '%s' has unsupported key type %d", object, keyType)
	}
	if err := t.ctx.SignInit(t.session, []*pkcs11.Mechanism{pkcs11.NewMechanism(mech, nil)}, key); err != nil {
		return nil, "", errorf("starting signature with '%s': %v", object, err)
	}
	if alwaysAuth {
		if err := t.ctx.Login(t.session, pkcs11.CKU_CONTEXT_SPECIFIC, t.pin); err != nil {
			return nil, "", pinError(fmt.Errorf("context login for '%s': %w", object, err))
		}
	}
	sig, err := t.ctx.Sign(t.session, digest)
	if err != nil {
		return nil, "", errorf("signing with '%s': %v", object, err)
	}
	return sig, alg, nil
}

// GenerateECKey creates a persistent P-256 key pair labelled label and
// returns the public point.
func (t *Token) GenerateECKey(label string) ([]byte, error) {
	pubTmpl := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, p256Params),
	}
	privTmpl := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_EC_KEY_PAIR_GEN, nil)}
	if _, _, err := t.ctx.GenerateKeyPair(t.session, mech, pubTmpl, privTmpl); err != nil {
		return nil, errorf("generating key '%s' on token '%s': %v", label, t.label, err)
	}
	return t.PublicKey(label)
}

// PublicKey returns the EC point or RSA modulus of the public key labelled
// label.
func (t *Token) PublicKey(label string) ([]byte, error) {
	obj, err := t.findObject(pkcs11.CKO_PUBLIC_KEY, label)
	if err != nil {
		return nil, err
	}
	attrs, err := t.ctx.GetAttributeValue(t.session, obj, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err == nil && len(attrs) > 0 && len(attrs[0].Value) > 0 {
		return attrs[0].Value, nil
	}
	attrs, err = t.ctx.GetAttributeValue(t.session, obj, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
	})
	if err != nil || len(attrs) == 0 {
		return nil, errorf("reading public key '%s': %v", label, err)
	}
	return attrs[0].Value, nil
}

// Close logs out and releases the module.
func (t *Token) Close() error {
	if t.pin != "" {
		_ = t.ctx.Logout(t.session)
	}
	err := t.ctx.CloseSession(t.session)
	t.pin = ""
	t.finalize()
	if err != nil {
		return fmt.Errorf("closing token session: %w", err)
	}
	return nil
}

func (t *Token) finalize() {
	_ = t.ctx.Finalize()
	t.ctx.Destroy()
}

// ulong decodes a CK_ULONG attribute in host byte order.
func ulong(b []byte) uint64 {
	switch len(b) {
	case 8:
		return binary.NativeEndian.Uint64(b)
	case 4:
		return uint64(binary.NativeEndian.Uint32(b))
	}
	return 0
}
