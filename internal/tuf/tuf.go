// SPDX-License-Identifier: MPL-2.0

// Package tuf generates the signed metadata of an update repository: the
// root document written at build time, and the targets, snapshot, and
// timestamp documents written at deploy time.
//
// Every document is an envelope {"signatures":[{keyid,sig}],"signed":{...}}
// serialized with JSON Canonicalization Scheme. The signature is a hex
// Ed25519 signature over the canonical signed body.
package tuf

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// SpecVersion is the TUF specification version documents declare.
const SpecVersion = "1.0.0"

// Expiry periods.
const (
	RootExpiry      = 365 * 24 * time.Hour
	TargetsExpiry   = 365 * 24 * time.Hour
	SnapshotExpiry  = 365 * 24 * time.Hour
	TimestampExpiry = 24 * time.Hour
)

// ImageNamespace is the UUID v5 namespace of image IDs.
var ImageNamespace = uuid.MustParse("7488fa35-6390-425b-bbbf-b156cfe1eed2")

// ErrVerify is returned when a document's signature does not check out.
var ErrVerify = errors.New("metadata signature verification failed")

type (
	// Target is one deployable file.
	Target struct {
		Name   string `json:"name"`
		SHA256 string `json:"sha256"`
		Size   int64  `json:"size"`
	}

	// Signature is one envelope signature.
	Signature struct {
		KeyID string `json:"keyid"`
		Sig   string `json:"sig"`
	}

	// Envelope is a signed document.
	Envelope struct {
		Signatures []Signature     `json:"signatures"`
		Signed     json.RawMessage `json:"signed"`
	}

	// Key is a public key entry of root.json.
	Key struct {
		KeyType string            `json:"keytype"`
		KeyVal  map[string]string `json:"keyval"`
		Scheme  string            `json:"scheme"`
	}

	// Role lists the keys trusted for a role.
	Role struct {
		KeyIDs    []string `json:"keyids"`
		Threshold int      `json:"threshold"`
	}

	// Hashes maps a hash algorithm to a hex digest.
	Hashes map[string]string

	// TargetFile describes one entry of targets.json.
	TargetFile struct {
		Hashes Hashes `json:"hashes"`
		Length int64  `json:"length"`
	}

	// MetaFile describes one document listed by snapshot or timestamp.
	MetaFile struct {
		Hashes  Hashes `json:"hashes"`
		Length  int64  `json:"length"`
		Version int    `json:"version"`
	}

	// Root is the signed body of root.json.
	Root struct {
		Type               string          `json:"_type"`
		ConsistentSnapshot bool            `json:"consistent_snapshot"`
		Expires            string          `json:"expires"`
		Keys               map[string]Key  `json:"keys"`
		Roles              map[string]Role `json:"roles"`
		SpecVersion        string          `json:"spec_version"`
		Version            int             `json:"version"`
	}

	// Targets is the signed body of targets.json.
	Targets struct {
		Type        string                `json:"_type"`
		Expires     string                `json:"expires"`
		SpecVersion string                `json:"spec_version"`
		Targets     map[string]TargetFile `json:"targets"`
		Version     int                   `json:"version"`
	}

	// Meta is the signed body of snapshot.json and timestamp.json.
	Meta struct {
		Type        string              `json:"_type"`
		Expires     string              `json:"expires"`
		Meta        map[string]MetaFile `json:"meta"`
		SpecVersion string              `json:"spec_version"`
		Version     int                 `json:"version"`
	}

	// Repo holds the documents generated for one deployment.
	Repo struct {
		Targets   []byte
		Snapshot  []byte
		Timestamp []byte
	}
)

// KeyID is the SHA-256 hex of the canonical public key document.
func KeyID(pub ed25519.PublicKey) string {
	doc := fmt.Sprintf(`{"keytype":"ed25519","keyval":{"public":"%s"},"scheme":"ed25519"}`, hex.EncodeToString(pub))
	sum := sha256.Sum256([]byte(doc))
	return hex.EncodeToString(sum[:])
}

// ImageID is the content-addressed UUID v5 of an image's SHA-256 hex.
func ImageID(sha256Hex string) string {
	return uuid.NewSHA1(ImageNamespace, []byte(sha256Hex)).String()
}

// Expires formats now+d as RFC 3339 UTC with second precision.
func Expires(now time.Time, d time.Duration) string {
	return now.UTC().Add(d).Truncate(time.Second).Format(time.RFC3339)
}

// Sign canonicalizes signed, signs it with priv, and returns the canonical
// envelope.
func Sign(signed any, priv ed25519.PrivateKey) ([]byte, error) {
	raw, err := json.Marshal(signed)
	if err != nil {
		return nil, err
	}
	body, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing metadata: %w", err)
	}
	env := Envelope{
		Signatures: []Signature{{
			KeyID: KeyID(priv.Public().(ed25519.PublicKey)),
			Sig:   hex.EncodeToString(ed25519.Sign(priv, body)),
		}},
		Signed: body,
	}
	raw, err = json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// Verify checks that doc carries a valid signature by pub and returns the
// canonical signed body.
func Verify(doc []byte, pub ed25519.PublicKey) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(doc, &env); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	body, err := jcs.Transform(env.Signed)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing metadata: %w", err)
	}
	keyid := KeyID(pub)
	for _, s := range env.Signatures {
		if s.KeyID != keyid {
			continue
		}
		sig, err := hex.DecodeString(s.Sig)
		if err == nil && ed25519.Verify(pub, body, sig) {
			return body, nil
		}
	}
	return nil, fmt.Errorf("%w: no valid signature by %s", ErrVerify, keyid)
}

// GenerateRoot returns a root.json trusting pub's key for every role.
func GenerateRoot(priv ed25519.PrivateKey, now time.Time) ([]byte, error) {
	pub := priv.Public().(ed25519.PublicKey)
	keyid := KeyID(pub)
	role := Role{KeyIDs: []string{keyid}, Threshold: 1}
	return Sign(Root{
		Type:    "root",
		Expires: Expires(now, RootExpiry),
		Keys: map[string]Key{keyid: {
			KeyType: "ed25519",
			KeyVal:  map[string]string{"public": hex.EncodeToString(pub)},
			Scheme:  "ed25519",
		}},
		Roles: map[string]Role{
			"root": role, "snapshot": role, "targets": role, "timestamp": role,
		},
		SpecVersion: SpecVersion,
		Version:     1,
	}, priv)
}

// GenerateRepo signs targets, then a snapshot over targets.json, then a
// timestamp over snapshot.json. Duplicate target names are an error.
func GenerateRepo(targets []Target, priv ed25519.PrivateKey, now time.Time) (*Repo, error) {
	files := make(map[string]TargetFile, len(targets))
	for _, t := range targets {
		if _, dup := files[t.Name]; dup {
			return nil, fmt.Errorf("duplicate target '%s'", t.Name)
		}
		files[t.Name] = TargetFile{Hashes: Hashes{"sha256": t.SHA256}, Length: t.Size}
	}
	targetsDoc, err := Sign(Targets{
		Type:        "targets",
		Expires:     Expires(now, TargetsExpiry),
		SpecVersion: SpecVersion,
		Targets:     files,
		Version:     1,
	}, priv)
	if err != nil {
		return nil, err
	}
	snapshotDoc, err := Sign(meta("snapshot", "targets.json", targetsDoc, now, SnapshotExpiry), priv)
	if err != nil {
		return nil, err
	}
	timestampDoc, err := Sign(meta("timestamp", "snapshot.json", snapshotDoc, now, TimestampExpiry), priv)
	if err != nil {
		return nil, err
	}
	return &Repo{Targets: targetsDoc, Snapshot: snapshotDoc, Timestamp: timestampDoc}, nil
}

func meta(typ, name string, doc []byte, now time.Time, expiry time.Duration) Meta {
	sum := sha256.Sum256(doc)
	return Meta{
		Type:    typ,
		Expires: Expires(now, expiry),
		Meta: map[string]MetaFile{name: {
			Hashes:  Hashes{"sha256": hex.EncodeToString(sum[:])},
			Length:  int64(len(doc)),
			Version: 1,
		}},
		SpecVersion: SpecVersion,
		Version:     1,
	}
}

// SortTargets orders targets by name.
func SortTargets(targets []Target) {
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })
}
