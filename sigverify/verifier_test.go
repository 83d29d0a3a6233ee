package sigverify

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runwork/shell/bundlemanifest"
)

func signManifest(t *testing.T, priv ed25519.PrivateKey, m *bundlemanifest.Manifest) []byte {
	t.Helper()
	signingBytes, err := m.CanonicalSigningBytes()
	require.NoError(t, err)
	sig := ed25519.Sign(priv, signingBytes)
	m.Signature = signaturePrefix + base64.StdEncoding.EncodeToString(sig)

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return raw
}

func newFixtureManifest() *bundlemanifest.Manifest {
	h, _ := bundlemanifest.NewFileHash("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	return &bundlemanifest.Manifest{
		SchemaVersion: 1,
		BuildNumber:   1,
		Files:         []bundlemanifest.File{{Path: "bin/app", Hash: h, Size: 0}},
		Zips:          map[string]bundlemanifest.PlatformBundle{"linux-x64": {ZipPath: "z.zip", Size: 1}},
	}
}

func TestParsePublicKeyValid(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	encoded := base64.StdEncoding.EncodeToString(pub)
	parsed, err := ParsePublicKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, pub, parsed)
}

func TestParsePublicKeyInvalid(t *testing.T) {
	_, err := ParsePublicKey("not-base64!!")
	assert.Error(t, err)

	_, err = ParsePublicKey(base64.StdEncoding.EncodeToString([]byte("too short")))
	assert.Error(t, err)
}

func TestParseSignatureMissingPrefix(t *testing.T) {
	_, err := parseSignature("deadbeef")
	assert.Error(t, err)
}

func TestParseSignatureWrongSize(t *testing.T) {
	_, err := parseSignature(signaturePrefix + base64.StdEncoding.EncodeToString([]byte("too short")))
	assert.Error(t, err)
}

func TestVerifyValidSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	m := newFixtureManifest()
	raw := signManifest(t, priv, m)

	d, err := bundlemanifest.ParseManifest(raw)
	require.NoError(t, err)

	assert.NoError(t, Verify(d, pub))
}

func TestVerifyRejectsTamperedBytes(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	m := newFixtureManifest()
	raw := signManifest(t, priv, m)

	tampered := []byte(strings.Replace(string(raw), `"buildNumber":1`, `"buildNumber":2`, 1))

	d, err := bundlemanifest.ParseManifest(tampered)
	require.NoError(t, err)

	assert.Error(t, Verify(d, pub))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	m := newFixtureManifest()
	raw := signManifest(t, priv, m)

	d, err := bundlemanifest.ParseManifest(raw)
	require.NoError(t, err)

	assert.Error(t, Verify(d, otherPub))
}

func TestVerifyMalformedSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	m := newFixtureManifest()
	m.Signature = "not-a-valid-signature"
	raw, err := json.Marshal(m)
	require.NoError(t, err)

	d, err := bundlemanifest.ParseManifest(raw)
	require.NoError(t, err)

	assert.Error(t, Verify(d, pub))
}
