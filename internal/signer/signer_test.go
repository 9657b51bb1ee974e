package signer

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalSignerRoundTrip(t *testing.T) {
	s := NewLocalSigner("signer-a")
	digest := []byte("0f1e2d3c4b5a")

	sig, signerID, err := s.Sign(digest)
	require.NoError(t, err)
	require.Equal(t, "signer-a", signerID)
	require.Len(t, sig, 64)

	r := NewRegistry()
	r.Add("signer-a", s.PublicKey())
	require.True(t, r.Verify("signer-a", digest, base64.StdEncoding.EncodeToString(sig)))
}

func TestRegistryRejectsBadInput(t *testing.T) {
	s := NewLocalSigner("signer-a")
	digest := []byte("0f1e2d3c4b5a")
	sig, _, err := s.Sign(digest)
	require.NoError(t, err)
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	r := NewRegistry()
	r.Add("signer-a", s.PublicKey())

	// Unknown signer id.
	require.False(t, r.Verify("signer-b", digest, sigB64))
	// Wrong digest.
	require.False(t, r.Verify("signer-a", []byte("other"), sigB64))
	// Not base64.
	require.False(t, r.Verify("signer-a", digest, "%%%"))
	// Signature from a different key.
	other := NewLocalSigner("signer-a")
	otherSig, _, err := other.Sign(digest)
	require.NoError(t, err)
	require.False(t, r.Verify("signer-a", digest, base64.StdEncoding.EncodeToString(otherSig)))
}

func TestRegistryCopiesKeyBytes(t *testing.T) {
	s := NewLocalSigner("signer-a")
	digest := []byte("payload")
	sig, _, err := s.Sign(digest)
	require.NoError(t, err)

	pub := append([]byte(nil), s.PublicKey()...)
	r := NewRegistry()
	r.Add("signer-a", pub)
	for i := range pub {
		pub[i] = 0
	}
	require.True(t, r.Verify("signer-a", digest, base64.StdEncoding.EncodeToString(sig)))
}
