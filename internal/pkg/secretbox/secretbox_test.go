package secretbox

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hexKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := New(hexKey)
	require.NoError(t, err)

	sealed, err := box.Seal("rzp_live_secret")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "rzp_live_secret")

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "rzp_live_secret", plain)

	// Nonces are random, so sealing twice differs.
	again, err := box.Seal("rzp_live_secret")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)
}

func TestOpenPassesPlaintextThrough(t *testing.T) {
	box, err := New(hexKey)
	require.NoError(t, err)

	plain, err := box.Open("legacy-plaintext")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plaintext", plain)
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	box, err := New(hexKey)
	require.NoError(t, err)
	sealed, err := box.Seal("whsec_123")
	require.NoError(t, err)

	other, err := New(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32))))
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrOpen)

	_, err = box.Open(prefix + "not-base64!")
	assert.ErrorIs(t, err, ErrOpen)
}

func TestNewRejectsShortKeys(t *testing.T) {
	_, err := New("abcd")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = New("")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
