package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyHMACSHA256(t *testing.T) {
	payload := []byte(`{"event":"payment.captured"}`)
	secret := "whsec_test"
	sig := SignHMACSHA256(payload, secret)

	assert.True(t, VerifyHMACSHA256(payload, sig, secret))
	assert.True(t, VerifyHMACSHA256(payload, " "+sig+"\n", secret), "header whitespace is ignored")
	assert.False(t, VerifyHMACSHA256([]byte(`{"event":"payment.captured "}`), sig, secret), "tampered body")
	assert.False(t, VerifyHMACSHA256(payload, sig, "other"), "wrong secret")
	assert.False(t, VerifyHMACSHA256(payload, "deadbeef", secret))
	assert.False(t, VerifyHMACSHA256(payload, "not-hex", secret))
}

func TestVerifyHMACSHA256FailsClosedWithoutSecret(t *testing.T) {
	payload := []byte(`{}`)
	sig := SignHMACSHA256(payload, "")

	assert.False(t, VerifyHMACSHA256(payload, sig, ""))
	assert.False(t, VerifyHMACSHA256(payload, "", "secret"))
}
