package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevMode(t *testing.T) {
	v := NewVerifier("", "")
	p, err := v.Verify("alice:Admin")
	require.NoError(t, err)
	assert.Equal(t, Principal{Subject: "alice", Role: RoleAdmin}, p)
	assert.True(t, p.CanWrite())

	_, err = v.Verify("alice")
	assert.Error(t, err)

	anon, ok := v.Anonymous()
	assert.True(t, ok)
	assert.True(t, anon.CanWrite())
}

func TestHMACRoundTrip(t *testing.T) {
	v := NewVerifier("hmac", "k3y")
	tok, err := v.Sign("ops-bot", "viewer", time.Minute)
	require.NoError(t, err)

	p, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "ops-bot", p.Subject)
	assert.False(t, p.CanWrite())

	_, ok := v.Anonymous()
	assert.False(t, ok)
}

func TestHMACRejects(t *testing.T) {
	v := NewVerifier("hmac", "k3y")
	good, err := v.Sign("ops", "admin", time.Minute)
	require.NoError(t, err)

	other := NewVerifier("hmac", "different")
	forged, err := other.Sign("ops", "admin", time.Minute)
	require.NoError(t, err)

	past := NewVerifier("hmac", "k3y")
	past.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := past.Sign("ops", "admin", time.Minute)
	require.NoError(t, err)

	noSubject, err := v.Sign("", "admin", 0)
	require.NoError(t, err)

	segs := strings.Split(good, ".")
	cases := map[string]string{
		"forged":        forged,
		"expired":       expired,
		"no subject":    noSubject,
		"two segments":  segs[0] + "." + segs[1],
		"tampered body": segs[0] + "." + b64urlEncode([]byte(`{"sub":"root","role":"admin"}`)) + "." + segs[2],
		"dev token":     "ops:admin",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok)
			assert.Error(t, err)
		})
	}
}
