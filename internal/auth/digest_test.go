package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier_AcceptsValidCredential(t *testing.T) {
	chal := NewChallenge("biloxi.example")
	chal.Nonce = "deadbeef"
	username, password := "alice", "secret123"
	method, uri := "REGISTER", "sip:biloxi.example"

	ha1 := md5Hex(username + ":" + chal.Realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)
	nc, cnonce := "00000001", "0a4f113b"
	expected := md5Hex(ha1 + ":" + chal.Nonce + ":" + nc + ":" + cnonce + ":" + chal.QOP + ":" + ha2)

	v := NewVerifier(time.Minute)
	cred := Credentials{Username: username, Realm: chal.Realm, Nonce: chal.Nonce, URI: uri, Response: expected, QOP: chal.QOP, NC: nc, CNonce: cnonce}
	require.NoError(t, v.Verify(chal, cred, method, password))
}

func TestVerifier_RejectsBadCredential(t *testing.T) {
	chal := NewChallenge("biloxi.example")
	v := NewVerifier(time.Minute)
	cred := Credentials{Username: "alice", Nonce: chal.Nonce, URI: "sip:biloxi.example", Response: "not-a-real-hash", QOP: "auth", NC: "00000001", CNonce: "x"}
	err := v.Verify(chal, cred, "REGISTER", "secret123")
	assert.ErrorIs(t, err, ErrBadCredential)
}

func TestVerifier_RejectsStaleNonce(t *testing.T) {
	chal := NewChallenge("biloxi.example")
	v := NewVerifier(time.Minute)
	cred := Credentials{Nonce: "wrong-nonce"}
	err := v.Verify(chal, cred, "REGISTER", "secret123")
	assert.ErrorIs(t, err, ErrStaleNonce)
}

func TestVerifier_RejectsReplayedNonceCount(t *testing.T) {
	chal := NewChallenge("biloxi.example")
	chal.Nonce = "deadbeef"
	username, password := "alice", "secret123"
	method, uri := "REGISTER", "sip:biloxi.example"
	ha1 := md5Hex(username + ":" + chal.Realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)
	nc, cnonce := "00000001", "0a4f113b"
	expected := md5Hex(ha1 + ":" + chal.Nonce + ":" + nc + ":" + cnonce + ":" + chal.QOP + ":" + ha2)

	v := NewVerifier(time.Minute)
	cred := Credentials{Username: username, Nonce: chal.Nonce, URI: uri, Response: expected, QOP: chal.QOP, NC: nc, CNonce: cnonce}
	require.NoError(t, v.Verify(chal, cred, method, password))
	err := v.Verify(chal, cred, method, password)
	assert.ErrorIs(t, err, ErrReplayedNonceCount)
}

func TestParseCredentials_RoundTrip(t *testing.T) {
	header := `Digest username="alice", realm="biloxi.example", nonce="deadbeef", uri="sip:biloxi.example", response="abc123", qop=auth, nc=00000001, cnonce="0a4f113b"`
	cred, err := ParseCredentials(header)
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.Username)
	assert.Equal(t, "biloxi.example", cred.Realm)
	assert.Equal(t, "deadbeef", cred.Nonce)
	assert.Equal(t, "sip:biloxi.example", cred.URI)
	assert.Equal(t, "abc123", cred.Response)
	assert.Equal(t, "auth", cred.QOP)
	assert.Equal(t, "00000001", cred.NC)
	assert.Equal(t, "0a4f113b", cred.CNonce)
}

func TestParseCredentials_RejectsNonDigest(t *testing.T) {
	_, err := ParseCredentials("Basic dXNlcjpwYXNz")
	assert.Error(t, err)
}

func TestRetryTracker_StopsAfterMaxAttempts(t *testing.T) {
	rt := NewRetryTracker()
	for i := 0; i < MaxAttempts; i++ {
		assert.True(t, rt.Attempt("call-1"))
	}
	assert.False(t, rt.Attempt("call-1"))
}
