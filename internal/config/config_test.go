package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
; comment line
[general]
bindaddr = 0.0.0.0
port = 5060
nat = rfc3581

[authentication]
auth_db = /etc/sipcore/users.db

[peer-alice]
secret = s3cret
call_limit = 2
register = alice:s3cret@sipprovider.example/sip:alice@192.0.2.10
`

func TestParse_SectionsAndValues(t *testing.T) {
	f, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, f.Sections, 3)

	gen := f.Section("general")
	require.NotNil(t, gen)
	assert.Equal(t, "5060", gen.Get("port"))
	assert.Equal(t, 5060, gen.GetInt("port", 0))

	peer := f.Section("peer-alice")
	require.NotNil(t, peer)
	assert.Equal(t, 2, peer.GetInt("call_limit", 0))
}

func TestParseRegisterLine(t *testing.T) {
	rl, err := ParseRegisterLine("alice:s3cret@sipprovider.example/sip:alice@192.0.2.10")
	require.NoError(t, err)
	assert.Equal(t, "alice", rl.User)
	assert.Equal(t, "s3cret", rl.Secret)
	assert.Equal(t, "sipprovider.example", rl.Host)
	assert.Equal(t, "sip:alice@192.0.2.10", rl.Contact)
}

func TestParseRegisterLine_NoContact(t *testing.T) {
	rl, err := ParseRegisterLine("bob@sipprovider.example")
	require.NoError(t, err)
	assert.Equal(t, "bob", rl.User)
	assert.Equal(t, "", rl.Secret)
	assert.Equal(t, "sipprovider.example", rl.Host)
	assert.Equal(t, "", rl.Contact)
}

func TestParse_RejectsDirectiveOutsideSection(t *testing.T) {
	_, err := Parse(strings.NewReader("port = 5060\n"))
	assert.Error(t, err)
}
