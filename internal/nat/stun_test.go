package nat

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRewriteContact_PreservesUserAndParams(t *testing.T) {
	out := RewriteContact("sip:alice@192.168.1.10:5060;transport=udp", MappedAddress{IP: "203.0.113.9", Port: 40000})
	assert.Equal(t, "sip:alice@203.0.113.9:40000;transport=udp", out)
}

func TestRewriteContact_NoUserPart(t *testing.T) {
	out := RewriteContact("192.168.1.10:5060", MappedAddress{IP: "203.0.113.9", Port: 40000})
	assert.Equal(t, "203.0.113.9:40000", out)
}

func TestDiscoverer_StartsWithNoMappedAddress(t *testing.T) {
	d := NewDiscoverer("stun.example:3478", nil, MappedAddress{IP: "198.51.100.1", Port: 5060}, zerolog.Nop())
	_, ok := d.Mapped()
	assert.False(t, ok)
}
