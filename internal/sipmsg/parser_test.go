package sipmsg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_BasicInvite(t *testing.T) {
	p := NewParser(false)
	raw := "INVITE sip:bob@biloxi.example SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.example;branch=z9hG4bK776asdhds\r\n" +
		"To: Bob <sip:bob@biloxi.example>\r\n" +
		"From: Alice <sip:alice@atlanta.example>;tag=1928301774\r\n" +
		"Call-ID: a84b4c76e66710@pc33.atlanta.example\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Max-Forwards: 70\r\n" +
		"Contact: <sip:alice@pc33.atlanta.example>\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: 13\r\n" +
		"\r\n" +
		"v=0\r\no=- 1 1\r\n"

	msg, err := p.Parse([]byte(raw))
	require.NoError(t, err)
	req, ok := msg.(*Request)
	require.True(t, ok)
	assert.Equal(t, "INVITE", req.Method)
	assert.Equal(t, "bob", req.RequestURI.User)
	assert.Equal(t, "biloxi.example", req.RequestURI.Host)
	seq, method, err := req.CSeq()
	require.NoError(t, err)
	assert.Equal(t, uint32(314159), seq)
	assert.Equal(t, "INVITE", method)
}

func TestParser_CompactHeaders(t *testing.T) {
	p := NewParser(false)
	raw := "REGISTER sip:registrar.biloxi.example SIP/2.0\r\n" +
		"v: SIP/2.0/UDP bobspc.biloxi.example;branch=z9hG4bKnashds7\r\n" +
		"t: Bob <sip:bob@biloxi.example>\r\n" +
		"f: Bob <sip:bob@biloxi.example>;tag=456248\r\n" +
		"i: 843817637684230@998sdasdh09\r\n" +
		"CSeq: 1826 REGISTER\r\n" +
		"m: <sip:bob@192.0.2.4>\r\n" +
		"l: 0\r\n" +
		"\r\n"

	msg, err := p.Parse([]byte(raw))
	require.NoError(t, err)
	req := msg.(*Request)
	assert.Equal(t, "843817637684230@998sdasdh09", req.CallID())
	assert.Equal(t, "Bob <sip:bob@biloxi.example>", req.Headers().Get("To"))
	assert.Equal(t, "<sip:bob@192.0.2.4>", req.Headers().Get("Contact"))
}

func TestParser_MultipartSDP(t *testing.T) {
	p := NewParser(false)
	body := "--boundary1\r\n" +
		"Content-Type: application/sdp\r\n\r\n" +
		"v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\n" +
		"\r\n--boundary1\r\n" +
		"Content-Type: application/isup\r\n\r\n" +
		"garbage\r\n" +
		"--boundary1--"
	raw := "INVITE sip:bob@biloxi.example SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.example;branch=z9hG4bK776asdhds\r\n" +
		"To: <sip:bob@biloxi.example>\r\n" +
		"From: <sip:alice@atlanta.example>;tag=1928301774\r\n" +
		"Call-ID: a84b4c76e66710@pc33.atlanta.example\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Type: multipart/mixed; boundary=boundary1\r\n" +
		"Content-Length: " + itoa(len(body)) + "\r\n" +
		"\r\n" + body

	msg, err := p.Parse([]byte(raw))
	require.NoError(t, err)
	req := msg.(*Request)
	assert.True(t, strings.HasPrefix(string(req.Body()), "v=0"))
}

func TestParser_MalformedRejects(t *testing.T) {
	p := NewParser(true)

	_, err := p.Parse(nil)
	assert.Error(t, err)

	_, err = p.Parse([]byte("INVITE sip:bob@biloxi.example SIP/2.0\r\nVia: x\r\n"))
	var reject *MalformedReject
	require.ErrorAs(t, err, &reject)
	assert.Equal(t, RejectNoBoundary, reject.Kind)

	_, err = p.Parse([]byte("INVITE sip:bob@biloxi.example SIP/2.0\r\nVia: x\r\n\r\n"))
	require.ErrorAs(t, err, &reject)
	assert.Equal(t, RejectMissingCSeq, reject.Kind)

	_, err = p.Parse([]byte("INVITE not-a-uri SIP/2.0\r\nCSeq: 1 INVITE\r\n\r\n"))
	require.ErrorAs(t, err, &reject)
	assert.Equal(t, RejectBadRequestURI, reject.Kind)
}

func TestParser_StrictRejectsSpaceBeforeColon(t *testing.T) {
	p := NewParser(true)
	raw := "OPTIONS sip:carol@chicago.example SIP/2.0\r\n" +
		"Via : SIP/2.0/UDP pc33.atlanta.example;branch=z9hG4bK1\r\n" +
		"CSeq: 1 OPTIONS\r\n" +
		"Call-ID: abc@pc33\r\n\r\n"
	_, err := p.Parse([]byte(raw))
	var reject *MalformedReject
	require.ErrorAs(t, err, &reject)
	assert.Equal(t, RejectBadHeaderSyntax, reject.Kind)
}

func TestRoundTrip_ParseSerializeIdentity(t *testing.T) {
	req := NewRequest("BYE", mustURI(t, "sip:bob@biloxi.example"))
	req.Headers().Set(HeaderVia, Via("UDP", "pc33.atlanta.example:5060", NewBranch(), true))
	req.Headers().Set(HeaderFrom, `Alice <sip:alice@atlanta.example>;tag=1928301774`)
	req.Headers().Set(HeaderTo, `Bob <sip:bob@biloxi.example>;tag=a6c85cf`)
	req.Headers().Set(HeaderCallID, "a84b4c76e66710@pc33.atlanta.example")
	req.Headers().Set(HeaderCSeq, "2 BYE")
	req.Headers().Set(HeaderMaxForwards, "70")
	req.SetBody(nil)

	wire := req.String()
	p := NewParser(false)
	msg, err := p.Parse([]byte(wire))
	require.NoError(t, err)
	reparsed := msg.(*Request)
	assert.Equal(t, req.Method, reparsed.Method)
	assert.Equal(t, req.CallID(), reparsed.CallID())
	assert.Equal(t, req.Headers().Get(HeaderFrom), reparsed.Headers().Get(HeaderFrom))

	// Serializing twice is byte-identical (canonical order is stable).
	assert.Equal(t, wire, reparsed.String())
}

func mustURI(t *testing.T, s string) *URI {
	t.Helper()
	u, err := ParseURI(s)
	require.NoError(t, err)
	return u
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
