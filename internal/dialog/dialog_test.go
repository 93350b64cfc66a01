package dialog

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxframe/sipcore/internal/sipmsg"
)

func testURIs(t *testing.T) (*sipmsg.URI, *sipmsg.URI) {
	local, err := sipmsg.ParseURI("sip:alice@atlanta.example")
	require.NoError(t, err)
	remote, err := sipmsg.ParseURI("sip:bob@biloxi.example")
	require.NoError(t, err)
	return local, remote
}

func TestDialog_UACLifecycle(t *testing.T) {
	local, remote := testURIs(t)
	d := NewUAC(local, remote, "callid-1", nil, transactionSenderStub(), zerolog.Nop())
	assert.Equal(t, StateNull, d.State())

	resp180 := sipmsg.NewResponse(180, "Ringing")
	resp180.Headers().Set(sipmsg.HeaderTo, "Bob <sip:bob@biloxi.example>;tag=xyz123")
	require.NoError(t, d.ApplyProvisional(resp180))
	assert.Equal(t, StateEarly, d.State())
	assert.Equal(t, "xyz123", d.ID().RemoteTag)

	resp200 := sipmsg.NewResponse(200, "OK")
	resp200.Headers().Set(sipmsg.HeaderTo, "Bob <sip:bob@biloxi.example>;tag=xyz123")
	resp200.Headers().Add(sipmsg.HeaderRecordRoute, "<sip:proxy1.atlanta.example;lr>")
	resp200.Headers().Add(sipmsg.HeaderRecordRoute, "<sip:proxy2.biloxi.example;lr>")
	require.NoError(t, d.ApplyFinal(resp200))
	assert.Equal(t, StateEstablished, d.State())

	bye := d.NextRequest("BYE")
	assert.Equal(t, "BYE", bye.Method)
	assert.Equal(t, "callid-1", bye.CallID())
	routes := bye.Headers().GetAll(sipmsg.HeaderRoute)
	require.Len(t, routes, 2)
	assert.Equal(t, "<sip:proxy1.atlanta.example;lr>", routes[0]) // UAC keeps received order

	require.NoError(t, d.ApplyBye())
	assert.Equal(t, StateTerminated, d.State())
}

func TestDialog_UASRouteSetReversed(t *testing.T) {
	local, remote := testURIs(t)
	d := NewUAS(local, remote, "callid-2", "fromtag1", nil, transactionSenderStub(), zerolog.Nop())

	resp200 := sipmsg.NewResponse(200, "OK")
	resp200.Headers().Set(sipmsg.HeaderTo, "Alice <sip:alice@atlanta.example>;tag="+d.ID().LocalTag)
	resp200.Headers().Add(sipmsg.HeaderRecordRoute, "<sip:proxy1.atlanta.example;lr>")
	resp200.Headers().Add(sipmsg.HeaderRecordRoute, "<sip:proxy2.biloxi.example;lr>")
	require.NoError(t, d.ApplyFinal(resp200))

	req := d.NextRequest("BYE")
	routes := req.Headers().GetAll(sipmsg.HeaderRoute)
	require.Len(t, routes, 2)
	assert.Equal(t, "<sip:proxy2.biloxi.example;lr>", routes[0]) // UAS walks the set backward
}

func TestDialog_StrictRouteRewritesRequestURI(t *testing.T) {
	local, remote := testURIs(t)
	d := NewUAC(local, remote, "callid-strict", nil, transactionSenderStub(), zerolog.Nop())

	resp200 := sipmsg.NewResponse(200, "OK")
	resp200.Headers().Set(sipmsg.HeaderTo, "Bob <sip:bob@biloxi.example>;tag=xyz123")
	resp200.Headers().Add(sipmsg.HeaderRecordRoute, "<sip:proxy1.atlanta.example>") // no ;lr: strict router
	require.NoError(t, d.ApplyFinal(resp200))

	req := d.NextRequest("BYE")
	assert.Equal(t, "proxy1.atlanta.example", req.RequestURI.Host)
	routes := req.Headers().GetAll(sipmsg.HeaderRoute)
	require.Len(t, routes, 1)
	assert.Contains(t, routes[0], "bob@biloxi.example")
}

func TestDialog_NonOKFinalTerminates(t *testing.T) {
	local, remote := testURIs(t)
	d := NewUAC(local, remote, "callid-3", nil, transactionSenderStub(), zerolog.Nop())
	resp := sipmsg.NewResponse(486, "Busy Here")
	require.NoError(t, d.ApplyFinal(resp))
	assert.Equal(t, StateTerminated, d.State())
}

func TestCallLimiter_RejectsOverLimit(t *testing.T) {
	cl := NewCallLimiter()
	cl.SetLimit("alice", 1)
	assert.True(t, cl.TryAcquire("alice"))
	assert.False(t, cl.TryAcquire("alice"))
	cl.Release("alice")
	assert.True(t, cl.TryAcquire("alice"))
}

func TestDialog_AttachCallLimiterReleasesOnTerminate(t *testing.T) {
	local, remote := testURIs(t)
	d := NewUAC(local, remote, "callid-4", nil, transactionSenderStub(), zerolog.Nop())
	cl := NewCallLimiter()
	cl.SetLimit("alice", 1)
	require.True(t, d.AttachCallLimiter(cl, "alice"))
	assert.Equal(t, 1, cl.Active("alice"))

	require.NoError(t, d.ApplyFinal(sipmsg.NewResponse(200, "OK")))
	require.NoError(t, d.ApplyBye())
	assert.Equal(t, 0, cl.Active("alice"))
}

func TestKeepalive_DownAfterThreshold(t *testing.T) {
	k := NewKeepalive(2)
	assert.Equal(t, ReachabilityUnknown, k.State("peer1"))
	k.RecordResponse("peer1", false)
	assert.Equal(t, ReachabilityUnknown, k.State("peer1"))
	k.RecordResponse("peer1", false)
	assert.Equal(t, ReachabilityDown, k.State("peer1"))
	k.RecordResponse("peer1", true)
	assert.Equal(t, ReachabilityUp, k.State("peer1"))
}

func TestBlindTransfer_SetsReferStatus(t *testing.T) {
	local, remote := testURIs(t)
	d := NewUAC(local, remote, "callid-5", nil, transactionSenderStub(), zerolog.Nop())
	require.NoError(t, d.ApplyFinal(sipmsg.NewResponse(200, "OK")))
	target, _ := sipmsg.ParseURI("sip:carol@biloxi.example")
	req := d.BuildBlindTransfer(target)
	assert.Equal(t, "REFER", req.Method)
	assert.Equal(t, "trying", d.ReferStatus())
	d.ReferNotify("SIP/2.0 200 OK")
	assert.Equal(t, "success", d.ReferStatus())
}
