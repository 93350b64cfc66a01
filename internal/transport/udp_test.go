package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxframe/sipcore/internal/account"
	"github.com/voxframe/sipcore/internal/sipmsg"
)

func TestTransport_SendAndServeRoundTrip(t *testing.T) {
	srv, err := New("127.0.0.1:0", false, account.NATNever, nil, zerolog.Nop())
	require.NoError(t, err)
	defer srv.Close()

	received := make(chan sipmsg.Message, 1)
	srv.SetHandler(func(msg sipmsg.Message, from *net.UDPAddr) { received <- msg })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go srv.Serve(ctx)

	client, err := New("127.0.0.1:0", false, account.NATNever, nil, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	uri, _ := sipmsg.ParseURI("sip:bob@biloxi.example")
	req := sipmsg.NewRequest("OPTIONS", uri)
	req.Headers().Set(sipmsg.HeaderCallID, "x@y")
	req.Headers().Set(sipmsg.HeaderCSeq, "1 OPTIONS")

	require.NoError(t, client.Send(context.Background(), srv.LocalAddr().String(), req))

	select {
	case msg := <-received:
		r, ok := msg.(*sipmsg.Request)
		require.True(t, ok)
		assert.Equal(t, "OPTIONS", r.Method)
	case <-time.After(time.Second):
		t.Fatal("no datagram received")
	}
}
