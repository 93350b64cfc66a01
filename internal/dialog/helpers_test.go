package dialog

import (
	"context"

	"github.com/voxframe/sipcore/internal/sipmsg"
	"github.com/voxframe/sipcore/internal/transaction"
)

type noopTransport struct{}

func (noopTransport) Send(ctx context.Context, dest string, msg sipmsg.Message) error { return nil }

func transactionSenderStub() transaction.Sender {
	return transaction.Sender{Transport: noopTransport{}, Dest: "127.0.0.1:5060"}
}
