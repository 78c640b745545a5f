package webapi

import (
	"context"

	"github.com/nextlevelbuilder/slacksim/internal/socketbus"
)

// Dispatcher is the slice of SocketBus the handlers need. Narrowed to an
// interface so handler tests can observe dispatches without real sockets.
type Dispatcher interface {
	Dispatch(ctx context.Context, envType string, payload any, targetBotID string, onAck socketbus.AckHandler) int
	DisconnectAll(reason string)
	GetUnassociatedConnectionID() (string, bool)
	ConfirmConnectionClaim(connID string)
	ReleaseConnectionClaim(connID string)
}
