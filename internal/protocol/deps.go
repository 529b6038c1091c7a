package protocol

import (
	"context"

	"CfdDaemon/internal/cfd"
	"CfdDaemon/internal/model"
)

// Executor is the mutation boundary protocol instances persist milestones
// through. Satisfied by the command package's executor.
type Executor interface {
	Execute(ctx context.Context, id model.OrderID, fn func(cfd.Cfd) ([]cfd.Event, error)) error
}

// Wallet builds and signs the opaque DLC inputs. Only contract setup and
// rollover touch it; the blobs are never interpreted here.
type Wallet interface {
	BuildPartyParams(ctx context.Context, params model.SetupParams) ([]byte, error)
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}

// Decision is an operator's answer to a pending peer request.
type Decision struct {
	Accepted bool
	Reason   string
}

// OrderRecorder persists a brand-new contract at version zero. The taker
// uses it once the maker has accepted a take.
type OrderRecorder interface {
	RecordOrder(ctx context.Context, order model.Order) error
}
