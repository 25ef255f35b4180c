package routing

import (
	"context"
	"log/slog"
	"time"

	"github.com/crosspoint/crosspoint/internal/backend"
	"github.com/crosspoint/crosspoint/internal/call"
)

// incomingSink receives the outcome of an incoming-call retrieval.
type incomingSink interface {
	incomingRetrieved(c *call.Call, details *backend.CallDetails)
	incomingFailed(c *call.Call)
}

// IncomingRetriever asynchronously fetches the full details of an incoming
// call from the backend that announced it. Exactly one outcome is delivered
// per call; there is no internal retry.
type IncomingRetriever struct {
	logger  *slog.Logger
	sink    incomingSink
	timeout time.Duration
}

func newIncomingRetriever(sink incomingSink, timeout time.Duration, logger *slog.Logger) *IncomingRetriever {
	return &IncomingRetriever{
		logger:  logger.With("subsystem", "incoming-retrieval"),
		sink:    sink,
		timeout: timeout,
	}
}

// Retrieve asks b for the details of c, correlating with the opaque extras
// from the backend's announcement. The call must already be bound to b; on
// failure the caller is responsible for clearing that binding.
func (r *IncomingRetriever) Retrieve(c *call.Call, b backend.Backend, extras map[string]string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		details, err := b.Retrieve(ctx, c.ID(), extras)
		if err != nil {
			r.logger.Warn("incoming call retrieval failed",
				"call_id", c.ID(), "backend", b.ID(), "error", err)
			r.sink.incomingFailed(c)
			return
		}

		r.logger.Debug("incoming call retrieved",
			"call_id", c.ID(), "backend", b.ID(), "handle", details.Handle)
		r.sink.incomingRetrieved(c, details)
	}()
}
