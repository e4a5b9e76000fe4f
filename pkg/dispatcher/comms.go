package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

// Subscribe serves control requests on subject until the subscription is removed or ctx ends.
// Requests run concurrently so a waiting call does not hold up the others.
// Each request gets at most timeout (zero for no bound); a shorter ctx.timeoutMs from the
// caller wins.
func Subscribe(ctx context.Context, nc *comms.Conn, subject string, disp *Dispatcher, timeout time.Duration) (*comms.Subscription, error) {
	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		var req ControlRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to decode request: %v", logPrefix, err))
			respond(msg, errorResponse("", "INVALID_REQUEST", "Failed to decode request", false))
			return
		}

		go func() {
			reqCtx, cancel := withTimeout(ctx, timeout)
			defer cancel()
			respond(msg, disp.Dispatch(reqCtx, &req))
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, subject, err)
	}
	slog.Info(fmt.Sprintf("%s - Serving control requests on %s", logPrefix, subject))
	return sub, nil
}

// withTimeout bounds ctx by timeout when it is positive.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func respond(msg *comms.Msg, resp *ControlResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", logPrefix, err))
		return
	}
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to respond: %v", logPrefix, err))
	}
}
