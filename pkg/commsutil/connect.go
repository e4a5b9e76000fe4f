// Package commsutil provides COMMS (NATS) connection helpers and subject naming.
package commsutil

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	comms "github.com/nats-io/nats.go"
)

const logPrefix = "commsutil:connect"

// ClientName names a host connection after the frame it drives, so several hosts on one
// server can be told apart in connection listings.
func ClientName(service, frameID string) string {
	service = strings.TrimSpace(service)
	frameID = strings.TrimSpace(frameID)
	if service == "" {
		service = "officex-host"
	}
	if frameID == "" {
		return service
	}
	return service + "/" + frameID
}

// Connect creates a COMMS connection to the given URL. While disconnected, posts to the
// child frame are buffered by the client and delivered after reconnecting.
func Connect(url, name string) (*comms.Conn, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to COMMS at %s as %s", logPrefix, url, name))

	nc, err := comms.Connect(url,
		comms.Name(name),
		comms.Timeout(10*time.Second),
		comms.ReconnectWait(2*time.Second),
		comms.MaxReconnects(60),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - COMMS disconnected: %v", logPrefix, err))
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS reconnected to %s", logPrefix, nc.ConnectedUrl()))
		}),
		comms.ClosedHandler(func(_ *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS connection closed", logPrefix))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, nc.ConnectedUrl()))
	return nc, nil
}
