package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/officexapp/iframe-host/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// GlobalChangeSubject overrides the global change subject (SESSION_CHANGE_SUBJECT).
	GlobalChangeSubject string
}

// CommsPublisher publishes session change events to COMMS subjects.
type CommsPublisher struct {
	nc                  *comms.Conn
	globalChangeSubject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	globalSubject := commsutil.SubjectSessionChange
	if opts != nil && opts.GlobalChangeSubject != "" {
		globalSubject = opts.GlobalChangeSubject
	}
	return &CommsPublisher{nc: nc, globalChangeSubject: globalSubject}
}

// PublishChanged publishes a SessionChangedEvent to the per-session subject and the
// global change subject.
func (p *CommsPublisher) PublishChanged(_ context.Context, event *SessionChangedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	sessionSubject := commsutil.BuildSessionChangeSubject(event.SessionID)
	if err := p.nc.Publish(sessionSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, sessionSubject, err))
		return err
	}
	if err := p.nc.Publish(p.globalChangeSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.globalChangeSubject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published session change %s phase=%s", commsPublisherLogPrefix, event.SessionID, event.Phase))
	return nil
}
