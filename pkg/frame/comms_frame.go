package frame

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/officexapp/iframe-host/pkg/commsutil"
	"github.com/officexapp/iframe-host/pkg/origin"
)

const commsFrameLogPrefix = "frame:comms_frame"

// loadNotice is the optional body of a load notification.
type loadNotice struct {
	LoadedAtMS int64 `json:"loaded_at_ms"`
}

// CommsFrame bridges one iframe over COMMS subjects. The browser-side relay publishes
// child message events with an Origin header and forwards host posts to the child window
// only when the Target-Origin header matches the child's origin.
type CommsFrame struct {
	nc      *comms.Conn
	frameID string
	subs    []*comms.Subscription
}

// NewCommsFrame creates a CommsFrame for frameID.
func NewCommsFrame(nc *comms.Conn, frameID string) *CommsFrame {
	return &CommsFrame{nc: nc, frameID: frameID}
}

// PostMessage publishes data for the child window, scoped to targetOrigin.
func (f *CommsFrame) PostMessage(data []byte, targetOrigin string) error {
	if f == nil || f.nc == nil || !f.nc.IsConnected() {
		return ErrFrameUnavailable
	}
	if err := origin.ValidateTarget(targetOrigin); err != nil {
		return err
	}
	msg := comms.NewMsg(commsutil.BuildToChildSubject(f.frameID))
	msg.Header.Set(commsutil.HeaderTargetOrigin, targetOrigin)
	msg.Data = data
	if err := f.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("%s - failed to publish to %s: %w", commsFrameLogPrefix, msg.Subject, err)
	}
	return nil
}

// Listen subscribes h to the frame's message and load subjects.
func (f *CommsFrame) Listen(h Handler) error {
	toHost := commsutil.BuildToHostSubject(f.frameID)
	msgSub, err := f.nc.Subscribe(toHost, func(msg *comms.Msg) {
		h.HandleMessage(MessageEvent{
			Origin: msg.Header.Get(commsutil.HeaderOrigin),
			Data:   msg.Data,
		})
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", commsFrameLogPrefix, toHost, err)
	}

	load := commsutil.BuildLoadSubject(f.frameID)
	loadSub, err := f.nc.Subscribe(load, func(msg *comms.Msg) {
		h.FrameLoaded(parseLoadedAt(msg.Data))
	})
	if err != nil {
		msgSub.Unsubscribe()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", commsFrameLogPrefix, load, err)
	}

	f.subs = append(f.subs, msgSub, loadSub)
	slog.Info(fmt.Sprintf("%s - Listening on %s and %s", commsFrameLogPrefix, toHost, load))
	return nil
}

// Close unsubscribes everything Listen set up.
func (f *CommsFrame) Close() {
	for _, sub := range f.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn(fmt.Sprintf("%s - unsubscribe %s: %v", commsFrameLogPrefix, sub.Subject, err))
		}
	}
	f.subs = nil
}

func parseLoadedAt(data []byte) time.Time {
	var notice loadNotice
	if len(data) > 0 && json.Unmarshal(data, &notice) == nil && notice.LoadedAtMS > 0 {
		return time.UnixMilli(notice.LoadedAtMS)
	}
	return time.Now()
}
