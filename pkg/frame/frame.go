// Package frame abstracts the cross-document channel between the host and the child
// iframe: posting to the child window, and receiving the message and load events it raises.
package frame

import (
	"errors"
	"time"
)

// ErrFrameUnavailable means the child window cannot be reached (not loaded yet, or
// detached).
var ErrFrameUnavailable = errors.New("frame unavailable")

// MessageEvent is one inbound message event as seen by the host window.
type MessageEvent struct {
	Origin string
	Data   []byte
}

// Frame posts messages into the child window.
type Frame interface {
	PostMessage(data []byte, targetOrigin string) error
}

// Handler receives what the child frame raises.
type Handler interface {
	HandleMessage(ev MessageEvent)
	FrameLoaded(at time.Time)
}

// CallbackFrame is a Frame that calls a function (for in-process embedding and tests).
type CallbackFrame struct {
	callback func(data []byte, targetOrigin string) error
}

// NewCallbackFrame creates a new CallbackFrame.
func NewCallbackFrame(cb func(data []byte, targetOrigin string) error) *CallbackFrame {
	return &CallbackFrame{callback: cb}
}

// PostMessage calls the callback.
func (f *CallbackFrame) PostMessage(data []byte, targetOrigin string) error {
	if f == nil || f.callback == nil {
		return ErrFrameUnavailable
	}
	return f.callback(data, targetOrigin)
}
