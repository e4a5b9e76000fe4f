// Package dispatcher routes host control requests, arriving over COMMS or HTTP, to the host.
package dispatcher

import "encoding/json"

// ControlRequest is the JSON envelope for incoming control requests.
type ControlRequest struct {
	ID     string             `json:"id"`
	Method string             `json:"method"`
	Params json.RawMessage    `json:"params"`
	Ctx    *InvocationContext `json:"ctx,omitempty"`
}

// ControlResponse is the JSON envelope for control responses.
type ControlResponse struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result interface{}  `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Tracer    string `json:"tracer,omitempty"`
	Retryable bool   `json:"retryable"`
}

// InvocationContext holds context from the caller.
type InvocationContext struct {
	RequestID string `json:"requestId,omitempty"`
	// Wait makes command methods wait for the child's response instead of returning the tracer.
	Wait      bool `json:"wait,omitempty"`
	TimeoutMs int  `json:"timeoutMs,omitempty"`
}

// TracerResult is returned by command methods that do not wait.
type TracerResult struct {
	Tracer string `json:"tracer"`
}

// CallResult is returned by command methods that wait for the child.
type CallResult struct {
	Tracer string          `json:"tracer"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Route  string          `json:"route,omitempty"`
}

// NavigateParams are the params of "navigate". Route may be a profile route name.
type NavigateParams struct {
	Route string `json:"route"`
}

// CreateFileParams are the params of "createFile". When URL is set the file is named
// after the URL and created from it; otherwise File is sent as is.
type CreateFileParams struct {
	URL              string           `json:"url,omitempty"`
	Size             int64            `json:"size,omitempty"`
	ParentFolderUUID string           `json:"parent_folder_uuid,omitempty"`
	File             *json.RawMessage `json:"file,omitempty"`
}

// GrantURLParams are the params of "grantUrl".
type GrantURLParams struct {
	Tracer      string `json:"tracer,omitempty"`
	RedirectURL string `json:"redirect_url"`
}

// GrantURLResult is the result of "grantUrl".
type GrantURLResult struct {
	URL    string `json:"url"`
	Tracer string `json:"tracer"`
}

// AwaitParams are the params of "await".
type AwaitParams struct {
	Tracer string `json:"tracer"`
}
