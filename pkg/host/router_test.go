package host

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/officexapp/iframe-host/pkg/envelope"
)

func TestClassifySuccess(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		action RestAction
		want   ResourceKind
	}{
		{name: "explicit folder wins over action", data: `{"resource_kind":"FOLDER","message":"File created"}`, action: ActionCreateFile, want: ResourceFolder},
		{name: "explicit lowercase", data: `{"resource_kind":"file"}`, want: ResourceFile},
		{name: "action when no kind", data: `{"message":"Folder created"}`, action: ActionCreateFile, want: ResourceFile},
		{name: "heuristic folder", data: `{"message":"Folder created successfully"}`, want: ResourceFolder},
		{name: "heuristic file", data: `{"message":"File created successfully"}`, want: ResourceFile},
		{name: "heuristic is case sensitive", data: `{"message":"created a folder"}`, want: ""},
		{name: "no data", data: ``, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifySuccess(json.RawMessage(tt.data), tt.action); got != tt.want {
				t.Errorf("host:router_test - classifySuccess = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		errMsg string
		action RestAction
		want   ResourceKind
	}{
		{name: "explicit kind", data: `{"resource_kind":"FOLDER"}`, errMsg: "nope", want: ResourceFolder},
		{name: "action", errMsg: "nope", action: ActionCreateFolder, want: ResourceFolder},
		{name: "mentions folder", errMsg: "could not create folder", want: ResourceFolder},
		{name: "defaults to file", errMsg: "quota exceeded", want: ResourceFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyFailure(json.RawMessage(tt.data), tt.errMsg, tt.action); got != tt.want {
				t.Errorf("host:router_test - classifyFailure = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorText(t *testing.T) {
	tests := map[string]string{
		``:              "",
		`null`:          "",
		`"boom"`:        "boom",
		`{"code":"E1"}`: `{"code":"E1"}`,
	}
	for in, want := range tests {
		if got := errorText(json.RawMessage(in)); got != want {
			t.Errorf("host:router_test - errorText(%s) = %q, want %q", in, got, want)
		}
	}
	if got := failureText(nil); got != "unknown error" {
		t.Errorf("host:router_test - failureText(nil) = %q", got)
	}
}

func TestRestCommandResponses_BucketByAction(t *testing.T) {
	th := newTestHost(t, nil)
	th.makeReady(t)

	folder, err := th.CreateFolder(CreateFolderPayload{Name: "My New Folder"})
	if err != nil {
		t.Fatalf("host:router_test - CreateFolder: %v", err)
	}
	file, err := th.CreateFileFromURL("https://bitcoin.org/bitcoin.pdf", 1024, "")
	if err != nil {
		t.Fatalf("host:router_test - CreateFile: %v", err)
	}

	// Both messages mention "File"; the pending action decides the bucket.
	th.reply(t, envelope.TypeRestCommandResponse, folder, `{"success":true,"data":{"message":"File system folder created"}}`)
	th.reply(t, envelope.TypeRestCommandResponse, file, `{"success":false,"error":"File too large"}`)

	snap := th.Snapshot()
	if snap.LastFolder == nil || !snap.LastFolder.Success || snap.LastFolder.Tracer != folder {
		t.Errorf("host:router_test - last folder = %+v", snap.LastFolder)
	}
	if snap.LastFile == nil || snap.LastFile.Success || snap.LastFile.Error != "File too large" {
		t.Errorf("host:router_test - last file = %+v", snap.LastFile)
	}
	if snap.LastCommand == nil || snap.LastCommand.Tracer != file {
		t.Errorf("host:router_test - last command = %+v", snap.LastCommand)
	}
	if snap.Phase != PhaseReady {
		t.Errorf("host:router_test - directory failure changed phase to %s", snap.Phase)
	}
}

func TestRestCommandResponse_UntrackedUsesHeuristic(t *testing.T) {
	th := newTestHost(t, nil)
	th.makeReady(t)
	th.reply(t, envelope.TypeRestCommandResponse, "someone-else-1", `{"success":true,"data":{"message":"Folder created"}}`)
	snap := th.Snapshot()
	if snap.LastFolder == nil || snap.LastFile != nil {
		t.Errorf("host:router_test - snapshot = %+v", snap)
	}
}

func TestProtocolVersionMismatchDoesNotFailInit(t *testing.T) {
	th := newTestHost(t, func(c *Config) { c.ProtocolConstraint = "^2.0.0" })
	th.FrameLoaded(time.Now())
	tracer, _ := th.InitEphemeral()
	th.reply(t, envelope.TypeInitResponse, tracer, `{"success":true,"data":{"protocol_version":"1.4.0"}}`)
	snap := th.Snapshot()
	if snap.Phase != PhaseReady || snap.Init.ProtocolVersion != "1.4.0" {
		t.Errorf("host:router_test - snapshot = %+v", snap)
	}
}
