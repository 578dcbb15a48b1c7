package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/engramlabs/engram/internal/tools"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	registry := tools.NewRegistry(nil, nil)
	err := registry.Register(tools.Tool{
		Name:        "echo",
		Description: "returns its arguments",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"message": {"type": "string"}},
			"required": ["message"]
		}`),
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"echo": args["message"]}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = registry.Register(tools.Tool{
		Name:        "failing",
		Description: "always fails",
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("backend down")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return NewServer(registry, ServerInfo{Name: "engram", Version: "test"}, nil, nil)
}

func handleJSON(t *testing.T, s *Server, raw string) *JSONRPCResponse {
	t.Helper()
	return s.Handle(context.Background(), []byte(raw), "test")
}

func TestInitialize(t *testing.T) {
	s := newTestServer(t)
	resp := handleJSON(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if resp == nil || resp.Error != nil {
		t.Fatalf("resp = %+v", resp)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocolVersion = %q", result.ProtocolVersion)
	}
	if result.Capabilities.Tools == nil {
		t.Error("tools capability missing")
	}
	if result.ServerInfo.Name != "engram" {
		t.Errorf("serverInfo.name = %q", result.ServerInfo.Name)
	}
}

func TestNotificationGetsNoResponse(t *testing.T) {
	s := newTestServer(t)
	resp := handleJSON(t, s, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if resp != nil {
		t.Errorf("notification answered: %+v", resp)
	}
}

func TestToolsList(t *testing.T) {
	s := newTestServer(t)
	resp := handleJSON(t, s, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if resp == nil || resp.Error != nil {
		t.Fatalf("resp = %+v", resp)
	}

	var result struct {
		Tools []tools.Descriptor `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Tools) != 2 {
		t.Fatalf("tools = %d", len(result.Tools))
	}
	if result.Tools[0].Name != "echo" {
		t.Errorf("first tool = %q", result.Tools[0].Name)
	}
	if len(result.Tools[0].InputSchema) == 0 {
		t.Error("inputSchema missing from listing")
	}
}

func TestToolsCall(t *testing.T) {
	s := newTestServer(t)
	resp := handleJSON(t, s,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`)
	if resp == nil || resp.Error != nil {
		t.Fatalf("resp = %+v", resp)
	}

	var result ToolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("content = %+v", result.Content)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].Text), &payload); err != nil {
		t.Fatal(err)
	}
	if payload["echo"] != "hi" {
		t.Errorf("payload = %v", payload)
	}
}

func TestToolsCallHandlerError(t *testing.T) {
	s := newTestServer(t)
	resp := handleJSON(t, s,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"failing"}}`)
	if resp == nil || resp.Error == nil {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Error.Code != ErrCodeInternalError {
		t.Errorf("code = %d, want %d", resp.Error.Code, ErrCodeInternalError)
	}
	if resp.Result != nil {
		t.Error("response carries both result and error")
	}
}

func TestToolsCallUnknownTool(t *testing.T) {
	s := newTestServer(t)
	resp := handleJSON(t, s,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"missing"}}`)
	if resp == nil || resp.Error == nil || resp.Error.Code != ErrCodeInvalidParams {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestToolsCallMissingName(t *testing.T) {
	s := newTestServer(t)
	resp := handleJSON(t, s,
		`{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{}}`)
	if resp == nil || resp.Error == nil || resp.Error.Code != ErrCodeInvalidParams {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestUnknownMethod(t *testing.T) {
	s := newTestServer(t)
	resp := handleJSON(t, s, `{"jsonrpc":"2.0","id":7,"method":"resources/list"}`)
	if resp == nil || resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Fatalf("resp = %+v", resp)
	}
	if id, ok := resp.ID.(float64); !ok || id != 7 {
		t.Errorf("id = %v", resp.ID)
	}
}

func TestParseError(t *testing.T) {
	s := newTestServer(t)
	resp := handleJSON(t, s, `{not json`)
	if resp == nil || resp.Error == nil || resp.Error.Code != ErrCodeParseError {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.ID != nil {
		t.Errorf("parse error id = %v, want null", resp.ID)
	}
}

func TestResponseHasResultXorError(t *testing.T) {
	s := newTestServer(t)
	for _, raw := range []string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		`{"jsonrpc":"2.0","id":2,"method":"nope"}`,
	} {
		resp := handleJSON(t, s, raw)
		if resp == nil {
			t.Fatalf("no response for %s", raw)
		}
		hasResult := resp.Result != nil
		hasError := resp.Error != nil
		if hasResult == hasError {
			t.Errorf("result=%v error=%v for %s", hasResult, hasError, raw)
		}
	}
}
