package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(gw Gateway) *MCPServer {
	return NewMCPServer(newTestDispatcher(gw), discardLogger())
}

// serve runs the loop over input and returns the response and diagnostic lines.
func serve(t *testing.T, s *MCPServer, input string) ([]string, []string) {
	t.Helper()
	var out, diag bytes.Buffer
	if err := s.Serve(context.Background(), strings.NewReader(input), &out, &diag); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	return splitLines(out.String()), splitLines(diag.String())
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func decodeLine(t *testing.T, line string) map[string]any {
	t.Helper()
	return decodeJSONObject(t, line)
}

// toolText returns the text block of a tools/call response line.
func toolText(t *testing.T, line string) (string, bool) {
	t.Helper()
	var result CallToolResult
	if err := json.Unmarshal([]byte(line), &result); err != nil {
		t.Fatalf("invalid tool result %q: %v", line, err)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("expected one text block, got %+v", result.Content)
	}
	return result.Content[0].Text, result.IsError
}

func TestServe_Initialize(t *testing.T) {
	out, diag := serve(t, newTestServer(newFakeGateway()), `{"method":"initialize"}`+"\n")

	if len(out) != 1 || len(diag) != 0 {
		t.Fatalf("expected 1 response and no diagnostics, got %d/%d", len(out), len(diag))
	}
	got := decodeLine(t, out[0])
	if got["protocolVersion"] != ProtocolVersion {
		t.Errorf("unexpected protocolVersion %v", got["protocolVersion"])
	}
	info := got["serverInfo"].(map[string]any)
	if info["name"] != ServerName || info["version"] != ServerVersion {
		t.Errorf("unexpected serverInfo %v", info)
	}
	caps := got["capabilities"].(map[string]any)
	if _, ok := caps["tools"].(map[string]any); !ok {
		t.Errorf("expected tools capability object, got %v", caps)
	}
}

func TestServe_ListToolsIsStable(t *testing.T) {
	out, _ := serve(t, newTestServer(newFakeGateway()), "{\"method\":\"tools/list\"}\n{\"method\":\"tools/list\"}\n")

	if len(out) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(out))
	}
	if out[0] != out[1] {
		t.Error("tools/list output changed between calls")
	}
	var result ListToolsResult
	if err := json.Unmarshal([]byte(out[0]), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Tools) != 6 {
		t.Errorf("expected 6 tools, got %d", len(result.Tools))
	}
}

func TestServe_UnknownMethod(t *testing.T) {
	out, diag := serve(t, newTestServer(newFakeGateway()), `{"method":"resources/list"}`+"\n"+`{"id":1}`+"\n")

	if len(diag) != 0 {
		t.Fatalf("unexpected diagnostics %v", diag)
	}
	for _, line := range out {
		if line != `{"error":"Unknown method"}` {
			t.Errorf("unexpected response %s", line)
		}
	}
	if len(out) != 2 {
		t.Errorf("expected 2 responses, got %d", len(out))
	}
}

func TestServe_UnknownTool(t *testing.T) {
	out, _ := serve(t, newTestServer(newFakeGateway()), `{"method":"tools/call","params":{"name":"nope"}}`+"\n")

	if len(out) != 1 {
		t.Fatalf("expected 1 response, got %d", len(out))
	}
	text, isError := toolText(t, out[0])
	if !isError || text != "Error: Unknown tool: nope" {
		t.Errorf("unexpected result %q isError=%v", text, isError)
	}
}

func TestServe_MalformedLineContinues(t *testing.T) {
	input := "this is not json\n" + `{"method":"initialize"}` + "\n"
	out, diag := serve(t, newTestServer(newFakeGateway()), input)

	if len(diag) != 1 {
		t.Fatalf("expected 1 diagnostic, got %v", diag)
	}
	if msg, _ := decodeLine(t, diag[0])["error"].(string); msg == "" {
		t.Errorf("diagnostic without message: %s", diag[0])
	}
	if len(out) != 1 || !strings.Contains(out[0], ProtocolVersion) {
		t.Errorf("expected the following line to be served, got %v", out)
	}
}

func TestServe_EmptyLineIsDiagnosed(t *testing.T) {
	out, diag := serve(t, newTestServer(newFakeGateway()), "\n"+`{"method":"initialize"}`+"\n")

	if len(diag) != 1 {
		t.Errorf("expected 1 diagnostic, got %v", diag)
	}
	if len(out) != 1 {
		t.Errorf("expected 1 response, got %v", out)
	}
}

func TestServe_ToolsCallWithoutParams(t *testing.T) {
	input := `{"method":"tools/call"}` + "\n" + `{"method":"tools/call","params":null}` + "\n"
	out, diag := serve(t, newTestServer(newFakeGateway()), input)

	if len(out) != 0 {
		t.Errorf("expected no responses, got %v", out)
	}
	if len(diag) != 2 {
		t.Errorf("expected 2 diagnostics, got %v", diag)
	}
}

func TestServe_FinalLineWithoutNewline(t *testing.T) {
	out, _ := serve(t, newTestServer(newFakeGateway()), `{"method":"initialize"}`)

	if len(out) != 1 {
		t.Errorf("expected the unterminated line to be served, got %v", out)
	}
}

func TestServe_CRLFInput(t *testing.T) {
	out, diag := serve(t, newTestServer(newFakeGateway()), "{\"method\":\"initialize\"}\r\n")

	if len(out) != 1 || len(diag) != 0 {
		t.Errorf("expected CRLF line to be served, got out=%v diag=%v", out, diag)
	}
}

func TestServe_QueryTableScenario(t *testing.T) {
	gw := newFakeGateway()
	for i := 1; i <= 5; i++ {
		gw.tables["users"] = append(gw.tables["users"], Row{"id": float64(i), "name": "user"})
	}

	out, _ := serve(t, newTestServer(gw), `{"method":"tools/call","params":{"name":"query_table","arguments":{"table":"users","limit":2}}}`+"\n")

	if len(out) != 1 {
		t.Fatalf("expected 1 response, got %d", len(out))
	}
	text, isError := toolText(t, out[0])
	if isError {
		t.Fatalf("unexpected error result %s", text)
	}
	if !strings.Contains(text, "\n  \"count\": 2") {
		t.Errorf("expected pretty-printed payload with count 2, got\n%s", text)
	}

	var payload QueryTableResult
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload.Count != 2 || len(payload.Data) != 2 {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestServe_DeleteScenario(t *testing.T) {
	out, _ := serve(t, newTestServer(newFakeGateway()), `{"method":"tools/call","params":{"name":"delete_row","arguments":{"table":"users","id":"abc"}}}`+"\n")

	text, isError := toolText(t, out[0])
	if isError {
		t.Fatalf("unexpected error result %s", text)
	}
	var payload DeleteRowResult
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if !payload.Success || payload.Message != "Row abc deleted" {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestServe_ToolFailureBecomesErrorResult(t *testing.T) {
	gw := newFakeGateway()
	gw.err = &ServiceError{Message: "permission denied for table users"}

	out, diag := serve(t, newTestServer(gw), `{"method":"tools/call","params":{"name":"insert_row","arguments":{"table":"users","data":{"a":1}}}}`+"\n")

	if len(diag) != 0 {
		t.Errorf("tool failures must not be diagnostics: %v", diag)
	}
	text, isError := toolText(t, out[0])
	if !isError || text != "Error: Insert failed: permission denied for table users" {
		t.Errorf("unexpected result %q isError=%v", text, isError)
	}
}

func TestServe_NoHTMLEscaping(t *testing.T) {
	gw := newFakeGateway()
	gw.rpc = []any{map[string]any{"expr": "a<b && c>d"}}

	out, _ := serve(t, newTestServer(gw), `{"method":"tools/call","params":{"name":"execute_sql","arguments":{"query":"select 'a<b && c>d' as expr"}}}`+"\n")

	text, _ := toolText(t, out[0])
	if !strings.Contains(text, "a<b && c>d") {
		t.Errorf("expected unescaped text, got %s", text)
	}
	if strings.Contains(out[0], `\u003c`) {
		t.Errorf("response line is HTML-escaped: %s", out[0])
	}
}

func TestServe_ResponsePerLine(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString(`{"method":"tools/list"}` + "\n")
	}
	out, diag := serve(t, newTestServer(newFakeGateway()), b.String())

	if len(out) != 10 || len(diag) != 0 {
		t.Errorf("expected 10 responses, got %d (diag %d)", len(out), len(diag))
	}
}

func TestServe_NullLineIsDiagnosed(t *testing.T) {
	out, diag := serve(t, newTestServer(newFakeGateway()), "null\n"+`{"method":"initialize"}`+"\n")

	if len(diag) != 1 {
		t.Errorf("expected 1 diagnostic, got %v", diag)
	}
	if len(out) != 1 || !strings.Contains(out[0], ProtocolVersion) {
		t.Errorf("expected only the following line to be answered, got %v", out)
	}
}

func TestServe_NonStringMethodIsUnknown(t *testing.T) {
	lines := []string{
		`{"method":5}`,
		`{"method":null}`,
		`{"method":["initialize"]}`,
		`5`,
		`"initialize"`,
		`[{"method":"initialize"}]`,
		`true`,
	}
	out, diag := serve(t, newTestServer(newFakeGateway()), strings.Join(lines, "\n")+"\n")

	if len(diag) != 0 {
		t.Fatalf("valid JSON must not be diagnosed: %v", diag)
	}
	if len(out) != len(lines) {
		t.Fatalf("expected %d responses, got %d", len(lines), len(out))
	}
	for i, line := range out {
		if line != `{"error":"Unknown method"}` {
			t.Errorf("%s: unexpected response %s", lines[i], line)
		}
	}
}

func TestServe_ToolsCallLooseParams(t *testing.T) {
	gw := newFakeGateway()
	gw.names = []string{"users"}

	tests := []struct {
		line      string
		wantError bool
		wantText  string
	}{
		{`{"method":"tools/call","params":{"name":7}}`, true, "Error: Unknown tool: 7"},
		{`{"method":"tools/call","params":{"name":true}}`, true, "Error: Unknown tool: true"},
		{`{"method":"tools/call","params":{}}`, true, "Error: Unknown tool: null"},
		{`{"method":"tools/call","params":5}`, true, "Error: Unknown tool: null"},
		{`{"method":"tools/call","params":{"name":"list_tables","arguments":"x"}}`, false, ""},
		{`{"method":"tools/call","params":{"name":"list_tables","arguments":[1,2]}}`, false, ""},
		{`{"method":"tools/call","params":{"name":"query_table","arguments":"x"}}`, true, "Error: Query failed: missing or invalid 'table' argument"},
		{`{"method":"tools/call","params":{"name":"execute_sql","arguments":null}}`, true, "Error: SQL execution failed: missing or invalid 'query' argument"},
		{`{"method":"tools/call","params":{"name":"delete_row","arguments":{"table":"users","id":{"a":1}}}}`, true, "Error: Delete failed: missing or invalid 'id' argument"},
	}

	for _, tc := range tests {
		t.Run(tc.line, func(t *testing.T) {
			out, diag := serve(t, newTestServer(gw), tc.line+"\n")
			if len(diag) != 0 || len(out) != 1 {
				t.Fatalf("expected exactly one response, got out=%v diag=%v", out, diag)
			}
			text, isError := toolText(t, out[0])
			if isError != tc.wantError {
				t.Fatalf("expected isError=%v, got %v (%s)", tc.wantError, isError, text)
			}
			if tc.wantError && text != tc.wantText {
				t.Errorf("expected %q, got %q", tc.wantText, text)
			}
			if !tc.wantError && !strings.Contains(text, `"users"`) {
				t.Errorf("expected table listing, got %s", text)
			}
		})
	}
}

func TestParseRequest(t *testing.T) {
	req, err := parseRequest([]byte(`{"method":"tools/call","params":{"name":"list_tables"}}`))
	if err != nil {
		t.Fatalf("parseRequest: %v", err)
	}
	if req.Method != MethodToolsCall {
		t.Errorf("unexpected method %q", req.Method)
	}
	if params, ok := req.Params.(map[string]any); !ok || params["name"] != ToolListTables {
		t.Errorf("unexpected params %#v", req.Params)
	}

	if _, err := parseRequest([]byte("null")); err == nil {
		t.Error("expected null to be rejected")
	}
	if _, err := parseRequest([]byte("{")); err == nil {
		t.Error("expected invalid JSON to be rejected")
	}
}
