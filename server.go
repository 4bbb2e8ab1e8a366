package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// MCPServer routes protocol envelopes to the tool dispatcher.
type MCPServer struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewMCPServer creates a server over the given dispatcher.
func NewMCPServer(dispatcher *Dispatcher, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPServer{dispatcher: dispatcher, logger: logger.With("component", "server")}
}

// Serve reads one request per line from in and writes exactly one response line
// to out for each line it can handle. Lines that cannot be handled produce a
// diagnostic on diag instead. Serve returns nil when in reaches end of stream.
func (s *MCPServer) Serve(ctx context.Context, in io.Reader, out, diag io.Writer) error {
	reader := bufio.NewReader(in)
	respEnc := newLineEncoder(out)
	diagEnc := newLineEncoder(diag)

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			s.serveLine(ctx, strings.TrimRight(line, "\r\n"), respEnc, diagEnc)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("server closed")
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)
		}
	}
}

func (s *MCPServer) serveLine(ctx context.Context, line string, respEnc, diagEnc *json.Encoder) {
	response, err := s.HandleMessage(ctx, []byte(line))
	if err != nil {
		if encErr := diagEnc.Encode(Diagnostic{Error: err.Error()}); encErr != nil {
			s.logger.Error("failed to write diagnostic", "error", encErr)
		}
		return
	}
	if err := respEnc.Encode(response); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

// HandleMessage parses one envelope and returns its response. An error means the
// line gets no response, only a diagnostic.
func (s *MCPServer) HandleMessage(ctx context.Context, data []byte) (any, error) {
	req, err := parseRequest(data)
	if err != nil {
		return nil, err
	}
	return s.HandleRequest(ctx, req)
}

// parseRequest decodes a line as generic JSON. Only unparsable input and a bare
// null are errors; any other value is routed by its string method, if it has one.
func parseRequest(data []byte) (*Request, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("cannot read method of null request")
	}

	req := &Request{}
	if obj, ok := v.(map[string]any); ok {
		req.Method, _ = obj["method"].(string)
		req.Params = obj["params"]
	}
	return req, nil
}

// HandleRequest routes a parsed envelope by method.
func (s *MCPServer) HandleRequest(ctx context.Context, req *Request) (any, error) {
	switch req.Method {
	case MethodInitialize:
		return s.handleInitialize(), nil
	case MethodToolsList:
		return s.handleListTools(), nil
	case MethodToolsCall:
		params, err := parseCallParams(req.Params)
		if err != nil {
			return nil, err
		}
		return s.CallTool(ctx, params), nil
	default:
		return &UnknownMethodResult{Error: "Unknown method"}, nil
	}
}

func (s *MCPServer) handleInitialize() *InitializeResult {
	return &InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{},
		},
		ServerInfo: ServerInfo{
			Name:    ServerName,
			Version: ServerVersion,
		},
	}
}

func (s *MCPServer) handleListTools() *ListToolsResult {
	return &ListToolsResult{Tools: s.dispatcher.Tools()}
}

// CallTool invokes the dispatcher and wraps the outcome as a single text content
// block. Tool failures never escape: they become an isError result.
func (s *MCPServer) CallTool(ctx context.Context, params *CallToolParams) *CallToolResult {
	result, err := s.dispatcher.Call(ctx, params.Name, params.Arguments)
	if err != nil {
		return errorResult(err.Error())
	}

	text, err := marshalIndent(result)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to marshal result: %v", err))
	}
	return &CallToolResult{
		Content: []Content{{Type: "text", Text: text}},
	}
}

func errorResult(message string) *CallToolResult {
	return &CallToolResult{
		Content: []Content{{Type: "text", Text: "Error: " + message}},
		IsError: true,
	}
}

// parseCallParams lifts name and arguments out of a decoded params value. Absent
// or null params are an error. A params value that is not an object has no name,
// and arguments that are not an object count as empty, so the tool's own
// validation reports what is missing.
func parseCallParams(params any) (*CallToolParams, error) {
	if params == nil {
		return nil, fmt.Errorf("tools/call requires params")
	}
	obj, _ := params.(map[string]any)

	args, ok := obj["arguments"].(map[string]any)
	if !ok {
		args = map[string]any{}
	}
	return &CallToolParams{Name: toolName(obj["name"]), Arguments: args}, nil
}

// toolName renders a non-string name as its JSON text, so 7 reads as "7".
func toolName(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// newLineEncoder writes compact JSON, one value per line, without HTML escaping.
func newLineEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

func marshalIndent(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
