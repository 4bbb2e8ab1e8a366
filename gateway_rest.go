package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// RESTGateway talks to the hosted service through its PostgREST endpoints.
type RESTGateway struct {
	baseURL string
	apiKey  string
	schema  string
	http    *http.Client
}

// NewRESTGateway returns a gateway for the project at projectURL. If httpClient is nil,
// http.DefaultClient is used, so no timeout is applied beyond the transport's own.
func NewRESTGateway(projectURL, apiKey, schema string, httpClient *http.Client) *RESTGateway {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RESTGateway{
		baseURL: strings.TrimRight(projectURL, "/") + "/rest/v1",
		apiKey:  apiKey,
		schema:  schema,
		http:    httpClient,
	}
}

func (g *RESTGateway) ListTables(ctx context.Context, schema string) ([]string, error) {
	q := url.Values{}
	q.Set("select", "table_name")
	q.Set("table_schema", "eq."+schema)

	var rows []Row
	if err := g.do(ctx, http.MethodGet, "information_schema.tables", q, nil, "", &rows); err != nil {
		return nil, err
	}

	tables := make([]string, 0, len(rows))
	for _, r := range rows {
		if name, ok := r["table_name"].(string); ok {
			tables = append(tables, name)
		}
	}
	return tables, nil
}

func (g *RESTGateway) Select(ctx context.Context, table string, filters []Filter, limit int) ([]Row, error) {
	q := url.Values{}
	q.Set("select", "*")
	for _, f := range filters {
		q.Add(f.Column, encodeFilter(f))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}

	rows := []Row{}
	if err := g.do(ctx, http.MethodGet, tablePath(table), q, nil, "", &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (g *RESTGateway) Insert(ctx context.Context, table string, row Row) ([]Row, error) {
	q := url.Values{}
	q.Set("select", "*")

	rows := []Row{}
	if err := g.do(ctx, http.MethodPost, tablePath(table), q, []Row{row}, "return=representation", &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (g *RESTGateway) Update(ctx context.Context, table string, id any, data Row) ([]Row, error) {
	q := url.Values{}
	q.Set(idColumn, "eq."+formatScalar(id))
	q.Set("select", "*")

	rows := []Row{}
	if err := g.do(ctx, http.MethodPatch, tablePath(table), q, data, "return=representation", &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (g *RESTGateway) Delete(ctx context.Context, table string, id any) error {
	q := url.Values{}
	q.Set(idColumn, "eq."+formatScalar(id))
	return g.do(ctx, http.MethodDelete, tablePath(table), q, nil, "return=minimal", nil)
}

func (g *RESTGateway) RPC(ctx context.Context, fn string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	var result any
	if err := g.do(ctx, http.MethodPost, "rpc/"+url.PathEscape(fn), nil, args, "", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Close is a no-op; the http.Client is shared and holds no per-gateway state.
func (g *RESTGateway) Close() error { return nil }

// tablePath escapes a table name into a single path segment, so characters like
// ? and & cannot add query parameters of their own.
func tablePath(table string) string {
	return url.PathEscape(table)
}

// do performs one request against baseURL/path and decodes a JSON body into out
// when out is non-nil and the response has content.
func (g *RESTGateway) do(ctx context.Context, method, path string, q url.Values, body any, prefer string, out any) error {
	reqURL := g.baseURL + "/" + path
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", g.apiKey)
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	if g.schema != "" && g.schema != defaultSchema {
		if method == http.MethodGet || method == http.MethodHead {
			req.Header.Set("Accept-Profile", g.schema)
		} else {
			req.Header.Set("Content-Profile", g.schema)
		}
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeServiceError(resp.StatusCode, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeServiceError(status int, body []byte) error {
	se := &ServiceError{Status: status}
	if err := json.Unmarshal(body, se); err != nil || se.Message == "" {
		se.Message = strings.TrimSpace(string(body))
		if se.Message == "" {
			se.Message = http.StatusText(status)
		}
	}
	se.Status = status
	return se
}

// encodeFilter renders a filter as a PostgREST operator expression.
func encodeFilter(f Filter) string {
	switch f.Op {
	case OpIs:
		return "is.null"
	case OpIn:
		values, _ := f.Value.([]any)
		parts := make([]string, 0, len(values))
		for _, v := range values {
			if s, isString := v.(string); isString {
				parts = append(parts, quoteListValue(s))
				continue
			}
			parts = append(parts, encodeValue(v))
		}
		return "in.(" + strings.Join(parts, ",") + ")"
	case OpContains:
		return "cs." + encodeValue(f.Value)
	default:
		return "eq." + encodeValue(f.Value)
	}
}

func encodeValue(v any) string {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	default:
		return formatScalar(v)
	}
}

// listReserved are the characters that force a list value into double quotes.
const listReserved = ",.:()\"\\ \t\r\n"

// quoteListValue double-quotes a string for an in.(...) list when it is empty or
// holds a reserved character, backslash-escaping quotes and backslashes inside.
func quoteListValue(s string) string {
	if s != "" && !strings.ContainsAny(s, listReserved) {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}
