package adapters

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"chat-widget/models"
)

// Kind identifies a decoded tool result variant.
type Kind string

const (
	KindProductSearch Kind = "product_search"
	KindCode          Kind = "code"
	KindSearch        Kind = "search"
	KindTable         Kind = "table"
	KindChart         Kind = "chart"
	KindUnknown       Kind = "unknown"
)

// View is a tool result decoded for rendering. Decode never fails; payloads
// it cannot make sense of come back as *Unknown.
type View interface {
	Kind() Kind
}

type SearchMetadata struct {
	SearchType   string `json:"search_type,omitempty"`
	TotalResults int    `json:"total_results"`
	Query        string `json:"query,omitempty"`
	Error        string `json:"error,omitempty"`
}

type ProductSearch struct {
	Data     []models.Product `json:"data"`
	Metadata SearchMetadata   `json:"metadata"`
}

type Code struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

type SearchItem struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	URL         string   `json:"url,omitempty"`
	Score       *float64 `json:"score,omitempty"`
}

type Search struct {
	Query   string       `json:"query"`
	Results []SearchItem `json:"results"`
}

type Column struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Width int    `json:"width,omitempty"`
}

type Table struct {
	Columns []Column         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	Caption string           `json:"caption,omitempty"`
}

// Chart has no dedicated renderer yet; Dump holds the indented payload.
type Chart struct {
	Dump string
}

type Unknown struct {
	Tool string
	Dump string
}

func (*ProductSearch) Kind() Kind { return KindProductSearch }
func (*Code) Kind() Kind          { return KindCode }
func (*Search) Kind() Kind        { return KindSearch }
func (*Table) Kind() Kind         { return KindTable }
func (*Chart) Kind() Kind         { return KindChart }
func (*Unknown) Kind() Kind       { return KindUnknown }

var errEmptyPayload = errors.New("empty tool payload")

// Payload unwraps a tool result that was shipped as a JSON-encoded string.
// Inline objects are returned unchanged.
func Payload(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, errEmptyPayload
	}
	if trimmed[0] != '"' {
		return trimmed, nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, fmt.Errorf("failed to unquote tool payload: %w", err)
	}
	return []byte(s), nil
}

// DecodeProductSearch parses the product_search payload.
func DecodeProductSearch(raw json.RawMessage) (*ProductSearch, error) {
	payload, err := Payload(raw)
	if err != nil {
		return nil, err
	}
	var result ProductSearch
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product search result: %w", err)
	}
	return &result, nil
}

// Decode maps a tool result onto its view by tool identifier.
func Decode(tr models.ToolResult) View {
	var (
		view View
		err  error
	)
	switch Kind(tr.Tool) {
	case KindProductSearch:
		view, err = DecodeProductSearch(tr.Result)
	case KindCode:
		view, err = decodeInto(tr.Result, &Code{})
	case KindSearch:
		view, err = decodeInto(tr.Result, &Search{})
	case KindTable:
		view, err = decodeInto(tr.Result, &Table{})
	case KindChart:
		return &Chart{Dump: dump(tr.Result)}
	default:
		return &Unknown{Tool: tr.Tool, Dump: dump(tr.Result)}
	}
	if err != nil {
		return &Unknown{Tool: tr.Tool, Dump: dump(tr.Result)}
	}
	return view
}

func decodeInto[T View](raw json.RawMessage, v T) (View, error) {
	payload, err := Payload(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, err
	}
	return v, nil
}

// dump renders a payload for generic display: indented JSON when it parses,
// the raw text otherwise.
func dump(raw json.RawMessage) string {
	payload, err := Payload(raw)
	if err != nil {
		return string(raw)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, payload, "", "  "); err != nil {
		return string(payload)
	}
	return out.String()
}
