package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Frame types the widget knows how to display. Anything else is ignored.
const (
	FrameTypeMessage = "message"
	FrameTypeError   = "error"
)

// ErrorKind is the server-signaled failure carried in metadata.error.
type ErrorKind string

const (
	ErrorTimeout   ErrorKind = "timeout"
	ErrorCancelled ErrorKind = "cancelled"
	ErrorSystem    ErrorKind = "system_error"
)

// ToolResult keeps the payload raw: services send it either as a JSON-encoded
// string or as an inline object.
type ToolResult struct {
	Tool   string          `json:"tool"`
	Result json.RawMessage `json:"result"`
}

type ProductScores struct {
	Hybrid float64 `json:"hybrid"`
}

type Product struct {
	Category    string        `json:"category"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Price       float64       `json:"price"`
	SignedURL   string        `json:"signed_url,omitempty"`
	Scores      ProductScores `json:"scores"`
}

type FrameMetadata struct {
	Error           ErrorKind    `json:"error,omitempty"`
	ToolResults     []ToolResult `json:"tool_results,omitempty"`
	SelectedProduct *Product     `json:"selected_product,omitempty"`
	ContextUsed     *bool        `json:"context_used,omitempty"`
	Confidence      *float64     `json:"confidence,omitempty"`
}

type InboundFrame struct {
	Type      string         `json:"type"`
	Role      Role           `json:"role,omitempty"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp,omitempty"`
	Metadata  *FrameMetadata `json:"metadata,omitempty"`
}

type OutboundFrame struct {
	Message string `json:"message"`
}

// ErrorKind returns the server-signaled error, if any.
func (f InboundFrame) ErrorKind() ErrorKind {
	if f.Metadata == nil {
		return ""
	}
	return f.Metadata.Error
}

func (f InboundFrame) ToolResults() []ToolResult {
	if f.Metadata == nil {
		return nil
	}
	return f.Metadata.ToolResults
}

// Displayable reports whether the frame belongs in chat history.
func (f InboundFrame) Displayable() bool {
	return f.Type == FrameTypeMessage || f.Type == FrameTypeError
}

// DecodeInbound parses a raw websocket payload into an InboundFrame.
func DecodeInbound(data []byte) (InboundFrame, error) {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return InboundFrame{}, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	return frame, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts RFC 3339 as well as zone-less ISO 8601 timestamps.
// Unparseable or empty input yields fallback.
func ParseTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return fallback
}
