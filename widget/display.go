package widget

import (
	"strconv"
	"time"

	"chat-widget/adapters"
	"chat-widget/models"
)

type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusError   Status = "error"
)

const (
	DisplayTypeMessage = "message"
	DisplayTypeLoading = "loading"

	LoadingID         = "loading"
	ConnectionErrorID = "connection-error"
)

type DisplayMetadata struct {
	ContextUsed     *bool
	Confidence      *float64
	Error           models.ErrorKind
	ToolResults     []adapters.View
	SelectedProduct *models.Product
}

// DisplayMessage is what the presentation layer renders. History entries are
// numbered by position; placeholders use LoadingID and ConnectionErrorID.
type DisplayMessage struct {
	ID        string
	Type      string
	Content   string
	Sender    models.Role
	Timestamp time.Time
	Status    Status
	Metadata  DisplayMetadata
}

type entry struct {
	frame    models.InboundFrame
	received time.Time
}

func (e entry) display(index int) DisplayMessage {
	f := e.frame
	msg := DisplayMessage{
		ID:        strconv.Itoa(index),
		Type:      DisplayTypeMessage,
		Content:   f.Message,
		Sender:    f.Role,
		Timestamp: models.ParseTimestamp(f.Timestamp, e.received),
		Status:    StatusSent,
	}
	if msg.Sender == "" {
		msg.Sender = models.RoleAssistant
		if f.Type == models.FrameTypeError {
			msg.Sender = models.RoleSystem
		}
	}
	if f.Type == models.FrameTypeError || f.ErrorKind() != "" {
		msg.Status = StatusError
	}

	if md := f.Metadata; md != nil {
		msg.Metadata = DisplayMetadata{
			ContextUsed:     md.ContextUsed,
			Confidence:      md.Confidence,
			Error:           md.Error,
			SelectedProduct: md.SelectedProduct,
		}
		for _, tr := range md.ToolResults {
			msg.Metadata.ToolResults = append(msg.Metadata.ToolResults, adapters.Decode(tr))
		}
	}
	return msg
}

func loadingMessage(now time.Time) DisplayMessage {
	return DisplayMessage{
		ID:        LoadingID,
		Type:      DisplayTypeLoading,
		Content:   "Thinking...",
		Sender:    models.RoleAssistant,
		Timestamp: now,
		Status:    StatusSending,
	}
}

func connectionErrorMessage(text string, now time.Time) DisplayMessage {
	return DisplayMessage{
		ID:        ConnectionErrorID,
		Type:      DisplayTypeMessage,
		Content:   text,
		Sender:    models.RoleSystem,
		Timestamp: now,
		Status:    StatusError,
	}
}
