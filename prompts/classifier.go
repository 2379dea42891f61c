package prompts

import (
	"regexp"

	"chat-widget/adapters"
	"chat-widget/models"
)

var searchIntent = regexp.MustCompile(`(?i)\b(find|search|show|look|product|price)\b`)

// Classify returns the context a frame moves the conversation into. The
// boolean is false when the frame leaves the context unchanged.
//
// Server errors win over tool results, and tool results win over the keyword
// heuristic applied to user text. hasSelection routes fresh results to the
// product detail context.
func Classify(frame models.InboundFrame, hasSelection bool) (Context, bool) {
	if frame.ErrorKind() != "" {
		return ContextError, true
	}

	if results := frame.ToolResults(); len(results) > 0 {
		first := results[0]
		if adapters.Kind(first.Tool) != adapters.KindProductSearch {
			return "", false
		}
		return classifySearch(first, hasSelection), true
	}

	if frame.Role == models.RoleUser && searchIntent.MatchString(frame.Message) {
		return ContextProductSearch, true
	}
	return "", false
}

// ClassifyUserText classifies text the user is about to send.
func ClassifyUserText(text string) (Context, bool) {
	return Classify(models.InboundFrame{
		Type:    models.FrameTypeMessage,
		Role:    models.RoleUser,
		Message: text,
	}, false)
}

func classifySearch(tr models.ToolResult, hasSelection bool) Context {
	result, err := adapters.DecodeProductSearch(tr.Result)
	switch {
	case err != nil, result.Metadata.Error != "":
		return ContextError
	case len(result.Data) == 0:
		return ContextNoResults
	case hasSelection:
		return ContextProductDetail
	default:
		return ContextResultInteraction
	}
}
