package prompts

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"chat-widget/models"
)

func searchFrame(result string) models.InboundFrame {
	return models.InboundFrame{
		Type:    models.FrameTypeMessage,
		Role:    models.RoleAssistant,
		Message: "results",
		Metadata: &models.FrameMetadata{
			ToolResults: []models.ToolResult{{Tool: "product_search", Result: json.RawMessage(result)}},
		},
	}
}

func TestClassify(t *testing.T) {
	oneItem := `"{\"data\":[{\"name\":\"Laptop\",\"price\":999}],\"metadata\":{\"total_results\":1}}"`
	empty := `"{\"data\":[],\"metadata\":{\"total_results\":0}}"`
	payloadError := `{"data":[],"metadata":{"error":"system_error"}}`

	serverError := searchFrame(oneItem)
	serverError.Metadata.Error = models.ErrorTimeout

	tests := []struct {
		name         string
		frame        models.InboundFrame
		hasSelection bool
		want         Context
		changed      bool
	}{
		{"server error wins", serverError, false, ContextError, true},
		{"results without selection", searchFrame(oneItem), false, ContextResultInteraction, true},
		{"results with selection", searchFrame(oneItem), true, ContextProductDetail, true},
		{"empty results", searchFrame(empty), false, ContextNoResults, true},
		{"payload error", searchFrame(payloadError), false, ContextError, true},
		{"undecodable payload", searchFrame(`"{oops"`), false, ContextError, true},
		{
			"other tool leaves context",
			models.InboundFrame{
				Type: models.FrameTypeMessage, Role: models.RoleUser, Message: "find shoes",
				Metadata: &models.FrameMetadata{ToolResults: []models.ToolResult{{Tool: "code", Result: json.RawMessage(`{}`)}}},
			},
			false, "", false,
		},
		{"user search intent", models.InboundFrame{Type: "message", Role: models.RoleUser, Message: "Can you FIND me a laptop?"}, false, ContextProductSearch, true},
		{"user price question", models.InboundFrame{Type: "message", Role: models.RoleUser, Message: "what's the price"}, false, ContextProductSearch, true},
		{"keyword inside word", models.InboundFrame{Type: "message", Role: models.RoleUser, Message: "products are nice, showcase"}, false, "", false},
		{"assistant text ignored", models.InboundFrame{Type: "message", Role: models.RoleAssistant, Message: "let me search"}, false, "", false},
		{"small talk", models.InboundFrame{Type: "message", Role: models.RoleUser, Message: "hello there"}, false, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := Classify(tt.frame, tt.hasSelection)
			assert.Equal(t, tt.changed, changed)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyUserText(t *testing.T) {
	ctx, ok := ClassifyUserText("find me a laptop")
	assert.True(t, ok)
	assert.Equal(t, ContextProductSearch, ctx)

	_, ok = ClassifyUserText("thanks!")
	assert.False(t, ok)
}

func TestInstructionTable(t *testing.T) {
	seen := map[string]bool{}
	for _, ctx := range Contexts() {
		text := Instruction(ctx)
		assert.True(t, strings.HasPrefix(text, Tag), ctx)
		assert.True(t, IsInstruction(text), ctx)
		assert.Greater(t, len(text), len(Tag), ctx)
		assert.False(t, seen[text], "duplicate instruction for %s", ctx)
		seen[text] = true
	}

	assert.Equal(t, Instruction(ContextInitial), Instruction(Context("bogus")))
}

func TestIsInstruction(t *testing.T) {
	assert.True(t, IsInstruction("[SYSTEM PROMPT] do things"))
	assert.True(t, IsInstruction("[SYSTEM PROMPT]do things"))
	assert.False(t, IsInstruction("hello [SYSTEM PROMPT]"))
	assert.False(t, IsInstruction(""))
}
