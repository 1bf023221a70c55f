package invoker

import (
	"fmt"
	"strings"

	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/utils"
)

const systemPrompt = "You are an email triage assistant. Respond only with JSON."

const userPromptFormat = `Rate how much attention the following email deserves from its recipient.
Respond with a JSON object containing:
- score: integer from 1 (ignore) to 10 (needs attention now)
- confidence: number between 0 and 1
- reasoning: one short sentence

Email:
From: %s
Subject: %s
Flags: %s
Preview:
%s

Respond only with the JSON object and nothing else.`

// PromptBuilder renders emails into completion requests
type PromptBuilder struct {
	textProcessor   *utils.TextProcessor
	maxSnippetBytes int
}

// NewPromptBuilder creates a prompt builder that truncates previews to maxSnippetBytes
func NewPromptBuilder(textProcessor *utils.TextProcessor, maxSnippetBytes int) *PromptBuilder {
	if textProcessor == nil {
		textProcessor = utils.NewTextProcessor(nil)
	}
	return &PromptBuilder{
		textProcessor:   textProcessor,
		maxSnippetBytes: maxSnippetBytes,
	}
}

// Build returns a completion request for the email; the caller fills in the model
func (b *PromptBuilder) Build(email core.EmailFeatures) core.CompletionRequest {
	return core.CompletionRequest{
		System: systemPrompt,
		Prompt: fmt.Sprintf(userPromptFormat,
			utils.SanitizeUTF8(email.From),
			utils.SanitizeUTF8(email.Subject),
			describeFlags(email),
			b.textProcessor.ProcessText(email.Snippet, b.maxSnippetBytes),
		),
	}
}

func describeFlags(email core.EmailFeatures) string {
	var flags []string
	if email.Important {
		flags = append(flags, "important")
	}
	if email.Starred {
		flags = append(flags, "starred")
	}
	if email.Unread {
		flags = append(flags, "unread")
	}
	if email.HasAttachment {
		flags = append(flags, "has attachment")
	}
	if len(flags) == 0 {
		return "none"
	}
	return strings.Join(flags, ", ")
}
