package suggest

import (
	"context"
	"fmt"

	"github.com/acamacho/chatsync/internal/bridge"
	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = "Eres el asistente de un reclutador que atiende candidatos " +
	"por WhatsApp. Continúa el borrador del reclutador de forma natural, en " +
	"español, breve y cordial. Responde únicamente con la continuación del " +
	"texto, sin comillas ni explicaciones. Si no hay nada útil que sugerir, " +
	"responde con una cadena vacía."

// OpenAIProvider generates completions directly against the OpenAI API,
// bypassing the bridge's assistant endpoint.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider builds a provider for the given API key. An empty model
// falls back to gpt-4o-mini.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIProvider{client: openai.NewClient(apiKey), model: model}
}

func (p *OpenAIProvider) Suggest(ctx context.Context, history []bridge.Message, currentText string) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.FromOperator {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Body})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: fmt.Sprintf("Borrador actual del reclutador: %q", currentText),
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		MaxTokens:   120,
		Temperature: 0.4,
	})
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
