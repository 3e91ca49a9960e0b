// Package suggest produces inline reply completions for the operator's
// draft. Suggestions are advisory: they appear, get accepted into the draft,
// or vanish on the next keystroke. A failed or stale lookup is silent.
package suggest

import (
	"context"

	"github.com/acamacho/chatsync/internal/bridge"
)

// historyWindow is how many trailing messages travel with each request.
const historyWindow = 5

// Provider computes a completion for the draft given recent history. An
// empty result is a valid answer meaning "nothing to suggest".
type Provider interface {
	Suggest(ctx context.Context, history []bridge.Message, currentText string) (string, error)
}

// ReplySuggester is the bridge client method the default provider wraps.
type ReplySuggester interface {
	SuggestReply(ctx context.Context, history []bridge.Message, currentText string) (string, error)
}

// BridgeProvider delegates to the bridge's assistant endpoint.
type BridgeProvider struct {
	client ReplySuggester
}

// NewBridgeProvider wraps the bridge client as a Provider.
func NewBridgeProvider(c ReplySuggester) *BridgeProvider {
	return &BridgeProvider{client: c}
}

func (p *BridgeProvider) Suggest(ctx context.Context, history []bridge.Message, currentText string) (string, error) {
	return p.client.SuggestReply(ctx, history, currentText)
}

// lastN returns the trailing n messages.
func lastN(msgs []bridge.Message, n int) []bridge.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
