package bus

import "time"

// Event kinds published across the daemon. Subscribers filter by
// namespace prefix, e.g. "conn." receives every connection event.
const (
	KindConnStateChanged = "conn.state_changed"
	KindBridgeInbound    = "bridge.inbound"

	KindChatsReplaced = "chats.replaced"
	KindChatUpdated   = "chats.updated"

	KindConvoOpened        = "convo.opened"
	KindConvoContextLoaded = "convo.context_loaded"
	KindConvoContextFailed = "convo.context_failed"
	KindConvoMessageSent   = "convo.message_sent"

	KindSuggestDisplayed = "suggest.displayed"
	KindSuggestCleared   = "suggest.cleared"

	KindCampaignStarted   = "campaign.started"
	KindCampaignTaskSent  = "campaign.task_sent"
	KindCampaignTaskError = "campaign.task_failed"
	KindCampaignCompleted = "campaign.completed"
	KindCampaignCancelled = "campaign.cancelled"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Now builds an event stamped with the current time.
func Now(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
