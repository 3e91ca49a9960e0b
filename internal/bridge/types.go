package bridge

// ChatSummary is one entry of the bridge's full conversation list.
type ChatSummary struct {
	ID               string  `json:"id"`
	DisplayName      string  `json:"name"`
	LastMessageText  string  `json:"last_message"`
	LastMessageAt    int64   `json:"last_message_timestamp"` // unix seconds
	UnreadCount      int     `json:"unread_count"`
	IsPinned         bool    `json:"is_pinned"`
	TagIDs           []int64 `json:"tags"`
	LastFromOperator bool    `json:"last_message_from_me"`
}

// Message is a single message within a conversation, append-only and
// immutable once received.
type Message struct {
	Body         string `json:"body"`
	FromOperator bool   `json:"from_me"`
	Timestamp    int64  `json:"timestamp"`
}

// Conversation is the full detail payload for one chat.
type Conversation struct {
	ContactName   string    `json:"contact_name"`
	CustomName    string    `json:"custom_name"`
	Status        string    `json:"status"`
	BotActive     bool      `json:"bot_active"`
	KnownIdentity string    `json:"known_identity"`
	Messages      []Message `json:"messages"`
	TagIDs        []int64   `json:"tags"`
}

// DisplayName resolves the name shown for the conversation's contact.
func (c *Conversation) DisplayName() string {
	if c.CustomName != "" {
		return c.CustomName
	}
	if c.ContactName != "" {
		return c.ContactName
	}
	return "Desconocido"
}

// AffiliateInfo is the CRM profile linked to a verified contact.
type AffiliateInfo struct {
	AffiliateID int64  `json:"id_afiliado"`
	FullName    string `json:"nombre_completo"`
	Identity    string `json:"identidad"`
	Phone       string `json:"telefono"`
	City        string `json:"ciudad"`
}

// Application is one recent vacancy application of an affiliate.
type Application struct {
	Position string `json:"cargo_solicitado"`
	Status   string `json:"estado"`
}

// ChatContext is the secondary context payload, fetched only when the
// conversation resolves to a known affiliate identity.
type ChatContext struct {
	Info         AffiliateInfo `json:"info_basica"`
	Applications []Application `json:"ultimas_postulaciones"`
}

// Tag is a globally shared chat label.
type Tag struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}
