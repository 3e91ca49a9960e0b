package store

import (
	"strconv"
	"strings"
)

// Chat is the persisted snapshot of a conversation summary.
type Chat struct {
	ID               string
	DisplayName      string
	LastMessageText  string
	LastMessageAt    int64 // unix seconds
	UnreadCount      int
	IsPinned         bool
	LastFromOperator bool
	TagIDs           []int64
}

// Campaign is a journaled bulk-send job.
type Campaign struct {
	ID              string
	Template        string
	IntervalSeconds int
	Status          string // running, completed, cancelled
	CreatedAt       int64
}

// CampaignTask is a single personalized send within a campaign.
type CampaignTask struct {
	ID           int64
	CampaignID   string
	Seq          int
	Phone        string
	FullName     string
	Message      string
	Status       string // queued, sent, failed
	ErrorMessage string
}

// encodeTagIDs serializes tag ids as a comma-separated string for storage.
func encodeTagIDs(ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func decodeTagIDs(s string) []int64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
