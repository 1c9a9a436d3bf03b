package database

import (
	"strings"
	"time"
)

// InstanceState is a step of the session lifecycle.
type InstanceState string

const (
	StateDisconnected InstanceState = "disconnected"
	StateConnecting   InstanceState = "connecting"
	StateQRPending    InstanceState = "qr-pending"
	StateConnected    InstanceState = "connected"
)

// Instance is one chat session belonging to one tenant.
type Instance struct {
	ID       string        `db:"id"       json:"id"`
	OwnerID  string        `db:"owner_id" json:"ownerId"`
	Label    string        `db:"label"    json:"label"`
	Platform string        `db:"platform" json:"platform"`
	State    InstanceState `db:"state"    json:"state"`
	QRCode   string        `db:"qr_code"  json:"qrCode,omitempty"`
	// SessionBlob is the platform's opaque resume token (device JID, bot token).
	SessionBlob  string     `db:"session_blob"  json:"-"`
	MessageCount int64      `db:"message_count" json:"messageCount"`
	LastActivity *time.Time `db:"last_activity" json:"lastActivity,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"createdAt"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updatedAt"`
}

// ActionKind selects how a fired rule produces its reply.
type ActionKind string

const (
	ActionStaticText    ActionKind = "static-text"
	ActionGeneratedText ActionKind = "generated-text"
	ActionMedia         ActionKind = "media"
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionStaticText, ActionGeneratedText, ActionMedia:
		return true
	}
	return false
}

// Rule binds a trigger phrase to an action on one instance.
type Rule struct {
	ID          string     `db:"id"             json:"id"`
	OwnerID     string     `db:"owner_id"       json:"ownerId"`
	InstanceID  string     `db:"instance_id"    json:"instanceId"`
	Name        string     `db:"name"           json:"name"`
	Trigger     string     `db:"trigger_phrase" json:"trigger"`
	ActionKind  ActionKind `db:"action_kind"    json:"actionKind"`
	Payload     string     `db:"payload"        json:"payload"`
	Active      bool       `db:"active"         json:"active"`
	UsageCount  int64      `db:"usage_count"    json:"usageCount"`
	LastFiredAt *time.Time `db:"last_fired_at"  json:"lastFiredAt,omitempty"`
	CreatedAt   time.Time  `db:"created_at"     json:"createdAt"`
	UpdatedAt   time.Time  `db:"updated_at"     json:"updatedAt"`
}

// Contact is a counterparty address known to a tenant.
type Contact struct {
	ID                string     `db:"id"                  json:"id"`
	OwnerID           string     `db:"owner_id"            json:"ownerId"`
	Address           string     `db:"address"             json:"address"`
	Name              string     `db:"name"                json:"name"`
	Tags              TagList    `db:"tags"                json:"tags"`
	Notes             string     `db:"notes"               json:"notes"`
	Blocked           bool       `db:"blocked"             json:"blocked"`
	MessagesSent      int64      `db:"messages_sent"       json:"messagesSent"`
	MessagesReceived  int64      `db:"messages_received"   json:"messagesReceived"`
	LastMessageAt     *time.Time `db:"last_message_at"     json:"lastMessageAt,omitempty"`
	LastInteractionAt *time.Time `db:"last_interaction_at" json:"lastInteractionAt,omitempty"`
	CreatedAt         time.Time  `db:"created_at"          json:"createdAt"`
	UpdatedAt         time.Time  `db:"updated_at"          json:"updatedAt"`
}

// MessageKind is the content type of a message.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindAudio, KindDocument:
		return true
	}
	return false
}

// MessageStatus is a step of the outbound message lifecycle.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusFailed    MessageStatus = "failed"
	StatusCancelled MessageStatus = "cancelled"
)

// Message is one outbound unit.
type Message struct {
	ID           string        `db:"id"            json:"id"`
	OwnerID      string        `db:"owner_id"      json:"ownerId"`
	InstanceID   string        `db:"instance_id"   json:"instanceId,omitempty"`
	RuleID       string        `db:"rule_id"       json:"ruleId,omitempty"`
	ContactID    string        `db:"contact_id"    json:"contactId,omitempty"`
	Kind         MessageKind   `db:"kind"          json:"kind"`
	Content      string        `db:"content"       json:"content"`
	MediaRef     string        `db:"media_ref"     json:"mediaRef,omitempty"`
	Caption      string        `db:"caption"       json:"caption,omitempty"`
	Recipient    string        `db:"recipient"     json:"recipient"`
	Status       MessageStatus `db:"status"        json:"status"`
	ScheduledFor *time.Time    `db:"scheduled_for" json:"scheduledFor,omitempty"`
	SentAt       *time.Time    `db:"sent_at"       json:"sentAt,omitempty"`
	DeliveredAt  *time.Time    `db:"delivered_at"  json:"deliveredAt,omitempty"`
	ReadAt       *time.Time    `db:"read_at"       json:"readAt,omitempty"`
	Error        string        `db:"error"         json:"error,omitempty"`
	CreatedAt    time.Time     `db:"created_at"    json:"createdAt"`
	UpdatedAt    time.Time     `db:"updated_at"    json:"updatedAt"`
}

// Account holds a tenant's plan tier and remaining credits.
type Account struct {
	OwnerID        string    `db:"owner_id"        json:"ownerId"`
	Plan           string    `db:"plan"            json:"plan"`
	MessageCredits int64     `db:"message_credits" json:"messageCredits"`
	MediaCredits   int64     `db:"media_credits"   json:"mediaCredits"`
	CreatedAt      time.Time `db:"created_at"      json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at"      json:"updatedAt"`
}

// MessageFilter narrows ListMessages. Zero values do not filter.
type MessageFilter struct {
	Status    MessageStatus
	Kind      MessageKind
	ContactID string
	Recipient string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// MessageStats aggregates a tenant's messages by status.
type MessageStats struct {
	Total     int64 `db:"total"     json:"total"`
	Pending   int64 `db:"pending"   json:"pending"`
	Sent      int64 `db:"sent"      json:"sent"`
	Failed    int64 `db:"failed"    json:"failed"`
	Cancelled int64 `db:"cancelled" json:"cancelled"`
}

// ContactFilter narrows ListContacts.
type ContactFilter struct {
	Search string
	Tag    string
	Limit  int
	Offset int
}

// ContactStats aggregates a tenant's contacts.
type ContactStats struct {
	Total            int64 `db:"total"             json:"total"`
	MessagesSent     int64 `db:"messages_sent"     json:"messagesSent"`
	MessagesReceived int64 `db:"messages_received" json:"messagesReceived"`
	WithTags         int64 `db:"with_tags"         json:"withTags"`
	Blocked          int64 `db:"blocked"           json:"blocked"`
}

// TagList is stored as a comma separated column.
type TagList []string

// NewTagList trims, drops empties and de-duplicates tags, keeping order.
func NewTagList(tags []string) TagList {
	out := make(TagList, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(strings.ReplaceAll(t, ",", " "))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
