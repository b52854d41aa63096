// internal/notification/models.go

package notification

import (
	"time"
)

// OfflineNotice tells a recipient without a live session that a message
// arrived. Delivery is best-effort.
type OfflineNotice struct {
	RecipientID    int64     `json:"recipient_id"`
	RecipientEmail string    `json:"-"`
	RecipientName  string    `json:"recipient_name"`
	ConversationID int64     `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	SenderName     string    `json:"sender_name"`
	Preview        string    `json:"preview"`
	SentAt         time.Time `json:"sent_at"`
}

// EmailNotification represents an email to send
type EmailNotification struct {
	To      string `json:"to"`
	ToName  string `json:"to_name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	HTML    string `json:"html,omitempty"`
}
