package types

import "time"

// ReceiverType addresses a message to a user, a role group or everybody.
type ReceiverType string

const (
	ReceiverUser  ReceiverType = "USER"
	ReceiverGroup ReceiverType = "GROUP"
	ReceiverAll   ReceiverType = "ALL"
)

// Message is an internal message between users.
type Message struct {
	ID           string       `json:"id"`
	SenderID     string       `json:"sender_id"`
	SenderName   string       `json:"sender_name"`
	ReceiverID   string       `json:"receiver_id"`
	ReceiverType ReceiverType `json:"receiver_type"`
	Subject      string       `json:"subject"`
	Body         string       `json:"body"`
	ItemID       string       `json:"item_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	ReadBy       []string     `json:"read_by"`
}
