// Package messaging implements internal user-to-user, role and broadcast messages.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/cmms-cartable/identity"
	"github.com/songzhibin97/cmms-cartable/storage"
	"github.com/songzhibin97/cmms-cartable/types"
)

// BroadcastReceiver is the receiver ID of ALL messages.
const BroadcastReceiver = "ALL"

var (
	ErrInvalidMessage  = errors.New("invalid message")
	ErrMessageNotFound = storage.ErrMessageNotFound
)

// SendRequest is a message to be sent.
type SendRequest struct {
	ReceiverID   string             `json:"receiver_id"`
	ReceiverType types.ReceiverType `json:"receiver_type"`
	Subject      string             `json:"subject"`
	Body         string             `json:"body"`
	ItemID       string             `json:"item_id,omitempty"`
}

// Service sends and lists messages.
type Service struct {
	store storage.MessageStore
	now   func() time.Time
}

// NewService creates a Service over store.
func NewService(store storage.MessageStore) *Service {
	return &Service{store: store, now: time.Now}
}

// Send validates and stores a message from sender.
func (s *Service) Send(ctx context.Context, sender types.User, req SendRequest) (*types.Message, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidMessage)
	}

	switch req.ReceiverType {
	case types.ReceiverAll:
		req.ReceiverID = BroadcastReceiver
	case types.ReceiverUser:
		if req.ReceiverID == "" {
			return nil, fmt.Errorf("%w: receiver is required", ErrInvalidMessage)
		}
	case types.ReceiverGroup:
		role, err := identity.ParseRole(req.ReceiverID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		req.ReceiverID = string(role)
	default:
		return nil, fmt.Errorf("%w: unknown receiver type %q", ErrInvalidMessage, req.ReceiverType)
	}

	msg := types.Message{
		ID:           uuid.NewString(),
		SenderID:     sender.ID,
		SenderName:   sender.FullName,
		ReceiverID:   req.ReceiverID,
		ReceiverType: req.ReceiverType,
		Subject:      req.Subject,
		Body:         req.Body,
		ItemID:       req.ItemID,
		CreatedAt:    s.now(),
		ReadBy:       []string{},
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	return &msg, nil
}

// addressedTo reports whether msg reaches user.
func addressedTo(msg types.Message, user types.User) bool {
	switch msg.ReceiverType {
	case types.ReceiverUser:
		return msg.ReceiverID == user.ID
	case types.ReceiverGroup:
		return msg.ReceiverID == string(user.Role)
	case types.ReceiverAll:
		return true
	}
	return false
}

func (s *Service) list(ctx context.Context, keep func(types.Message) bool) ([]types.Message, error) {
	msgs, err := s.store.ListMessages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	out := make([]types.Message, 0)
	for i := len(msgs) - 1; i >= 0; i-- {
		if keep(msgs[i]) {
			out = append(out, msgs[i])
		}
	}
	// newest first; equal timestamps keep reverse insertion order
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Inbox returns the messages addressed to user, newest first.
func (s *Service) Inbox(ctx context.Context, user types.User) ([]types.Message, error) {
	return s.list(ctx, func(m types.Message) bool { return addressedTo(m, user) })
}

// Sent returns the messages sent by userID, newest first.
func (s *Service) Sent(ctx context.Context, userID string) ([]types.Message, error) {
	return s.list(ctx, func(m types.Message) bool { return m.SenderID == userID })
}

// UnreadCount counts inbox messages user has not read.
func (s *Service) UnreadCount(ctx context.Context, user types.User) (int, error) {
	msgs, err := s.Inbox(ctx, user)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		if !contains(m.ReadBy, user.ID) {
			n++
		}
	}
	return n, nil
}

// MarkRead records that userID read the message. Repeated calls are no-ops.
func (s *Service) MarkRead(ctx context.Context, msgID, userID string) (*types.Message, error) {
	msg, err := s.store.MarkMessageRead(ctx, msgID, userID)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
