package messaging

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/songzhibin97/cmms-cartable/events"
	"github.com/songzhibin97/cmms-cartable/logger"
	"github.com/songzhibin97/cmms-cartable/types"
)

// SystemUser signs the messages sent by CartableNotifier.
var SystemUser = types.User{ID: "system", FullName: "کارتابل", Role: types.RoleAdmin}

// Subscriber is anything events can be subscribed on, e.g. the workflow engine.
type Subscriber interface {
	SubscribeEvent(eventType string, handler events.EventHandler) (unsubscribe func())
}

// CartableNotifier tells the new owner of an item that work is waiting:
// a GROUP message to the assignee role when an item advances, a USER message
// when it is assigned to someone.
type CartableNotifier struct {
	service *Service
}

// NewCartableNotifier creates a notifier sending through service.
func NewCartableNotifier(service *Service) *CartableNotifier {
	return &CartableNotifier{service: service}
}

// Subscribe registers the notifier for the events it handles and returns a
// function that removes both subscriptions.
func (n *CartableNotifier) Subscribe(sub Subscriber) (unsubscribe func()) {
	advanced := sub.SubscribeEvent(events.ItemAdvanced, n)
	assigned := sub.SubscribeEvent(events.ItemAssigned, n)
	return func() {
		advanced()
		assigned()
	}
}

// Handle implements events.EventHandler.
func (n *CartableNotifier) Handle(ctx context.Context, event events.Event) error {
	req, ok := notification(event)
	if !ok {
		return nil
	}
	if _, err := n.service.Send(ctx, SystemUser, req); err != nil {
		return fmt.Errorf("notify %s %s about item %s: %w", req.ReceiverType, req.ReceiverID, event.ItemID, err)
	}
	logger.Debug("cartable notification sent",
		zap.String("item", event.ItemID),
		zap.String("receiver", req.ReceiverID))
	return nil
}

func notification(event events.Event) (SendRequest, bool) {
	str := func(key string) string {
		v, _ := event.Data[key].(string)
		return v
	}
	req := SendRequest{
		Subject: "کار جدید در کارتابل: " + str("title"),
		Body:    fmt.Sprintf("کد رهگیری %s در کارتابل شما قرار گرفت.", str("tracking_code")),
		ItemID:  event.ItemID,
	}

	switch event.Type {
	case events.ItemAdvanced:
		// step_owner keeps the INITIATOR sentinel that assignee resolution replaces
		role := str("assignee_role")
		switch {
		case role == "":
			return SendRequest{}, false
		case types.Role(str("step_owner")) == types.RoleInitiator, types.Role(role) == types.RoleInitiator:
			req.ReceiverType, req.ReceiverID = types.ReceiverUser, str("initiator_id")
		default:
			req.ReceiverType, req.ReceiverID = types.ReceiverGroup, role
		}
	case events.ItemAssigned:
		req.ReceiverType, req.ReceiverID = types.ReceiverUser, str("assignee_id")
	default:
		return SendRequest{}, false
	}
	if req.ReceiverID == "" {
		return SendRequest{}, false
	}
	return req, true
}
