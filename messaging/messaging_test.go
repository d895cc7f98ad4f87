package messaging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/cmms-cartable/events"
	"github.com/songzhibin97/cmms-cartable/identity"
	"github.com/songzhibin97/cmms-cartable/storage"
	"github.com/songzhibin97/cmms-cartable/types"
	"github.com/songzhibin97/cmms-cartable/workflow"
)

var (
	ali   = types.User{ID: "u1", FullName: "Ali", Role: types.RoleUser}
	sara  = types.User{ID: "u2", FullName: "Sara", Role: types.RoleUser}
	reza  = types.User{ID: "m1", FullName: "Reza", Role: types.RoleManager}
	store = types.User{ID: "s1", FullName: "Store", Role: types.RoleStorekeeper}
)

// newTestService returns a service whose clock advances one minute per message.
func newTestService() *Service {
	svc := NewService(storage.NewMemoryStorage())
	base := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	var n int
	svc.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Minute)
	}
	return svc
}

func subjects(msgs []types.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Subject)
	}
	return out
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	tests := []struct {
		name    string
		req     SendRequest
		wantID  string
		wantErr bool
	}{
		{"User", SendRequest{ReceiverID: "u2", ReceiverType: types.ReceiverUser, Subject: "hi"}, "u2", false},
		{"GroupNormalizesRole", SendRequest{ReceiverID: "manager", ReceiverType: types.ReceiverGroup, Subject: "hi"}, "MANAGER", false},
		{"AllIgnoresReceiver", SendRequest{ReceiverID: "whatever", ReceiverType: types.ReceiverAll, Subject: "hi"}, BroadcastReceiver, false},
		{"MissingSubject", SendRequest{ReceiverID: "u2", ReceiverType: types.ReceiverUser}, "", true},
		{"MissingUser", SendRequest{ReceiverType: types.ReceiverUser, Subject: "hi"}, "", true},
		{"UnknownGroup", SendRequest{ReceiverID: "JANITOR", ReceiverType: types.ReceiverGroup, Subject: "hi"}, "", true},
		{"UnknownType", SendRequest{ReceiverID: "u2", ReceiverType: "FAX", Subject: "hi"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := svc.Send(ctx, ali, tt.req)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, msg.ReceiverID)
			assert.Equal(t, "u1", msg.SenderID)
			assert.Equal(t, "Ali", msg.SenderName)
			assert.NotEmpty(t, msg.ID)
			assert.Empty(t, msg.ReadBy)
		})
	}
}

func TestInboxAndSent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	send := func(from types.User, typ types.ReceiverType, to, subject string) {
		_, err := svc.Send(ctx, from, SendRequest{ReceiverID: to, ReceiverType: typ, Subject: subject})
		require.NoError(t, err)
	}
	send(ali, types.ReceiverUser, "u2", "direct")
	send(reza, types.ReceiverGroup, "USER", "to users")
	send(reza, types.ReceiverAll, "", "broadcast")
	send(ali, types.ReceiverGroup, "STOREKEEPER", "parts")

	t.Run("Inbox", func(t *testing.T) {
		tests := []struct {
			user types.User
			want []string
		}{
			{sara, []string{"broadcast", "to users", "direct"}},
			{ali, []string{"broadcast", "to users"}},
			{reza, []string{"broadcast"}},
			{store, []string{"parts", "broadcast"}},
		}
		for _, tt := range tests {
			t.Run(tt.user.ID, func(t *testing.T) {
				msgs, err := svc.Inbox(ctx, tt.user)
				require.NoError(t, err)
				assert.Equal(t, tt.want, subjects(msgs))
			})
		}
	})

	t.Run("Sent", func(t *testing.T) {
		msgs, err := svc.Sent(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []string{"parts", "direct"}, subjects(msgs))

		msgs, err = svc.Sent(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("SameTimestampNewestInsertFirst", func(t *testing.T) {
		flat := NewService(storage.NewMemoryStorage())
		at := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
		flat.now = func() time.Time { return at }
		for _, s := range []string{"a", "b", "c"} {
			_, err := flat.Send(ctx, ali, SendRequest{ReceiverType: types.ReceiverAll, Subject: s})
			require.NoError(t, err)
		}
		msgs, err := flat.Inbox(ctx, sara)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b", "a"}, subjects(msgs))
	})
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	msg, err := svc.Send(ctx, reza, SendRequest{ReceiverType: types.ReceiverAll, Subject: "shutdown"})
	require.NoError(t, err)

	unread, err := svc.UnreadCount(ctx, ali)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	read, err := svc.MarkRead(ctx, msg.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, read.ReadBy)

	read, err = svc.MarkRead(ctx, msg.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, read.ReadBy, "marking twice is a no-op")

	unread, err = svc.UnreadCount(ctx, ali)
	require.NoError(t, err)
	assert.Equal(t, 0, unread)

	unread, err = svc.UnreadCount(ctx, sara)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	_, err = svc.MarkRead(ctx, "missing", "u1")
	assert.ErrorIs(t, err, ErrMessageNotFound)

	t.Run("Concurrent", func(t *testing.T) {
		var wg sync.WaitGroup
		for _, id := range []string{"a", "b", "c", "d", "e"} {
			wg.Add(1)
			go func(uid string) {
				defer wg.Done()
				_, err := svc.MarkRead(ctx, msg.ID, uid)
				assert.NoError(t, err)
			}(id)
		}
		wg.Wait()

		inbox, err := svc.Inbox(ctx, sara)
		require.NoError(t, err)
		require.Len(t, inbox, 1)
		assert.Len(t, inbox[0].ReadBy, 6)
	})

	t.Run("ServicesSharingStore", func(t *testing.T) {
		shared := storage.NewMemoryStorage()
		first, second := NewService(shared), NewService(shared)
		msg, err := first.Send(ctx, reza, SendRequest{ReceiverType: types.ReceiverAll, Subject: "audit"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			svc := first
			if i%2 == 1 {
				svc = second
			}
			go func(svc *Service, uid string) {
				defer wg.Done()
				_, err := svc.MarkRead(ctx, msg.ID, uid)
				assert.NoError(t, err)
			}(svc, fmt.Sprintf("u-%d", i))
		}
		wg.Wait()

		got, err := shared.GetMessage(ctx, msg.ID)
		require.NoError(t, err)
		assert.Len(t, got.ReadBy, 20)
	})
}

func TestNotification(t *testing.T) {
	tests := []struct {
		name     string
		event    events.Event
		wantType types.ReceiverType
		wantTo   string
		wantOK   bool
	}{
		{
			name:     "AdvancedToRole",
			event:    events.Event{Type: events.ItemAdvanced, ItemID: "1", Data: map[string]interface{}{"assignee_role": "MANAGER", "title": "Pump"}},
			wantType: types.ReceiverGroup, wantTo: "MANAGER", wantOK: true,
		},
		{
			name:     "AdvancedToInitiator",
			event:    events.Event{Type: events.ItemAdvanced, ItemID: "1", Data: map[string]interface{}{"assignee_role": "INITIATOR", "initiator_id": "u1"}},
			wantType: types.ReceiverUser, wantTo: "u1", wantOK: true,
		},
		{
			name:     "AdvancedToResolvedInitiator",
			event:    events.Event{Type: events.ItemAdvanced, ItemID: "1", Data: map[string]interface{}{"assignee_role": "USER", "step_owner": "INITIATOR", "initiator_id": "u1"}},
			wantType: types.ReceiverUser, wantTo: "u1", wantOK: true,
		},
		{
			name:     "Assigned",
			event:    events.Event{Type: events.ItemAssigned, ItemID: "1", Data: map[string]interface{}{"assignee_id": "u9"}},
			wantType: types.ReceiverUser, wantTo: "u9", wantOK: true,
		},
		{
			name:  "AssignmentCleared",
			event: events.Event{Type: events.ItemAssigned, ItemID: "1", Data: map[string]interface{}{"assignee_id": ""}},
		},
		{
			name:  "Finished",
			event: events.Event{Type: events.ItemFinished, ItemID: "1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, ok := notification(tt.event)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantType, req.ReceiverType)
				assert.Equal(t, tt.wantTo, req.ReceiverID)
				assert.Equal(t, "1", req.ItemID)
			}
		})
	}
}

func TestCartableNotifierWithEngine(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	gen := &sequence{}
	engine, err := workflow.NewEngine(gen, nil)
	require.NoError(t, err)
	defer engine.Stop(ctx)

	NewCartableNotifier(svc).Subscribe(engine)

	item, err := engine.StartWorkflow(ctx, workflow.StartRequest{Module: workflow.ModuleWorkOrder, User: ali, Title: "Pump", TrackingCode: "W2610001"})
	require.NoError(t, err)
	_, err = engine.ProcessWorkflowAction(ctx, workflow.ActionRequest{ItemID: item.ID, ActionID: "act-submit", User: ali})
	require.NoError(t, err)
	_, err = engine.ProcessWorkflowAction(ctx, workflow.ActionRequest{ItemID: item.ID, ActionID: "act-finish", User: sara})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		msgs, err := svc.Inbox(ctx, reza)
		return err == nil && len(msgs) == 1
	}, time.Second, 10*time.Millisecond)

	msgs, err := svc.Inbox(ctx, reza)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, item.ID, msgs[0].ItemID)
	assert.Equal(t, SystemUser.ID, msgs[0].SenderID)
	assert.Contains(t, msgs[0].Body, "W2610001")
}

func TestCartableNotifierInitiatorStep(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	dir := identity.NewMemoryDirectory(ali, sara, reza)
	engine, err := workflow.NewEngine(&sequence{}, nil, workflow.WithDirectory(dir))
	require.NoError(t, err)
	defer engine.Stop(ctx)
	NewCartableNotifier(svc).Subscribe(engine)

	_, err = engine.SaveWorkflowDefinition(ctx, types.WorkflowDefinition{
		ID: "wf-review", Module: "SUGGESTION", IsActive: true,
		Steps: []types.WorkflowStep{
			{ID: "s1", AssigneeRole: types.RoleManager, Actions: []types.WorkflowAction{{ID: "return", NextStepID: "s2"}}},
			{ID: "s2", AssigneeRole: types.RoleInitiator, Actions: []types.WorkflowAction{{ID: "done", NextStepID: types.FinishStep}}},
		},
	})
	require.NoError(t, err)

	item, err := engine.StartWorkflow(ctx, workflow.StartRequest{Module: "SUGGESTION", User: ali, Title: "Cover belt", TrackingCode: "H2610001"})
	require.NoError(t, err)
	next, err := engine.ProcessWorkflowAction(ctx, workflow.ActionRequest{ItemID: item.ID, ActionID: "return", User: reza})
	require.NoError(t, err)
	assert.Equal(t, types.RoleUser, next.AssigneeRole)

	assert.Eventually(t, func() bool {
		msgs, err := svc.Inbox(ctx, ali)
		return err == nil && len(msgs) == 1
	}, time.Second, 10*time.Millisecond)

	msgs, err := svc.Inbox(ctx, ali)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.ReceiverUser, msgs[0].ReceiverType)
	assert.Equal(t, ali.ID, msgs[0].ReceiverID)

	// another USER must not get the initiator's work
	msgs, err = svc.Inbox(ctx, sara)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

type recordingSubscriber struct {
	subscribed   []string
	unsubscribed []string
}

func (r *recordingSubscriber) SubscribeEvent(eventType string, handler events.EventHandler) func() {
	r.subscribed = append(r.subscribed, eventType)
	return func() { r.unsubscribed = append(r.unsubscribed, eventType) }
}

func TestCartableNotifierSubscribe(t *testing.T) {
	sub := &recordingSubscriber{}
	unsubscribe := NewCartableNotifier(newTestService()).Subscribe(sub)
	assert.Equal(t, []string{events.ItemAdvanced, events.ItemAssigned}, sub.subscribed)
	assert.Empty(t, sub.unsubscribed)

	unsubscribe()
	assert.ElementsMatch(t, sub.subscribed, sub.unsubscribed)
}

type sequence struct {
	mu sync.Mutex
	n  uint64
}

func (s *sequence) NextID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.n, nil
}
