package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go-dm-relay/internal/cache"
	"go-dm-relay/internal/model"
	"go-dm-relay/internal/repository"
	"go-dm-relay/pkg/config"
	"go-dm-relay/pkg/db"
	"go-dm-relay/pkg/errs"
	"go-dm-relay/pkg/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type notification struct {
	event  string
	userID uint
	ids    []string
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (n *recordingNotifier) record(event string, userID uint, ids ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{event: event, userID: userID, ids: ids})
}

func (n *recordingNotifier) NotifyNewMessage(_, recipientID uint, messageID string) {
	n.record("new_message", recipientID, messageID)
}

func (n *recordingNotifier) NotifyStatusChange(senderID uint, ids []string, status model.MessageStatus) {
	n.record("status:"+string(status), senderID, ids...)
}

func (n *recordingNotifier) NotifyMediaStatusChange(senderID, _ uint, messageID string, status model.MediaStatus) {
	n.record("media:"+string(status), senderID, messageID)
}

func (n *recordingNotifier) NotifyTyping(_, toID uint, typing bool) {
	n.record(fmt.Sprintf("typing:%t", typing), toID)
}

func (n *recordingNotifier) NotifyMessageEdited(m *model.Message) {
	n.record("edited", m.RecipientID, m.ID)
}

func (n *recordingNotifier) NotifyMessageDeleted(_, recipientID uint, messageID string) {
	n.record("deleted", recipientID, messageID)
}

func (n *recordingNotifier) count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, call := range n.calls {
		if call.event == event {
			c++
		}
	}
	return c
}

type testEnv struct {
	db       *gorm.DB
	messages *repository.MessageRepository
	svc      *MessageService
	convs    *ConversationService
	notifier *recordingNotifier
	tasks    *utils.TaskGroup
	redis    *miniredis.Miniredis
	alice    *model.User
	bob      *model.User
	carol    *model.User
}

func setupEnv(t *testing.T, withRedis bool) *testEnv {
	t.Helper()
	gdb, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	env := &testEnv{
		db:       gdb,
		messages: repository.NewMessageRepository(gdb),
		notifier: &recordingNotifier{},
		tasks:    utils.NewTaskGroup(time.Second),
	}

	var store cache.Store = cache.Disabled{}
	if withRedis {
		env.redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: env.redis.Addr()})
		rc := cache.NewRedisFromClient(client, time.Second)
		t.Cleanup(func() { _ = rc.Close() })
		store = rc
	}

	users := repository.NewUserRepository(gdb)
	cfg := config.Default().Message
	env.svc = NewMessageService(env.messages, users, store, env.notifier, env.tasks, cfg)
	env.convs = NewConversationService(env.messages, cfg)

	ctx := context.Background()
	for _, u := range []**model.User{&env.alice, &env.bob, &env.carol} {
		*u = &model.User{}
	}
	env.alice.Username, env.bob.Username, env.carol.Username = "alice", "bob", "carol"
	require.NoError(t, users.Create(ctx, env.alice))
	require.NoError(t, users.Create(ctx, env.bob))
	require.NoError(t, users.Create(ctx, env.carol))

	t.Cleanup(env.tasks.Wait)
	return env
}

func (e *testEnv) send(t *testing.T, from, to uint, content string) *model.Message {
	t.Helper()
	m, created, err := e.svc.Create(context.Background(), SendRequest{SenderID: from, RecipientID: to, Content: content})
	require.NoError(t, err)
	require.True(t, created)
	return m
}

func (e *testEnv) countRows(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&model.Message{}).Count(&n).Error)
	return n
}

func strPtr(s string) *string { return &s }

func TestMessageService_CreateIsIdempotent(t *testing.T) {
	env := setupEnv(t, false)
	ctx := context.Background()
	req := SendRequest{
		SenderID:       env.alice.ID,
		RecipientID:    env.bob.ID,
		Content:        "hi bob",
		IdempotencyKey: strPtr("client-123"),
	}

	first, created, err := env.svc.Create(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := env.svc.Create(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))

	env.tasks.Wait()
	assert.EqualValues(t, 1, env.countRows(t))
	assert.Equal(t, 1, env.notifier.count("new_message"), "a replay has no new side effects")

	// the same key from someone else is a conflict
	req.SenderID = env.carol.ID
	_, _, err = env.svc.Create(ctx, req)
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestMessageService_ConcurrentRetriesCreateOneRow(t *testing.T) {
	env := setupEnv(t, false)
	req := SendRequest{
		SenderID:       env.alice.ID,
		RecipientID:    env.bob.ID,
		Content:        "racing",
		IdempotencyKey: strPtr("race-key"),
	}

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, _, err := env.svc.Create(context.Background(), req)
			if assert.NoError(t, err) {
				ids[i] = m.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.EqualValues(t, 1, env.countRows(t))
}

func TestMessageService_CreateValidation(t *testing.T) {
	env := setupEnv(t, false)
	ctx := context.Background()
	other := env.send(t, env.alice.ID, env.carol.ID, "not for bob")

	long := make([]rune, 4097)
	for i := range long {
		long[i] = 'x'
	}

	tests := []struct {
		name    string
		req     SendRequest
		wantErr error
	}{
		{"empty content", SendRequest{SenderID: env.alice.ID, RecipientID: env.bob.ID, Content: "  "}, errs.ErrValidation},
		{"to self", SendRequest{SenderID: env.alice.ID, RecipientID: env.alice.ID, Content: "me"}, errs.ErrValidation},
		{"too long", SendRequest{SenderID: env.alice.ID, RecipientID: env.bob.ID, Content: string(long)}, errs.ErrValidation},
		{"unknown recipient", SendRequest{SenderID: env.alice.ID, RecipientID: 999, Content: "hello"}, errs.ErrRecipientNotFound},
		{"reply elsewhere", SendRequest{SenderID: env.alice.ID, RecipientID: env.bob.ID, Content: "re", ReplyToID: &other.ID}, errs.ErrValidation},
		{"missing reply", SendRequest{SenderID: env.alice.ID, RecipientID: env.bob.ID, Content: "re", ReplyToID: strPtr("nope")}, errs.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, err := env.svc.Create(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, m)
		})
	}
	assert.EqualValues(t, 1, env.countRows(t), "failed sends create nothing")

	// attachment-only sends may be empty
	m, _, err := env.svc.Create(ctx, SendRequest{SenderID: env.alice.ID, RecipientID: env.bob.ID, WithAttachment: true})
	require.NoError(t, err)
	assert.True(t, m.HasAttachments)
	require.NotNil(t, m.MediaStatus)
	assert.Equal(t, model.MediaPending, *m.MediaStatus)

	reply, _, err := env.svc.Create(ctx, SendRequest{SenderID: env.bob.ID, RecipientID: env.alice.ID, Content: "re", ReplyToID: &m.ID})
	require.NoError(t, err)
	assert.Equal(t, m.ID, *reply.ReplyToMessageID)
}

func TestMessageService_PresenceDecidesInitialStatus(t *testing.T) {
	env := setupEnv(t, true)
	ctx := context.Background()

	assert.Equal(t, model.StatusSent, env.send(t, env.alice.ID, env.bob.ID, "offline").Status)

	env.svc.HandleUserConnected(env.bob.ID)
	assert.True(t, env.svc.IsOnline(ctx, env.bob.ID))
	assert.Equal(t, model.StatusDelivered, env.send(t, env.alice.ID, env.bob.ID, "online").Status)

	env.svc.HandleUserDisconnected(env.bob.ID)
	assert.Equal(t, model.StatusSent, env.send(t, env.alice.ID, env.bob.ID, "gone").Status)

	// a dead cache reads as offline and never fails the send
	env.svc.HandleUserConnected(env.bob.ID)
	env.redis.Close()
	assert.Equal(t, model.StatusSent, env.send(t, env.alice.ID, env.bob.ID, "cache down").Status)
}

func TestMessageService_EndToEndUnreadScenario(t *testing.T) {
	env := setupEnv(t, true)
	ctx := context.Background()
	a, b := env.alice.ID, env.bob.ID

	first := env.send(t, a, b, "one")
	assert.Equal(t, model.StatusSent, first.Status)
	env.tasks.Wait()
	n, err := env.svc.UnreadCount(ctx, b, a)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	env.svc.HandleUserConnected(b)
	env.tasks.Wait()
	got, err := env.messages.FindByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, got.Status, "connecting does not rewrite history")

	second := env.send(t, a, b, "two")
	assert.Equal(t, model.StatusDelivered, second.Status)
	env.tasks.Wait()
	n, err = env.svc.UnreadCount(ctx, b, a)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	changed, err := env.svc.MarkConversationRead(ctx, b, a)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, changed)
	for _, id := range changed {
		m, err := env.messages.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRead, m.Status)
	}
	n, err = env.svc.UnreadCount(ctx, b, a)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.tasks.Wait()
	assert.Equal(t, 1, env.notifier.count("status:read"))
}

func TestMessageService_ConversationReadAbsorbsLateIncrement(t *testing.T) {
	env := setupEnv(t, true)
	ctx := context.Background()
	a, b := env.alice.ID, env.bob.ID

	rc := cache.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: env.redis.Addr()}), time.Second)
	t.Cleanup(func() { _ = rc.Close() })
	cfg := config.Default().Message
	cfg.UnreadSettleDelay = 200 * time.Millisecond
	svc := NewMessageService(env.messages, repository.NewUserRepository(env.db), rc, env.notifier, env.tasks, cfg)

	env.send(t, a, b, "one")
	env.tasks.Wait()

	_, err := svc.MarkConversationRead(ctx, b, a)
	require.NoError(t, err)
	// an increment for the message just read arrives after the reset
	require.NoError(t, rc.IncrementUnread(ctx, b, a))
	n, _, err := rc.GetUnread(ctx, b, a)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	env.tasks.Wait()
	n, err = svc.UnreadCount(ctx, b, a)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMessageService_CacheDegradationMatchesCache(t *testing.T) {
	env := setupEnv(t, true)
	ctx := context.Background()
	a, b, c := env.alice.ID, env.bob.ID, env.carol.ID

	env.svc.HandleUserConnected(b)
	env.send(t, a, b, "a1")
	env.send(t, a, b, "a2")
	toRead := env.send(t, c, b, "c1")
	env.send(t, c, b, "c2")
	env.send(t, b, a, "reply")
	env.tasks.Wait()
	_, err := env.svc.MarkRead(ctx, b, []string{toRead.ID})
	require.NoError(t, err)
	env.tasks.Wait()

	cachedSummary, err := env.svc.UnreadSummary(ctx, b)
	require.NoError(t, err)
	cachedConvs, err := env.svc.UnreadConversations(ctx, b)
	require.NoError(t, err)
	cachedPair, err := env.svc.UnreadCount(ctx, b, c)
	require.NoError(t, err)

	assert.Equal(t, map[uint]int64{a: 2, c: 1}, cachedSummary)
	assert.EqualValues(t, 2, cachedConvs)
	assert.EqualValues(t, 1, cachedPair)

	env.redis.Close()

	summary, err := env.svc.UnreadSummary(ctx, b)
	require.NoError(t, err)
	convs, err := env.svc.UnreadConversations(ctx, b)
	require.NoError(t, err)
	pair, err := env.svc.UnreadCount(ctx, b, c)
	require.NoError(t, err)

	assert.Equal(t, cachedSummary, summary)
	assert.Equal(t, cachedConvs, convs)
	assert.Equal(t, cachedPair, pair)
}

func TestMessageService_UnreadMissFallsBackAndReconciles(t *testing.T) {
	env := setupEnv(t, true)
	ctx := context.Background()

	// counters written before any reconcile are not trusted
	env.send(t, env.alice.ID, env.bob.ID, "one")
	env.send(t, env.alice.ID, env.bob.ID, "two")
	env.tasks.Wait()
	env.redis.FlushAll()

	n, err := env.svc.UnreadCount(ctx, env.bob.ID, env.alice.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "a miss is answered from the store, not read as zero")

	env.tasks.Wait()
	assert.True(t, env.redis.Exists("unread:"+fmt.Sprint(env.bob.ID)), "the miss schedules a reconcile")
}

func TestMessageService_StatusNeverRegresses(t *testing.T) {
	env := setupEnv(t, false)
	ctx := context.Background()
	m := env.send(t, env.alice.ID, env.bob.ID, "hi")

	changed, err := env.svc.MarkRead(ctx, env.bob.ID, []string{m.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{m.ID}, changed)

	for i := 0; i < 3; i++ {
		changed, err = env.svc.MarkDelivered(ctx, env.bob.ID, []string{m.ID})
		require.NoError(t, err)
		assert.Empty(t, changed)
	}
	got, err := env.messages.FindByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, got.Status)

	// the sender cannot mark their own message
	m2 := env.send(t, env.alice.ID, env.bob.ID, "again")
	changed, err = env.svc.MarkRead(ctx, env.alice.ID, []string{m2.ID})
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestMessageService_EditAndDelete(t *testing.T) {
	env := setupEnv(t, false)
	ctx := context.Background()
	m := env.send(t, env.alice.ID, env.bob.ID, "typo")

	_, err := env.svc.Edit(ctx, env.bob.ID, m.ID, "hijack")
	assert.ErrorIs(t, err, errs.ErrForbidden)

	edited, err := env.svc.Edit(ctx, env.alice.ID, m.ID, "fixed")
	require.NoError(t, err)
	assert.Equal(t, "fixed", edited.Content)
	assert.True(t, edited.IsEdited)

	// past the window
	realNow := env.svc.now
	env.svc.now = func() time.Time { return realNow().Add(2 * time.Hour) }
	_, err = env.svc.Edit(ctx, env.alice.ID, m.ID, "late")
	assert.ErrorIs(t, err, errs.ErrWindowExpired)
	assert.ErrorIs(t, env.svc.DeleteForEveryone(ctx, env.alice.ID, m.ID), errs.ErrWindowExpired)
	env.svc.now = realNow

	// hide for bob only
	require.NoError(t, env.svc.DeleteForMe(ctx, env.bob.ID, m.ID))
	page, err := env.convs.ListConversation(ctx, env.bob.ID, env.alice.ID, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	page, err = env.convs.ListConversation(ctx, env.alice.ID, env.bob.ID, 10, nil)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)

	assert.ErrorIs(t, env.svc.DeleteForMe(ctx, env.carol.ID, m.ID), errs.ErrNotFound)
	assert.ErrorIs(t, env.svc.DeleteForEveryone(ctx, env.bob.ID, m.ID), errs.ErrForbidden)
	require.NoError(t, env.svc.DeleteForEveryone(ctx, env.alice.ID, m.ID))
	_, err = env.messages.FindByID(ctx, m.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	env.tasks.Wait()
	assert.Equal(t, 1, env.notifier.count("edited"))
	assert.Equal(t, 1, env.notifier.count("deleted"))
}

func TestMessageService_ForwardCopiesCompletedAttachments(t *testing.T) {
	env := setupEnv(t, false)
	ctx := context.Background()

	original, _, err := env.svc.Create(ctx, SendRequest{SenderID: env.alice.ID, RecipientID: env.bob.ID, Content: "look", WithAttachment: true})
	require.NoError(t, err)
	require.NoError(t, env.messages.CompleteMedia(ctx, original.ID, &model.Attachment{
		ID: model.NewID(), Type: model.AttachmentImage, FileName: "cat.jpg", FileURL: "/files/cat.jpg", MimeType: "image/jpeg",
	}))

	fwd, created, err := env.svc.Forward(ctx, env.bob.ID, original.ID, env.carol.ID, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, fwd.IsForwarded)
	assert.Equal(t, "look", fwd.Content)

	stored, err := env.messages.FindByID(ctx, fwd.ID)
	require.NoError(t, err)
	require.Len(t, stored.Attachments, 1)
	assert.Equal(t, "/files/cat.jpg", stored.Attachments[0].FileURL)
	assert.Equal(t, model.MediaCompleted, *stored.MediaStatus)

	_, _, err = env.svc.Forward(ctx, env.carol.ID, original.ID, env.alice.ID, nil)
	assert.ErrorIs(t, err, errs.ErrNotFound, "only participants may forward")
}

func TestMessageService_HandleFrame(t *testing.T) {
	env := setupEnv(t, true)
	ctx := context.Background()
	m := env.send(t, env.alice.ID, env.bob.ID, "frame me")

	env.svc.HandleFrame(env.alice.ID, "typing", map[string]any{"to": float64(env.bob.ID)})
	assert.True(t, env.svc.IsTyping(ctx, env.alice.ID, env.bob.ID))
	assert.Equal(t, 1, env.notifier.count("typing:true"))

	env.svc.HandleFrame(env.bob.ID, "delivered", map[string]any{"message_ids": []any{m.ID}})
	got, err := env.messages.FindByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, got.Status)

	env.svc.HandleFrame(env.bob.ID, "read", map[string]any{"peer_id": float64(env.alice.ID)})
	got, err = env.messages.FindByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, got.Status)

	env.svc.HandleFrame(env.bob.ID, "heartbeat", nil)
	assert.True(t, env.svc.IsOnline(ctx, env.bob.ID))

	env.svc.HandleFrame(env.bob.ID, "unknown", nil)
}
