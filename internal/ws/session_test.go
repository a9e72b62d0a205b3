package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom-chat/internal/auth"
	"classroom-chat/internal/config"
	"classroom-chat/internal/media"
	"classroom-chat/internal/models"
	"classroom-chat/internal/observability"
	"classroom-chat/internal/repositories"
	"classroom-chat/internal/storage"
)

// memStore is an in-memory membership and message store.
type memStore struct {
	mu       sync.Mutex
	members  map[int64]map[int]bool
	messages map[int64][]models.Message
	seq      int64
	mediaSeq int64
	failWith error
}

func newMemStore() *memStore {
	return &memStore{
		members:  make(map[int64]map[int]bool),
		messages: make(map[int64][]models.Message),
	}
}

func (m *memStore) addRoom(id int64, users ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[int]bool)
	for _, u := range users {
		set[u] = true
	}
	m.members[id] = set
}

func (m *memStore) deleteRoom(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, id)
	delete(m.messages, id)
}

func (m *memStore) IsMember(_ context.Context, chatID int64, userID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[chatID][userID], nil
}

func (m *memStore) Append(_ context.Context, in models.NewMessage) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[in.ChatID]; !ok {
		return models.Message{}, repositories.ErrChatNotFound
	}
	if m.failWith != nil {
		return models.Message{}, m.failWith
	}
	m.seq++
	sender := in.SenderID
	msg := models.Message{
		ID:        m.seq,
		ChatID:    in.ChatID,
		SenderID:  &sender,
		Content:   in.Content,
		Type:      in.Type,
		CreatedAt: time.Now(),
	}
	for _, ref := range in.Media {
		m.mediaSeq++
		msg.Media = append(msg.Media, models.MessageMedia{ID: m.mediaSeq, MessageID: msg.ID, File: ref})
	}
	m.messages[in.ChatID] = append(m.messages[in.ChatID], msg)
	return msg, nil
}

func (m *memStore) ListSince(_ context.Context, chatID int64, after int64, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Message{}
	for _, msg := range m.messages[chatID] {
		if msg.ID > after && len(out) < limit {
			out = append(out, msg)
		}
	}
	return out, nil
}

type outbound struct {
	Message models.MessageView `json:"message"`
	User    string             `json:"user"`
}

type testEnv struct {
	store   *memStore
	gate    *auth.JWTGate
	hub     *Hub
	handler *ChatWebSocketHandler
	server  *httptest.Server
}

func newTestEnv(t *testing.T, cfg config.WebSocketConfig) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gate, err := auth.NewJWTGate(config.AuthConfig{JWTSecret: "ws-test"})
	require.NoError(t, err)
	blobs, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	store := newMemStore()
	store.addRoom(1, 1, 2)
	hub := NewHub()
	h := NewChatWebSocketHandler(Deps{
		Gate:     gate,
		Members:  store,
		Messages: store,
		Media:    media.NewIngestor(blobs, 1<<20),
		Hub:      hub,
		Config:   cfg,
		MediaURL: models.MediaURL("/media/"),
	})

	router := gin.New()
	router.GET("/ws/chats/:chat_id", h.Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testEnv{store: store, gate: gate, hub: hub, handler: h, server: srv}
}

func (e *testEnv) token(t *testing.T, userID int) string {
	t.Helper()
	token, err := e.gate.Issue(auth.Identity{UserID: userID, Email: fmt.Sprintf("u%d@example.com", userID)}, time.Minute)
	require.NoError(t, err)
	return token
}

func (e *testEnv) dial(t *testing.T, room string, userID int) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/chats/" + room
	header := http.Header{}
	if userID > 0 {
		header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func (e *testEnv) join(t *testing.T, room int64, userID int) *websocket.Conn {
	t.Helper()
	before := e.hub.Count(room)
	conn, _, err := e.dial(t, models.FormatID(room), userID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.hub.Count(room) == before+1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readOutbound(t *testing.T, conn *websocket.Conn) outbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out outbound
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func assertNothingReceived(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %s", data)
}

func TestMessageIsBroadcastToEveryMember(t *testing.T) {
	env := newTestEnv(t, config.WebSocketConfig{})
	env.store.seq = 41

	u1 := env.join(t, 1, 1)
	u2 := env.join(t, 1, 2)

	require.NoError(t, u1.WriteJSON(map[string]string{"message": "hi", "type": "text"}))

	for _, conn := range []*websocket.Conn{u1, u2} {
		out := readOutbound(t, conn)
		assert.Equal(t, "hi", *out.Message.Content)
		assert.Equal(t, "u1@example.com", *out.Message.Sender)
		assert.Equal(t, "u1@example.com", out.User)
		assert.Equal(t, models.MessageTypeText, out.Message.Type)
		assert.Empty(t, out.Message.Media)

		id, err := models.ParseID(out.Message.ID)
		require.NoError(t, err)
		assert.Greater(t, id, int64(41))
	}
}

func TestAdmissionRefusedBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t, config.WebSocketConfig{})
	env.store.addRoom(5, 3)

	cases := []struct {
		name   string
		room   string
		userID int
		status int
	}{
		{"non participant", "00001", 3, http.StatusForbidden},
		{"missing room", "00404", 1, http.StatusForbidden},
		{"no credential", "00001", 0, http.StatusUnauthorized},
		{"malformed room id", "abc", 1, http.StatusBadRequest},
		{"signed room id", "+1", 1, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, resp, err := env.dial(t, tc.room, tc.userID)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			assert.Nil(t, conn)
			require.NotNil(t, resp)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
	assert.Equal(t, 0, env.hub.Count(1))
}

func TestTokenQueryParameter(t *testing.T) {
	env := newTestEnv(t, config.WebSocketConfig{})
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/chats/00001?token=" + env.token(t, 2)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Count(1) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestNonMemberNeverReceivesBroadcast(t *testing.T) {
	env := newTestEnv(t, config.WebSocketConfig{})
	env.store.addRoom(2, 3)

	u1 := env.join(t, 1, 1)
	outsider := env.join(t, 2, 3)

	require.NoError(t, u1.WriteJSON(map[string]string{"message": "secret"}))
	readOutbound(t, u1)
	assertNothingReceived(t, outsider)
}

func TestMalformedAttachmentIsDroppedTextKept(t *testing.T) {
	env := newTestEnv(t, config.WebSocketConfig{})
	u1 := env.join(t, 1, 1)

	require.NoError(t, u1.WriteJSON(map[string]any{
		"message": "hello",
		"type":    "image",
		"media":   []map[string]string{{"data": "***not base64***", "file_name": "a.png"}},
	}))

	out := readOutbound(t, u1)
	assert.Equal(t, "hello", *out.Message.Content)
	assert.Empty(t, out.Message.Media)

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	require.Len(t, env.store.messages[1], 1)
	assert.Empty(t, env.store.messages[1][0].Media)
}

func TestAttachmentsAreIngestedIndependently(t *testing.T) {
	env := newTestEnv(t, config.WebSocketConfig{})
	u1 := env.join(t, 1, 1)

	require.NoError(t, u1.WriteJSON(map[string]any{
		"type": "file",
		"media": []map[string]string{
			{"data": "bad!", "file_name": "broken.bin"},
			{"data": "aGVsbG8=", "file_name": "notes.txt"},
		},
	}))

	out := readOutbound(t, u1)
	assert.Nil(t, out.Message.Content)
	require.Len(t, out.Message.Media, 1)
	assert.True(t, strings.HasPrefix(out.Message.Media[0].File, "/media/"+storage.KeyPrefix))
	assert.True(t, strings.HasSuffix(out.Message.Media[0].File, "-notes.txt"))
}

func TestDeletedRoomStopsBroadcasts(t *testing.T) {
	env := newTestEnv(t, config.WebSocketConfig{})
	u1 := env.join(t, 1, 1)
	u2 := env.join(t, 1, 2)

	env.store.deleteRoom(1)
	require.NoError(t, u1.WriteJSON(map[string]string{"message": "anyone?"}))

	assertNothingReceived(t, u2)
}

func TestSessionSurvivesBadFrames(t *testing.T) {
	env := newTestEnv(t, config.WebSocketConfig{})
	u1 := env.join(t, 1, 1)

	require.NoError(t, u1.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, u1.WriteJSON(map[string]string{"message": "x", "type": "sticker"}))
	require.NoError(t, u1.WriteJSON(map[string]string{"message": "still here"}))

	out := readOutbound(t, u1)
	assert.Equal(t, "still here", *out.Message.Content)
}

func TestIdleConnectionIsClosed(t *testing.T) {
	env := newTestEnv(t, config.WebSocketConfig{PongWait: 300 * time.Millisecond, PingInterval: time.Minute})
	env.join(t, 1, 1)

	require.Eventually(t, func() bool { return env.hub.Count(1) == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestClientDisconnectLeavesRoom(t *testing.T) {
	env := newTestEnv(t, config.WebSocketConfig{})
	u1 := env.join(t, 1, 1)
	env.join(t, 1, 2)

	require.NoError(t, u1.Close())
	require.Eventually(t, func() bool { return env.hub.Count(1) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func newUnitSession(t *testing.T, store *memStore, userID int) (*Session, *Client) {
	t.Helper()
	blobs, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	h := NewChatWebSocketHandler(Deps{
		Gate:     nil,
		Members:  store,
		Messages: store,
		Media:    media.NewIngestor(blobs, 0),
	})
	c := NewClient(nil, userID, 512)
	h.hub.Join(1, c)
	return newSession(h, c, 1, auth.Identity{UserID: userID}, ConnInfo{ConnectedAt: time.Now()}, zerolog.Nop()), c
}

func TestHandleFrameOutcomes(t *testing.T) {
	store := newMemStore()
	store.addRoom(1, 1)
	s, c := newUnitSession(t, store, 1)
	ctx := context.Background()

	assert.Equal(t, observability.FrameInvalidPayload, s.handleFrame(ctx, []byte(`[]`)))
	assert.Equal(t, observability.FrameInvalidPayload, s.handleFrame(ctx, []byte(`{"message":"x","type":"gif"}`)))
	assert.Equal(t, observability.FrameEmpty, s.handleFrame(ctx, []byte(`{"message":""}`)))
	assert.Equal(t, observability.FrameEmpty, s.handleFrame(ctx, []byte(`{"media":[{"data":"!!","file_name":"x"}]}`)))
	assert.Len(t, c.send, 0)

	assert.Equal(t, observability.FrameBroadcast, s.handleFrame(ctx, []byte(`{"message":"ok"}`)))
	assert.Len(t, c.send, 1)

	store.failWith = fmt.Errorf("%w: disk", repositories.ErrStorage)
	assert.Equal(t, observability.FrameStorageError, s.handleFrame(ctx, []byte(`{"message":"lost"}`)))

	store.failWith = nil
	store.deleteRoom(1)
	assert.Equal(t, observability.FrameNotFound, s.handleFrame(ctx, []byte(`{"message":"gone"}`)))
	assert.Len(t, c.send, 1)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	store := newMemStore()
	store.addRoom(1, 1)
	s, c := newUnitSession(t, store, 1)
	assert.Equal(t, StateAuthorized, s.State())

	s.close(context.Background(), "test")
	s.close(context.Background(), "again")

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, s.h.hub.Count(1))
	select {
	case <-c.Done():
	default:
		t.Fatal("client not closed")
	}
}

func TestConcurrentSendersObserveAppendOrder(t *testing.T) {
	store := newMemStore()
	store.addRoom(1, 1, 2, 3, 4)

	blobs, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	h := NewChatWebSocketHandler(Deps{Members: store, Messages: store, Media: media.NewIngestor(blobs, 0)})

	listener := NewClient(nil, 99, 1024)
	h.hub.Join(1, listener)

	const perSender = 25
	var wg sync.WaitGroup
	for user := 1; user <= 4; user++ {
		c := NewClient(nil, user, 1024)
		h.hub.Join(1, c)
		s := newSession(h, c, 1, auth.Identity{UserID: user}, ConnInfo{}, zerolog.Nop())
		wg.Add(1)
		go func(user int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				s.handleFrame(context.Background(), []byte(fmt.Sprintf(`{"message":"%d-%d"}`, user, i)))
			}
		}(user)
	}
	wg.Wait()

	require.Len(t, listener.send, 4*perSender)
	stored, err := store.ListSince(context.Background(), 1, 0, 1000)
	require.NoError(t, err)

	for i := 0; i < 4*perSender; i++ {
		var out outbound
		require.NoError(t, json.Unmarshal(<-listener.send, &out))
		assert.Equal(t, models.FormatID(stored[i].ID), out.Message.ID)
		assert.Equal(t, *stored[i].Content, *out.Message.Content)
	}
}

type failingLock struct{}

func (failingLock) WithRoomLock(context.Context, int64, func()) error {
	return fmt.Errorf("acquire room lock: %w", context.DeadlineExceeded)
}

func storedBlobs(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, storage.KeyPrefix))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return entries
}

func TestUnstoredFrameDiscardsAttachments(t *testing.T) {
	frame := []byte(`{"message":"pic","type":"image","media":[{"data":"aGk=","file_name":"a.png"},{"data":"aGk=","file_name":"b.png"}]}`)

	for name, tc := range map[string]struct {
		setup   func(*memStore, *Deps)
		outcome string
	}{
		"storage error": {
			setup:   func(m *memStore, _ *Deps) { m.failWith = repositories.ErrStorage },
			outcome: observability.FrameStorageError,
		},
		"room deleted": {
			setup:   func(m *memStore, _ *Deps) { m.deleteRoom(1) },
			outcome: observability.FrameNotFound,
		},
		"lock unavailable": {
			setup:   func(_ *memStore, d *Deps) { d.RoomLock = failingLock{} },
			outcome: observability.FrameStorageError,
		},
	} {
		dir := t.TempDir()
		blobs, err := storage.NewLocalStore(dir)
		require.NoError(t, err)
		store := newMemStore()
		store.addRoom(1, 1)
		deps := Deps{Members: store, Messages: store, Media: media.NewIngestor(blobs, 0)}
		tc.setup(store, &deps)

		h := NewChatWebSocketHandler(deps)
		c := NewClient(nil, 1, 8)
		h.hub.Join(1, c)
		s := newSession(h, c, 1, auth.Identity{UserID: 1}, ConnInfo{}, zerolog.Nop())

		assert.Equal(t, tc.outcome, s.handleFrame(context.Background(), frame), name)
		assert.Len(t, c.send, 0, name)
		assert.Empty(t, storedBlobs(t, dir), name)
	}
}

func TestStoredFrameKeepsAttachments(t *testing.T) {
	dir := t.TempDir()
	blobs, err := storage.NewLocalStore(dir)
	require.NoError(t, err)
	store := newMemStore()
	store.addRoom(1, 1)
	h := NewChatWebSocketHandler(Deps{Members: store, Messages: store, Media: media.NewIngestor(blobs, 0)})
	c := NewClient(nil, 1, 8)
	h.hub.Join(1, c)
	s := newSession(h, c, 1, auth.Identity{UserID: 1}, ConnInfo{}, zerolog.Nop())

	frame := []byte(`{"type":"image","media":[{"data":"aGk=","file_name":"a.png"}]}`)
	assert.Equal(t, observability.FrameBroadcast, s.handleFrame(context.Background(), frame))
	assert.Len(t, storedBlobs(t, dir), 1)
}
