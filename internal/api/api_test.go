package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chat-backend/internal/api"
	"chat-backend/internal/auth"
	"chat-backend/internal/chat"
	"chat-backend/internal/database"
	"chat-backend/internal/llm"
	"chat-backend/internal/storage"
	pkgapi "chat-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testSecret = []byte("test-secret")

type scriptedClient struct {
	fragments []string
	err       error
	// afterBegin runs once the turn has started, before any fragment.
	afterBegin func()
}

func (c *scriptedClient) Stream(ctx context.Context, history []llm.Turn, systemPrompt string) llm.Fragments {
	return func(yield func(string, error) bool) {
		if c.afterBegin != nil {
			c.afterBegin()
		}
		for _, fragment := range c.fragments {
			if !yield(fragment, nil) {
				return
			}
		}
		if c.err != nil {
			yield("", errors.Join(llm.ErrUpstream, c.err))
		}
	}
}

type testEnv struct {
	db     *gorm.DB
	store  *chat.Store
	router http.Handler
}

func setupEnv(t *testing.T, client llm.StreamingClient, heartbeat time.Duration) *testEnv {
	t.Helper()
	return setupEnvWithArchive(t, client, heartbeat, nil)
}

func setupEnvWithArchive(t *testing.T, client llm.StreamingClient, heartbeat time.Duration, archiver *chat.Archiver) *testEnv {
	t.Helper()

	db, err := database.NewDatabase("sqlite://:memory:")
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())

	store := chat.NewStore(db)
	orchestrator := chat.NewOrchestrator(store, client, chat.Config{
		HistoryLimit:    20,
		MaxMessageChars: 100,
		StreamTimeout:   5 * time.Second,
		ModelName:       "test-model",
	})

	r := chi.NewRouter()
	r.Get("/health", api.HealthHandler(db))
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(auth.NewJWTVerifier(testSecret)))
		api.NewChatService(orchestrator, heartbeat, nil).AddRoutes(r)
		api.NewConversationService(store, archiver).AddRoutes(r)
	})

	return &testEnv{db: db, store: store, router: r}
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := auth.GenerateToken(user, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) ([]sseEvent, int) {
	t.Helper()

	var events []sseEvent
	pings := 0
	for _, block := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var event sseEvent
		comment := true
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				event.name = strings.TrimPrefix(line, "event: ")
				comment = false
			case strings.HasPrefix(line, "data: "):
				event.data = strings.TrimPrefix(line, "data: ")
				comment = false
			}
		}
		if comment {
			pings++
			continue
		}
		events = append(events, event)
	}
	return events, pings
}

func decode[T any](t *testing.T, data string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(data), &v))
	return v
}

func TestStreamNewConversation(t *testing.T) {
	env := setupEnv(t, &scriptedClient{fragments: []string{"สวัสดี", "ครับ"}}, 0)

	w := env.do(t, http.MethodPost, "/chat/stream", "alice", pkgapi.ChatStreamRequest{Message: "Hello"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	events, _ := parseSSE(t, w.Body.String())
	require.Len(t, events, 4)

	assert.Equal(t, "meta", events[0].name)
	meta := decode[pkgapi.MetaEvent](t, events[0].data)
	assert.NotEqual(t, uuid.Nil, meta.ConversationId)

	assert.Equal(t, "", events[1].name)
	assert.Equal(t, "สวัสดี", decode[pkgapi.DeltaEvent](t, events[1].data).Delta)
	assert.Equal(t, "", events[2].name)
	assert.Equal(t, "ครับ", decode[pkgapi.DeltaEvent](t, events[2].data).Delta)

	assert.Equal(t, "done", events[3].name)
	assert.True(t, decode[pkgapi.DoneEvent](t, events[3].data).Ok)

	messages, err := env.store.ListMessages(context.Background(), meta.ConversationId, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, database.RoleUser, messages[0].Role)
	assert.Equal(t, "Hello", messages[0].Content)
	assert.Equal(t, database.RoleAssistant, messages[1].Role)
	assert.Equal(t, "สวัสดีครับ", messages[1].Content)
}

func TestStreamContinuesConversation(t *testing.T) {
	env := setupEnv(t, &llm.EchoClient{}, 0)

	conversation, err := env.store.CreateConversation(context.Background(), "alice", nil)
	require.NoError(t, err)
	id := conversation.Id.String()

	for _, message := range []string{"first", "second"} {
		w := env.do(t, http.MethodPost, "/chat/stream", "alice", pkgapi.ChatStreamRequest{ConversationId: &id, Message: message})
		require.Equal(t, http.StatusOK, w.Code)
		events, _ := parseSSE(t, w.Body.String())
		require.NotEmpty(t, events)
		assert.Equal(t, conversation.Id, decode[pkgapi.MetaEvent](t, events[0].data).ConversationId)
		assert.Equal(t, "done", events[len(events)-1].name)
	}

	messages, err := env.store.ListMessages(context.Background(), conversation.Id, 0)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, "second", messages[3].Content)
}

func TestStreamUpstreamFailure(t *testing.T) {
	env := setupEnv(t, &scriptedClient{fragments: []string{"partial"}, err: fmt.Errorf("connection reset")}, 0)

	w := env.do(t, http.MethodPost, "/chat/stream", "alice", pkgapi.ChatStreamRequest{Message: "Hello"})
	require.Equal(t, http.StatusOK, w.Code)

	events, _ := parseSSE(t, w.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "meta", events[0].name)
	assert.Equal(t, "partial", decode[pkgapi.DeltaEvent](t, events[1].data).Delta)
	assert.Equal(t, "error", events[2].name)

	errEvent := decode[pkgapi.ErrorEvent](t, events[2].data)
	assert.False(t, errEvent.Ok)
	assert.Equal(t, "upstream_error", errEvent.Code)
	assert.NotContains(t, errEvent.Error, "connection reset")

	meta := decode[pkgapi.MetaEvent](t, events[0].data)
	messages, err := env.store.ListMessages(context.Background(), meta.ConversationId, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, database.RoleUser, messages[0].Role)
}

func TestStreamStorageFailure(t *testing.T) {
	client := &scriptedClient{fragments: []string{"Hel", "lo"}}
	env := setupEnv(t, client, 0)
	client.afterBegin = func() {
		sqlDB, err := env.db.DB()
		require.NoError(t, err)
		require.NoError(t, sqlDB.Close())
	}

	w := env.do(t, http.MethodPost, "/chat/stream", "alice", pkgapi.ChatStreamRequest{Message: "Hello"})
	require.Equal(t, http.StatusOK, w.Code)

	events, _ := parseSSE(t, w.Body.String())
	require.Len(t, events, 4)
	assert.Equal(t, "meta", events[0].name)
	assert.Equal(t, "Hel", decode[pkgapi.DeltaEvent](t, events[1].data).Delta)
	assert.Equal(t, "lo", decode[pkgapi.DeltaEvent](t, events[2].data).Delta)
	assert.Equal(t, "error", events[3].name)

	errEvent := decode[pkgapi.ErrorEvent](t, events[3].data)
	assert.False(t, errEvent.Ok)
	assert.Equal(t, "storage_error", errEvent.Code)
	assert.NotContains(t, w.Body.String(), "event: done")
}

func TestStreamHeartbeat(t *testing.T) {
	env := setupEnv(t, &llm.EchoClient{Delay: 40 * time.Millisecond}, 5*time.Millisecond)

	w := env.do(t, http.MethodPost, "/chat/stream", "alice", pkgapi.ChatStreamRequest{Message: "one two three"})
	require.Equal(t, http.StatusOK, w.Code)

	events, pings := parseSSE(t, w.Body.String())
	assert.Positive(t, pings)
	require.Len(t, events, 5)
	assert.Equal(t, "done", events[4].name)
}

func TestStreamRejectsBadRequests(t *testing.T) {
	env := setupEnv(t, &llm.EchoClient{}, 0)

	w := env.do(t, http.MethodPost, "/chat/stream", "", pkgapi.ChatStreamRequest{Message: "Hello"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/chat/stream", "alice", pkgapi.ChatStreamRequest{Message: "   "})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = env.do(t, http.MethodPost, "/chat/stream", "alice", pkgapi.ChatStreamRequest{Message: strings.Repeat("a", 101)})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	bad := "not-a-uuid"
	w = env.do(t, http.MethodPost, "/chat/stream", "alice", pkgapi.ChatStreamRequest{ConversationId: &bad, Message: "Hello"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	missing := uuid.NewString()
	w = env.do(t, http.MethodPost, "/chat/stream", "alice", pkgapi.ChatStreamRequest{ConversationId: &missing, Message: "Hello"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	conversation, err := env.store.CreateConversation(context.Background(), "bob", nil)
	require.NoError(t, err)
	foreign := conversation.Id.String()
	w = env.do(t, http.MethodPost, "/chat/stream", "alice", pkgapi.ChatStreamRequest{ConversationId: &foreign, Message: "Hello"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	messages, err := env.store.ListMessages(context.Background(), conversation.Id, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestStreamEmptyConversationIdStartsNew(t *testing.T) {
	env := setupEnv(t, &llm.EchoClient{}, 0)

	empty := ""
	w := env.do(t, http.MethodPost, "/chat/stream", "alice", pkgapi.ChatStreamRequest{ConversationId: &empty, Message: "Hello"})
	require.Equal(t, http.StatusOK, w.Code)

	conversations, err := env.store.ListConversations(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, conversations, 1)
}

func TestConversationEndpoints(t *testing.T) {
	env := setupEnv(t, &llm.EchoClient{}, 0)

	w := env.do(t, http.MethodPost, "/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	created := decode[pkgapi.CreateConversationResponse](t, w.Body.String())

	w = env.do(t, http.MethodGet, "/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]pkgapi.ConversationSummary](t, w.Body.String())
	require.Len(t, list, 1)
	assert.Equal(t, created.Id, list[0].Id)
	assert.Nil(t, list[0].Title)

	w = env.do(t, http.MethodGet, "/conversations", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]pkgapi.ConversationSummary](t, w.Body.String()))

	path := "/conversations/" + created.Id.String()

	w = env.do(t, http.MethodPatch, path, "alice", pkgapi.RenameConversationRequest{Title: "  Trip planning  "})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Trip planning", decode[pkgapi.RenameConversationResponse](t, w.Body.String()).Title)

	w = env.do(t, http.MethodPatch, path, "alice", pkgapi.RenameConversationRequest{Title: "   "})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = env.do(t, http.MethodPatch, path, "bob", pkgapi.RenameConversationRequest{Title: "mine"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, path, "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, path, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, path+"/messages", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/conversations/not-a-uuid/messages", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConversationTranscript(t *testing.T) {
	objects, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	env := setupEnvWithArchive(t, &llm.EchoClient{}, 0, chat.NewArchiver(objects, "transcripts"))

	w := env.do(t, http.MethodPost, "/chat/stream", "alice", pkgapi.ChatStreamRequest{Message: "Hello"})
	require.Equal(t, http.StatusOK, w.Code)
	events, _ := parseSSE(t, w.Body.String())
	require.NotEmpty(t, events)
	id := decode[pkgapi.MetaEvent](t, events[0].data).ConversationId
	path := "/conversations/" + id.String()

	w = env.do(t, http.MethodGet, path+"/transcript", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, path, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, path+"/transcript", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	transcript := decode[pkgapi.TranscriptResponse](t, w.Body.String())
	assert.Equal(t, id, transcript.Id)
	assert.Nil(t, transcript.Title)
	assert.False(t, transcript.ArchivedAt.IsZero())
	require.Len(t, transcript.Messages, 2)
	assert.Equal(t, database.RoleUser, transcript.Messages[0].Role)
	assert.Equal(t, "Hello", transcript.Messages[0].Content)
	assert.Equal(t, database.RoleAssistant, transcript.Messages[1].Role)

	w = env.do(t, http.MethodGet, path+"/transcript", "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTranscriptWithoutArchive(t *testing.T) {
	env := setupEnv(t, &llm.EchoClient{}, 0)

	w := env.do(t, http.MethodGet, "/conversations/"+uuid.NewString()+"/transcript", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListMessagesLimit(t *testing.T) {
	env := setupEnv(t, &llm.EchoClient{}, 0)
	ctx := context.Background()

	conversation, err := env.store.CreateConversation(ctx, "alice", nil)
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		role := database.RoleUser
		if i%2 == 1 {
			role = database.RoleAssistant
		}
		_, err := env.store.AppendMessage(ctx, conversation.Id, role, fmt.Sprintf("message %d", i), nil)
		require.NoError(t, err)
	}

	path := "/conversations/" + conversation.Id.String() + "/messages"

	w := env.do(t, http.MethodGet, path, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	messages := decode[[]pkgapi.MessageItem](t, w.Body.String())
	require.Len(t, messages, 20)
	assert.Equal(t, "message 5", messages[0].Content)
	assert.Equal(t, "message 24", messages[19].Content)

	w = env.do(t, http.MethodGet, path+"?limit=3", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	messages = decode[[]pkgapi.MessageItem](t, w.Body.String())
	require.Len(t, messages, 3)
	assert.Equal(t, "message 22", messages[0].Content)
	assert.Equal(t, database.RoleUser, messages[0].Role)

	w = env.do(t, http.MethodGet, path+"?limit=1000", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]pkgapi.MessageItem](t, w.Body.String()), 25)

	w = env.do(t, http.MethodGet, path+"?limit=0", "alice", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = env.do(t, http.MethodGet, path+"?limit=abc", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, path, "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	env := setupEnv(t, &llm.EchoClient{}, 0)

	w := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[pkgapi.HealthResponse](t, w.Body.String()).Status)
}
