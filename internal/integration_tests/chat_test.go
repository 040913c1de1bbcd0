package integrationtests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chat-backend/internal/api"
	"chat-backend/internal/auth"
	"chat-backend/internal/chat"
	"chat-backend/internal/llm"
	"chat-backend/internal/titling"
	pkgapi "chat-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jwtSecret = []byte("integration-secret")

type staticTitler struct {
	title string
}

func (s *staticTitler) Title(ctx context.Context, userMsg, assistantMsg string) (string, error) {
	return s.title, nil
}

func request(t *testing.T, router http.Handler, method, endpoint string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}

	token, err := auth.GenerateToken("alice", jwtSecret, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(method, endpoint, &body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestChatWorkflow(t *testing.T) {
	skipIfShort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db := createDB(t)
	publisher, receiver := setupRabbitMQContainer(t, ctx)
	objectStore := setupTestObjectStore(t, ctx)

	store := chat.NewStore(db)
	archiver := chat.NewArchiver(objectStore, archiveBucket)

	orchestrator := chat.NewOrchestrator(store, &llm.EchoClient{}, chat.Config{
		HistoryLimit:  50,
		StreamTimeout: time.Minute,
		ModelName:     "echo",
	}, chat.WithTitlePublisher(publisher), chat.WithLocker(chat.NewKeyedLocker(100)))

	processor := titling.NewProcessor(store, &staticTitler{title: "Greeting"}, receiver)
	go processor.Start()
	t.Cleanup(func() {
		processor.Stop()
		<-processor.Done()
	})

	router := chi.NewRouter()
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(auth.NewJWTVerifier(jwtSecret)))
		api.NewChatService(orchestrator, time.Second, nil).AddRoutes(r)
		api.NewConversationService(store, archiver).AddRoutes(r)
	})

	rr := request(t, router, http.MethodPost, "/chat/stream", pkgapi.ChatStreamRequest{Message: "Hello there"})
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: meta\ndata: "))
	assert.Contains(t, body, "event: done\ndata: {\"ok\":true}")

	var conversations []pkgapi.ConversationSummary
	rr = request(t, router, http.MethodGet, "/conversations", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &conversations))
	require.Len(t, conversations, 1)
	id := conversations[0].Id

	require.Eventually(t, func() bool {
		conversation, err := store.GetConversation(ctx, id, "alice")
		return err == nil && conversation.Title.String == "Greeting"
	}, 30*time.Second, 100*time.Millisecond)

	var messages []pkgapi.MessageItem
	rr = request(t, router, http.MethodGet, "/conversations/"+id.String()+"/messages", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &messages))
	require.Len(t, messages, 2)
	assert.Equal(t, "Hello there", messages[0].Content)
	assert.Equal(t, "Hello there", messages[1].Content)

	rr = request(t, router, http.MethodDelete, "/conversations/"+id.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)

	transcript, err := archiver.Load(ctx, "alice", id)
	require.NoError(t, err)
	require.NotNil(t, transcript.Title)
	assert.Equal(t, "Greeting", *transcript.Title)
	assert.Len(t, transcript.Messages, 2)

	_, err = store.GetConversation(ctx, id, "alice")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}
