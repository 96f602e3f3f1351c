package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, WithRetries(2), WithRetryWait(time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)
	return c
}

func TestClientLoginSetsSessionCookie(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Password != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
		writeJSON(w, chat.Identity{ID: 1, Email: body.Email, DisplayName: "A"})
	})
	mux.HandleFunc("/auth/users/me", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err != nil || c.Value != "abc" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		writeJSON(w, map[string]any{"user": chat.Identity{ID: 1, Email: "a@x.com", DisplayName: "A"}})
	})
	c := newTestClient(t, mux)
	ctx := testContext(t)

	_, err := c.Me(ctx)
	require.True(t, errors.Is(err, chat.ErrSessionExpired))

	_, err = c.Login(ctx, "a@x.com", "wrong")
	require.True(t, errors.Is(err, chat.ErrAuth))

	id, err := c.Login(ctx, "a@x.com", "pw")
	require.NoError(t, err)
	require.Equal(t, int64(1), id.ID)

	me, err := c.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, "a@x.com", me.Email)
}

func TestClientCreateUserRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/new-user", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	c := newTestClient(t, mux)
	_, err := c.CreateUser(testContext(t), "A", "a@x.com", "pw")
	require.True(t, errors.Is(err, chat.ErrAuth))
}

func TestClientFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/chats", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, []chat.Chat{
			{ID: 1, Name: "one", Members: []int64{1, 2}},
			{ID: 0, Name: "broken"},
		})
	})
	c := newTestClient(t, mux)

	chats, err := c.FetchChats(testContext(t))
	require.NoError(t, err)
	require.Len(t, chats, 1)
	require.Equal(t, "one", chats[0].Name)
	require.Equal(t, int32(2), calls.Load())
}

func TestClientFetchGivesUpAsNetworkError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/users", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c := newTestClient(t, mux)
	_, err := c.FetchUsers(testContext(t))
	require.True(t, errors.Is(err, chat.ErrNetwork))
	require.False(t, errors.Is(err, chat.ErrSessionExpired))
}

func TestClientFetchMessages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/messages", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "7", r.URL.Query().Get("chat_id"))
		writeJSON(w, []map[string]any{
			{"id": 1, "chat_id": 7, "created_by": 2, "content": map[string]any{"text": "a"}},
			{"id": 2, "created_by": 3, "content": map[string]any{"text": "b", "image": "b.png"}},
			{"id": 3, "chat_id": 8, "created_by": 3, "content": map[string]any{"text": "elsewhere"}},
			{"chat_id": 7, "created_by": 3, "content": map[string]any{"text": "no id"}},
		})
	})
	c := newTestClient(t, mux)

	msgs, err := c.FetchMessages(testContext(t), 7)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, int64(7), msgs[1].ChatID)
	require.NotNil(t, msgs[1].Content.Image)
	require.Equal(t, "b.png", *msgs[1].Content.Image)
	require.Equal(t, chat.Confirmed, msgs[0].State)
}

func TestClientPostsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/chats", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		var m chat.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		m.ID = 99
		writeJSON(w, m)
	})
	c := newTestClient(t, mux)

	_, err := c.CreateChat(testContext(t), "x", []int64{1, 2})
	require.True(t, errors.Is(err, chat.ErrNetwork))
	require.Equal(t, int32(1), calls.Load())

	stored, err := c.PostMessage(testContext(t), chat.Message{ChatID: 4, CreatedBy: 1, Content: chat.Content{Text: "hi"}})
	require.NoError(t, err)
	require.Equal(t, int64(99), stored.ID)
	require.Equal(t, "hi", stored.Content.Text)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("")
	require.Error(t, err)
	_, err = NewClient("ftp://example.com")
	require.Error(t, err)

	c, err := NewClient("http://example.com/api")
	require.NoError(t, err)
	require.Equal(t, "http://example.com/api/auth/chats", c.endpoint(pathChats, nil))
}
