// Package api is the REST client for the chat server. It implements the collaborator interfaces
// consumed by the session, chat list and message stores.
//
// Idempotent GET fetches go through a retrying client; POSTs are sent once.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

const (
	pathLogin    = "login"
	pathNewUser  = "new-user"
	pathChats    = "auth/chats"
	pathUsers    = "auth/users"
	pathMe       = "auth/users/me"
	pathMessages = "auth/messages"
	pathPostMsg  = "messages"

	maxBodyBytes = 8 << 20
)

// Client talks to the chat server. The zero value is not usable; build one with NewClient.
type Client struct {
	base  *url.URL
	retry *retryablehttp.Client
	plain *http.Client
}

type Option func(*Client) error

// WithRetries sets how many times a failed GET is retried.
func WithRetries(n int) Option {
	return func(c *Client) error {
		if n < 0 {
			return errors.Errorf("retries must be >= 0, got %d", n)
		}
		c.retry.RetryMax = n
		return nil
	}
}

// WithRetryWait bounds the wait between GET retries.
func WithRetryWait(minWait, maxWait time.Duration) Option {
	return func(c *Client) error {
		if minWait <= 0 || maxWait < minWait {
			return errors.Errorf("invalid retry wait bounds %s..%s", minWait, maxWait)
		}
		c.retry.RetryWaitMin = minWait
		c.retry.RetryWaitMax = maxWait
		return nil
	}
}

// WithTimeout sets the per-request timeout of the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.plain.Timeout = d
		return nil
	}
}

// WithCookieJar replaces the session cookie jar shared by all requests.
func WithCookieJar(jar http.CookieJar) Option {
	return func(c *Client) error {
		if jar == nil {
			return errors.New("cookie jar is nil")
		}
		c.plain.Jar = jar
		return nil
	}
}

func NewClient(baseURL string, options ...Option) (*Client, error) {
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create cookie jar")
	}
	plain := &http.Client{Jar: jar, Timeout: 30 * time.Second}

	retry := retryablehttp.NewClient()
	retry.HTTPClient = plain
	retry.RetryMax = 3
	retry.RetryWaitMin = 200 * time.Millisecond
	retry.RetryWaitMax = 2 * time.Second
	retry.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retry.Logger = leveledLogger{}

	c := &Client{base: base, retry: retry, plain: plain}
	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, errors.Wrap(err, "apply api client option")
		}
	}
	return c, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("api client: empty base url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "api client: parse base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("api client: unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}

// BaseURL returns the normalized server url.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Jar exposes the session cookie jar so the push channel can authenticate with the same
// session.
func (c *Client) Jar() http.CookieJar {
	return c.plain.Jar
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type newUser struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Password    string `json:"password"`
}

// userEnvelope accepts both a bare user object and {"user": {...}}.
type userEnvelope struct {
	User *chat.Identity `json:"user"`
	chat.Identity
}

func (e userEnvelope) identity() chat.Identity {
	if e.User != nil {
		return *e.User
	}
	return e.Identity
}

// Login authenticates with email and password. Rejected credentials match chat.ErrAuth.
func (c *Client) Login(ctx context.Context, email, password string) (chat.Identity, error) {
	return c.authenticate(ctx, pathLogin, credentials{Email: email, Password: password})
}

// CreateUser creates an account; the server logs the new account in implicitly.
func (c *Client) CreateUser(ctx context.Context, displayName, email, password string) (chat.Identity, error) {
	return c.authenticate(ctx, pathNewUser, newUser{DisplayName: displayName, Email: email, Password: password})
}

func (c *Client) authenticate(ctx context.Context, path string, body any) (chat.Identity, error) {
	var env userEnvelope
	err := c.post(ctx, path, body, &env)
	if err != nil {
		var httpErr *chat.HTTPError
		if errors.As(err, &httpErr) && httpErr.Status >= 400 && httpErr.Status < 500 {
			return chat.Identity{}, errors.Wrapf(chat.ErrAuth, "%s rejected with status %d", path, httpErr.Status)
		}
		return chat.Identity{}, err
	}
	id := env.identity()
	if err := chat.ValidateIdentity(id); err != nil {
		return chat.Identity{}, errors.Wrapf(chat.ErrAuth, "%s returned no user: %v", path, err)
	}
	return id, nil
}

// Me looks up the identity bound to the current session. A 401/403 answer matches
// chat.ErrSessionExpired.
func (c *Client) Me(ctx context.Context) (chat.Identity, error) {
	var env userEnvelope
	if err := c.get(ctx, pathMe, nil, &env); err != nil {
		return chat.Identity{}, err
	}
	id := env.identity()
	if err := chat.ValidateIdentity(id); err != nil {
		return chat.Identity{}, chat.NetworkError(err, "decode self lookup")
	}
	return id, nil
}

// FetchChats lists the chats of the current user.
func (c *Client) FetchChats(ctx context.Context) ([]chat.Chat, error) {
	var chats []chat.Chat
	if err := c.get(ctx, pathChats, nil, &chats); err != nil {
		return nil, err
	}
	out := make([]chat.Chat, 0, len(chats))
	for _, ch := range chats {
		if err := chat.ValidateChat(ch); err != nil {
			log.Warn().Err(err).Str("component", "api").Msg("dropping invalid chat")
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

// FetchUsers lists the users known to the server.
func (c *Client) FetchUsers(ctx context.Context) ([]chat.Identity, error) {
	var users []chat.Identity
	if err := c.get(ctx, pathUsers, nil, &users); err != nil {
		return nil, err
	}
	out := make([]chat.Identity, 0, len(users))
	for _, u := range users {
		if err := chat.ValidateIdentity(u); err != nil {
			log.Warn().Err(err).Str("component", "api").Msg("dropping invalid user")
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// FetchMessages returns the confirmed history of a chat in server order.
func (c *Client) FetchMessages(ctx context.Context, chatID int64) ([]chat.Message, error) {
	q := url.Values{}
	q.Set("chat_id", strconv.FormatInt(chatID, 10))
	var msgs []chat.Message
	if err := c.get(ctx, pathMessages, q, &msgs); err != nil {
		return nil, err
	}
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ChatID == 0 {
			m.ChatID = chatID
		}
		if err := chat.ValidateStoredMessage(m); err != nil {
			log.Warn().Err(err).Str("component", "api").Int64("chat_id", chatID).Msg("dropping invalid message")
			continue
		}
		if m.ChatID != chatID {
			log.Warn().Str("component", "api").Int64("chat_id", chatID).Int64("message_chat_id", m.ChatID).Msg("dropping message of another chat")
			continue
		}
		m.State = chat.Confirmed
		out = append(out, m)
	}
	return out, nil
}

type createChatRequest struct {
	Name    string  `json:"name"`
	Members []int64 `json:"members"`
}

// CreateChat creates a chat with the given members and returns the server record.
func (c *Client) CreateChat(ctx context.Context, name string, members []int64) (chat.Chat, error) {
	var created chat.Chat
	if err := c.post(ctx, pathChats, createChatRequest{Name: name, Members: members}, &created); err != nil {
		return chat.Chat{}, err
	}
	if err := chat.ValidateChat(created); err != nil {
		return chat.Chat{}, chat.NetworkError(err, "decode created chat")
	}
	return created, nil
}

// PostMessage stores a message through the REST API and returns the stored record.
func (c *Client) PostMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	var stored chat.Message
	if err := c.post(ctx, pathPostMsg, msg, &stored); err != nil {
		return chat.Message{}, err
	}
	if stored.ChatID == 0 {
		stored.ChatID = msg.ChatID
	}
	if err := chat.ValidateStoredMessage(stored); err != nil {
		return chat.Message{}, chat.NetworkError(err, "decode stored message")
	}
	stored.State = chat.Confirmed
	return stored, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.base.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return errors.Wrapf(err, "build request GET %s", path)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.retry.Do(req)
	if err != nil {
		return chat.NetworkError(err, "GET "+path)
	}
	return decodeResponse(resp, http.MethodGet, path, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return errors.Wrapf(err, "encode POST %s", path)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, nil), bytes.NewReader(b))
	if err != nil {
		return errors.Wrapf(err, "build request POST %s", path)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.plain.Do(req)
	if err != nil {
		return chat.NetworkError(err, "POST "+path)
	}
	return decodeResponse(resp, http.MethodPost, path, out)
}

func decodeResponse(resp *http.Response, method, path string, out any) error {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return &chat.HTTPError{Method: method, Path: "/" + path, Status: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return chat.NetworkError(err, "decode "+method+" "+path)
	}
	return nil
}

// leveledLogger routes retryablehttp logs to zerolog.
type leveledLogger struct{}

var _ retryablehttp.LeveledLogger = leveledLogger{}

func (leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	log.Error().Str("component", "api").Fields(keysAndValues).Msg(msg)
}

func (leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	log.Warn().Str("component", "api").Fields(keysAndValues).Msg(msg)
}

func (leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Str("component", "api").Fields(keysAndValues).Msg(msg)
}

func (leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	log.Trace().Str("component", "api").Fields(keysAndValues).Msg(msg)
}
