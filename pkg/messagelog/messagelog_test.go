package messagelog

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

type stubFetcher struct {
	mu      sync.Mutex
	history map[int64][]chat.Message
	err     error
	started chan struct{}
	release chan struct{}
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{history: map[int64][]chat.Message{}}
}

func (f *stubFetcher) FetchMessages(ctx context.Context, chatID int64) ([]chat.Message, error) {
	f.mu.Lock()
	started, release := f.started, f.release
	f.mu.Unlock()
	if started != nil {
		close(started)
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]chat.Message(nil), f.history[chatID]...), nil
}

// block makes the next fetch wait until the returned release func is called.
func (f *stubFetcher) block() (started <-chan struct{}, release func()) {
	s, r := make(chan struct{}), make(chan struct{})
	f.mu.Lock()
	f.started, f.release = s, r
	f.mu.Unlock()
	return s, func() {
		f.mu.Lock()
		f.started, f.release = nil, nil
		f.mu.Unlock()
		close(r)
	}
}

func stored(id, chatID, by int64, text string) chat.Message {
	return chat.Message{ID: id, ChatID: chatID, CreatedBy: by, Content: chat.Content{Text: text}}
}

func texts(msgs []chat.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content.Text)
	}
	return out
}

func loadAsync(s *Store, chatID int64) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := s.LoadHistory(context.Background(), chatID)
		done <- err
	}()
	return done
}

func TestLoadHistory_ReplacesLog(t *testing.T) {
	f := newStubFetcher()
	f.history[1] = []chat.Message{stored(1, 1, 2, "a"), stored(2, 1, 3, "b"), stored(2, 1, 3, "b"), stored(9, 4, 3, "elsewhere")}
	s := NewStore(f)
	require.False(t, s.Loaded(1))

	msgs, err := s.LoadHistory(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, texts(msgs))
	require.True(t, s.Loaded(1))
	require.Equal(t, chat.Confirmed, msgs[0].State)

	f.history[1] = []chat.Message{stored(1, 1, 2, "a")}
	msgs, err = s.LoadHistory(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, texts(msgs))
}

func TestLoadHistory_KeepsPendingCreatedDuringFetch(t *testing.T) {
	f := newStubFetcher()
	f.history[1] = []chat.Message{stored(1, 1, 2, "h1"), stored(2, 1, 2, "h2"), stored(3, 1, 3, "h3")}
	s := NewStore(f)

	started, release := f.block()
	done := loadAsync(s, 1)
	<-started

	_, err := s.AppendOptimistic(1, 7, chat.Content{Text: "p1"})
	require.NoError(t, err)
	_, err = s.AppendOptimistic(2, 7, chat.Content{Text: "other chat"})
	require.NoError(t, err)
	_, err = s.AppendOptimistic(1, 7, chat.Content{Text: "p2"})
	require.NoError(t, err)

	release()
	require.NoError(t, <-done)

	msgs := s.Messages(1)
	require.Equal(t, []string{"h1", "h2", "h3", "p1", "p2"}, texts(msgs))
	require.Equal(t, chat.Pending, msgs[3].State)
	require.Equal(t, chat.Pending, msgs[4].State)
	require.Equal(t, []string{"other chat"}, texts(s.Messages(2)))
}

func TestLoadHistory_LiveMessagesDuringFetch(t *testing.T) {
	f := newStubFetcher()
	f.history[1] = []chat.Message{stored(1, 1, 2, "h1"), stored(2, 1, 2, "h2")}
	s := NewStore(f)

	// already in the log before the fetch: replaced by history
	_, _, err := s.Reconcile(stored(1, 1, 2, "h1"))
	require.NoError(t, err)

	started, release := f.block()
	done := loadAsync(s, 1)
	<-started

	// part of the fetched history: dropped, history carries it
	_, _, err = s.Reconcile(stored(2, 1, 2, "h2"))
	require.NoError(t, err)
	// newer than the fetched snapshot: kept
	_, _, err = s.Reconcile(stored(5, 1, 3, "live"))
	require.NoError(t, err)

	release()
	require.NoError(t, <-done)
	require.Equal(t, []string{"h1", "h2", "live"}, texts(s.Messages(1)))
}

func TestLoadHistory_SendConfirmedDuringFetchSurvivesOlderSnapshot(t *testing.T) {
	f := newStubFetcher()
	f.history[1] = []chat.Message{stored(1, 1, 2, "old")}
	s := NewStore(f)
	_, err := s.LoadHistory(context.Background(), 1)
	require.NoError(t, err)

	token, err := s.AppendOptimistic(1, 1, chat.Content{Text: "hi"})
	require.NoError(t, err)

	// the fetched snapshot predates the store of "hi"
	started, release := f.block()
	done := loadAsync(s, 1)
	<-started

	_, outcome, err := s.Reconcile(stored(50, 1, 1, "hi"))
	require.NoError(t, err)
	require.Equal(t, Promoted, outcome)
	require.Equal(t, []string{"old", "hi"}, texts(s.Messages(1)))

	release()
	require.NoError(t, <-done)

	msgs := s.Messages(1)
	require.Equal(t, []string{"old", "hi"}, texts(msgs))
	require.Equal(t, int64(50), msgs[1].ID)
	require.Equal(t, chat.Confirmed, msgs[1].State)
	require.Equal(t, token, msgs[1].LocalToken)

	// a later snapshot that carries it replaces the live entry
	f.history[1] = []chat.Message{stored(1, 1, 2, "old"), stored(50, 1, 1, "hi")}
	msgs, err = s.LoadHistory(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"old", "hi"}, texts(msgs))
	require.Empty(t, msgs[1].LocalToken)
}

func TestLoadHistory_FailureKeepsLog(t *testing.T) {
	f := newStubFetcher()
	f.history[1] = []chat.Message{stored(1, 1, 2, "a")}
	s := NewStore(f)
	_, err := s.LoadHistory(context.Background(), 1)
	require.NoError(t, err)

	f.err = errors.New("connection reset")
	_, err = s.LoadHistory(context.Background(), 1)
	require.ErrorIs(t, err, chat.ErrNetwork)
	require.Equal(t, []string{"a"}, texts(s.Messages(1)))
}

func TestLoadHistory_DiscardedAfterClear(t *testing.T) {
	f := newStubFetcher()
	f.history[1] = []chat.Message{stored(1, 1, 2, "a")}
	s := NewStore(f)

	started, release := f.block()
	done := loadAsync(s, 1)
	<-started
	s.Clear()
	release()

	require.ErrorIs(t, <-done, ErrStale)
	require.Empty(t, s.Messages(1))
	require.False(t, s.Loaded(1))
}

func TestReconcile_PromotesPendingInPlace(t *testing.T) {
	s := NewStore(newStubFetcher())
	token, err := s.AppendOptimistic(1, 7, chat.Content{Text: "hi"})
	require.NoError(t, err)
	_, err = s.AppendOptimistic(1, 7, chat.Content{Text: "second"})
	require.NoError(t, err)
	before := len(s.Messages(1))

	msg, outcome, err := s.Reconcile(stored(40, 1, 7, "hi"))
	require.NoError(t, err)
	require.Equal(t, Promoted, outcome)
	require.Equal(t, token, msg.LocalToken)
	require.Equal(t, token, msg.Key())

	msgs := s.Messages(1)
	require.Len(t, msgs, before)
	require.Equal(t, int64(40), msgs[0].ID)
	require.Equal(t, chat.Confirmed, msgs[0].State)
	require.Equal(t, chat.Pending, msgs[1].State)
}

func TestReconcile_AuthorAndContentMustMatch(t *testing.T) {
	s := NewStore(newStubFetcher())
	_, err := s.AppendOptimistic(1, 7, chat.Content{Text: "hi"})
	require.NoError(t, err)

	img := "https://img/1.png"
	withImage := stored(41, 1, 7, "hi")
	withImage.Content.Image = &img

	_, outcome, err := s.Reconcile(stored(40, 1, 8, "hi"))
	require.NoError(t, err)
	require.Equal(t, Appended, outcome)
	_, outcome, err = s.Reconcile(withImage)
	require.NoError(t, err)
	require.Equal(t, Appended, outcome)

	msgs := s.Messages(1)
	require.Len(t, msgs, 3)
	require.Equal(t, chat.Pending, msgs[0].State)
}

func TestReconcile_DuplicateEcho(t *testing.T) {
	s := NewStore(newStubFetcher())
	_, outcome, err := s.Reconcile(stored(1, 1, 2, "x"))
	require.NoError(t, err)
	require.Equal(t, Appended, outcome)
	_, outcome, err = s.Reconcile(stored(1, 1, 2, "x"))
	require.NoError(t, err)
	require.Equal(t, Duplicate, outcome)
	require.Len(t, s.Messages(1), 1)

	// a pending entry whose stored message already arrived through history is removed by its echo
	_, err = s.AppendOptimistic(1, 2, chat.Content{Text: "x"})
	require.NoError(t, err)
	require.Len(t, s.Messages(1), 2)
	_, outcome, err = s.Reconcile(stored(1, 1, 2, "x"))
	require.NoError(t, err)
	require.Equal(t, Duplicate, outcome)
	require.Len(t, s.Messages(1), 1)
}

func TestReconcile_BackgroundChatAppearsWhenOpened(t *testing.T) {
	f := newStubFetcher()
	f.history[3] = []chat.Message{stored(1, 3, 2, "old")}
	s := NewStore(f)

	_, _, err := s.Reconcile(stored(2, 3, 2, "while closed"))
	require.NoError(t, err)

	_, err = s.LoadHistory(context.Background(), 3)
	require.NoError(t, err)
	require.Contains(t, texts(s.Messages(3)), "while closed")

	// once the server history contains it, it shows up once
	f.history[3] = []chat.Message{stored(1, 3, 2, "old"), stored(2, 3, 2, "while closed")}
	_, err = s.LoadHistory(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, []string{"old", "while closed"}, texts(s.Messages(3)))
}

func TestReconcile_RejectsUnstoredMessages(t *testing.T) {
	s := NewStore(newStubFetcher())
	_, _, err := s.Reconcile(chat.Message{ChatID: 1, CreatedBy: 1, Content: chat.Content{Text: "no id"}})
	require.Error(t, err)
	require.Empty(t, s.Messages(1))
}

func TestConfirm(t *testing.T) {
	s := NewStore(newStubFetcher())
	first, err := s.AppendOptimistic(1, 7, chat.Content{Text: "same"})
	require.NoError(t, err)
	second, err := s.AppendOptimistic(1, 7, chat.Content{Text: "same"})
	require.NoError(t, err)

	msg, outcome, err := s.Confirm(second, stored(11, 1, 7, "same"))
	require.NoError(t, err)
	require.Equal(t, Promoted, outcome)
	require.Equal(t, second, msg.LocalToken)

	msgs := s.Messages(1)
	require.Equal(t, chat.Pending, msgs[0].State)
	require.Equal(t, first, msgs[0].LocalToken)
	require.Equal(t, int64(11), msgs[1].ID)

	// the channel echo of a send confirmed over REST leaves the other pending send alone
	_, outcome, err = s.Reconcile(stored(11, 1, 7, "same"))
	require.NoError(t, err)
	require.Equal(t, Duplicate, outcome)
	msgs = s.Messages(1)
	require.Len(t, msgs, 2)
	require.Equal(t, chat.Pending, msgs[0].State)

	_, outcome, err = s.Confirm("gone", stored(12, 1, 7, "fresh"))
	require.NoError(t, err)
	require.Equal(t, Appended, outcome)
}

func TestDropPending(t *testing.T) {
	s := NewStore(newStubFetcher())
	token, err := s.AppendOptimistic(1, 7, chat.Content{Text: "x"})
	require.NoError(t, err)
	require.False(t, s.DropPending(2, token))
	require.True(t, s.DropPending(1, token))
	require.False(t, s.DropPending(1, token))
	require.Empty(t, s.Messages(1))
}

func TestAppendOptimistic_Validates(t *testing.T) {
	s := NewStore(newStubFetcher())
	_, err := s.AppendOptimistic(1, 7, chat.Content{})
	require.Error(t, err)
	_, err = s.AppendOptimistic(0, 7, chat.Content{Text: "x"})
	require.Error(t, err)
}

func TestSeed(t *testing.T) {
	f := newStubFetcher()
	f.history[1] = []chat.Message{stored(1, 1, 2, "a"), stored(2, 1, 2, "b")}
	s := NewStore(f)

	_, _, err := s.Reconcile(stored(2, 1, 2, "b"))
	require.NoError(t, err)
	require.True(t, s.Seed(1, []chat.Message{stored(1, 1, 2, "a"), stored(2, 1, 2, "b")}))
	require.Equal(t, []string{"a", "b"}, texts(s.Messages(1)))
	require.False(t, s.Loaded(1))

	_, err = s.LoadHistory(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, s.Seed(1, []chat.Message{stored(3, 1, 2, "c")}))
	require.Equal(t, []string{"a", "b"}, texts(s.Messages(1)))
}
