package chatstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

func confirmed(id, chatID, by int64, text string) chat.Message {
	return chat.Message{ID: id, ChatID: chatID, CreatedBy: by, Content: chat.Content{Text: text}, State: chat.Confirmed}
}

func texts(msgs []chat.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content.Text)
	}
	return out
}

func exerciseHistoryStore(t *testing.T, s HistoryStore) {
	t.Helper()
	ctx := context.Background()

	empty, err := s.GetSnapshot(ctx, 7, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), empty.Version)
	require.Empty(t, empty.Messages)

	pending := chat.Message{ChatID: 7, CreatedBy: 1, Content: chat.Content{Text: "p"}, State: chat.Pending, LocalToken: "tok"}
	require.Error(t, s.Upsert(ctx, pending))
	require.Error(t, s.ReplaceHistory(ctx, 7, []chat.Message{confirmed(1, 8, 1, "wrong chat")}))

	require.NoError(t, s.ReplaceHistory(ctx, 7, []chat.Message{
		confirmed(10, 7, 1, "a"),
		confirmed(11, 7, 2, "b"),
		confirmed(12, 7, 1, "c"),
	}))
	snap, err := s.GetSnapshot(ctx, 7, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.Version)
	require.Equal(t, []string{"a", "b", "c"}, texts(snap.Messages))
	require.Equal(t, chat.Confirmed, snap.Messages[0].State)

	img := "https://img/x.png"
	withImage := confirmed(13, 7, 2, "d")
	withImage.Content.Image = &img
	require.NoError(t, s.Upsert(ctx, withImage))
	require.NoError(t, s.Upsert(ctx, confirmed(11, 7, 2, "b2")))

	snap, err = s.GetSnapshot(ctx, 7, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(3), snap.Version)
	require.Equal(t, []string{"a", "b2", "c", "d"}, texts(snap.Messages))
	require.NotNil(t, snap.Messages[3].Content.Image)
	require.Equal(t, img, *snap.Messages[3].Content.Image)

	last2, err := s.GetSnapshot(ctx, 7, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "d"}, texts(last2.Messages))

	require.NoError(t, s.ReplaceHistory(ctx, 7, []chat.Message{confirmed(20, 7, 1, "fresh")}))
	snap, err = s.GetSnapshot(ctx, 7, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"fresh"}, texts(snap.Messages))

	other, err := s.GetSnapshot(ctx, 8, 0)
	require.NoError(t, err)
	require.Empty(t, other.Messages)

	require.NoError(t, s.Clear(ctx))
	snap, err = s.GetSnapshot(ctx, 7, 0)
	require.NoError(t, err)
	require.Empty(t, snap.Messages)
	require.Equal(t, uint64(0), snap.Version)
}

func TestInMemoryHistoryStore(t *testing.T) {
	exerciseHistoryStore(t, NewInMemoryHistoryStore(0))
}

func TestInMemoryHistoryStore_TrimsToLimit(t *testing.T) {
	s := NewInMemoryHistoryStore(2)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, s.Upsert(ctx, confirmed(i, 1, 1, string(rune('a'+i-1)))))
	}
	snap, err := s.GetSnapshot(ctx, 1, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, texts(snap.Messages))
}

func TestSQLiteHistoryStore(t *testing.T) {
	dsn, err := SQLiteHistoryDSNForFile(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	s, err := NewSQLiteHistoryStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exerciseHistoryStore(t, s)
}

func TestSQLiteHistoryStore_SurvivesReopen(t *testing.T) {
	dsn, err := SQLiteHistoryDSNForFile(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	s, err := NewSQLiteHistoryStore(dsn)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(context.Background(), confirmed(1, 3, 1, "kept")))
	require.NoError(t, s.Close())

	s, err = NewSQLiteHistoryStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	snap, err := s.GetSnapshot(context.Background(), 3, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"kept"}, texts(snap.Messages))
}

func TestOpen(t *testing.T) {
	s, err := Open("none", "")
	require.NoError(t, err)
	require.Nil(t, s)

	s, err = Open("memory", "")
	require.NoError(t, err)
	require.NotNil(t, s)

	_, err = Open("sqlite", " ")
	require.Error(t, err)

	_, err = Open("bolt", "x")
	require.Error(t, err)
}
