package reader

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/pitwall/internal/model"
	"github.com/hitoshi/pitwall/internal/store"
)

// memBlobs はテスト用のインメモリblobストア。
type memBlobs struct {
	data map[string]string
}

func (m *memBlobs) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memBlobs) Set(_ context.Context, key, value string) error {
	m.data[key] = value
	return nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	st := store.New(&memBlobs{data: make(map[string]string)}, logger,
		7*24*time.Hour, 30*time.Minute, "")
	if err := st.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return NewService(st, nil, nil)
}

// TestIsNew は最終訪問時刻との比較による新着判定を検証する。
func TestIsNew(t *testing.T) {
	s := newTestService(t)

	// 未訪問: パース可能な日付はすべて新着
	fresh := model.Article{PubDate: time.Now().Format(time.RFC3339)}
	if !s.IsNew(fresh) {
		t.Error("article should be new before first visit")
	}

	if err := s.MarkAllSeen(context.Background()); err != nil {
		t.Fatalf("MarkAllSeen() error = %v", err)
	}

	old := model.Article{PubDate: time.Now().Add(-time.Hour).Format(time.RFC3339)}
	if s.IsNew(old) {
		t.Error("article published before last visit should not be new")
	}

	future := model.Article{PubDate: time.Now().Add(time.Hour).Format(time.RFC3339)}
	if !s.IsNew(future) {
		t.Error("article published after last visit should be new")
	}

	// パース不能な日付は新着扱いしない
	bad := model.Article{PubDate: "not a date"}
	if s.IsNew(bad) {
		t.Error("unparseable pubDate should not be new")
	}
}

// TestCooldownRemaining_FreshStore は初期状態でクールダウンがないことを検証する。
func TestCooldownRemaining_FreshStore(t *testing.T) {
	s := newTestService(t)
	if got := s.CooldownRemaining(); got != 0 {
		t.Errorf("cooldown = %v, want 0 for fresh store", got)
	}
}

// TestArticles_EmptyStore は空ストアで空スライスが返ることを検証する。
func TestArticles_EmptyStore(t *testing.T) {
	s := newTestService(t)
	if got := s.Articles("", ""); len(got) != 0 {
		t.Errorf("articles = %v, want empty", got)
	}
}
