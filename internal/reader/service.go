// Package reader はアプリケーション操作のファサードを提供する。
// ストア・リフレッシュオーケストレーター・エンリッチメントスケジューラを
// 1つの利用者向けAPIにまとめる。
package reader

import (
	"context"
	"time"

	"github.com/hitoshi/pitwall/internal/model"
	"github.com/hitoshi/pitwall/internal/store"
	"github.com/hitoshi/pitwall/internal/worker/enrich"
	"github.com/hitoshi/pitwall/internal/worker/refresh"
)

// Service は利用者向け操作のファサード。
type Service struct {
	store        *store.Store
	orchestrator *refresh.Orchestrator
	enricher     *enrich.Scheduler
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(st *store.Store, orchestrator *refresh.Orchestrator, enricher *enrich.Scheduler) *Service {
	return &Service{
		store:        st,
		orchestrator: orchestrator,
		enricher:     enricher,
	}
}

// RefreshAll は全フィードを1回リフレッシュする。
// クールダウン中は何もフェッチせず、残り時間を含む結果を返す。
func (s *Service) RefreshAll(ctx context.Context) (*refresh.Result, error) {
	return s.orchestrator.RefreshAll(ctx)
}

// Articles はフィルタ・検索適用済みの記事一覧を公開日時の降順で返す。
func (s *Service) Articles(filter, search string) []model.Article {
	return s.store.Articles(filter, search)
}

// Feeds は設定済みフィード一覧を返す。
func (s *Service) Feeds() []model.FeedSource {
	return s.store.Feeds()
}

// SetFeeds はフィード一覧を置き換えて永続化する。
func (s *Service) SetFeeds(ctx context.Context, feeds []model.FeedSource) error {
	return s.store.SetFeeds(ctx, feeds)
}

// MarkAllSeen は全記事を既読にし、最終訪問時刻を現在に更新する。
func (s *Service) MarkAllSeen(ctx context.Context) error {
	return s.store.MarkAllSeen(ctx, time.Now())
}

// MarkSeen は1記事を既読にする。
func (s *Service) MarkSeen(ctx context.Context, id string) error {
	return s.store.MarkSeen(ctx, id)
}

// CooldownRemaining は次のリフレッシュが可能になるまでの残り時間を返す。
func (s *Service) CooldownRemaining() time.Duration {
	return s.store.CooldownRemaining(time.Now())
}

// LastVisit は最終訪問時刻を返す。未訪問の場合はゼロ値。
func (s *Service) LastVisit() time.Time {
	return s.store.LastVisit()
}

// IsNew は記事が最終訪問以降に公開されたかを返す。
// 公開日時がパースできない記事は新着扱いしない。
func (s *Service) IsNew(a model.Article) bool {
	t, ok := model.ParsePubDate(a.PubDate)
	if !ok {
		return false
	}
	return t.After(s.store.LastVisit())
}

// NoteVisible は記事が可視になったことをエンリッチメントに通知する。
func (s *Service) NoteVisible(id string) {
	s.enricher.NoteVisible(id)
}

// OnImageResolved はサムネイル解決時のコールバックを設定する。
func (s *Service) OnImageResolved(fn enrich.Observer) {
	s.enricher.OnImageResolved(fn)
}
