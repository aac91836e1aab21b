package feed

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/pitwall/internal/model"
)

// --- テスト用モック ---

// passThroughGuard はテスト用のSSRFValidatorモック。
// httptestサーバー（ループバック）への接続を許可するため素のクライアントを返す。
type passThroughGuard struct{}

func (passThroughGuard) ValidateURL(string) error { return nil }

func (passThroughGuard) NewSafeClient(timeout time.Duration, _ int64) *http.Client {
	return &http.Client{Timeout: timeout}
}

// staticBase は固定のプロキシベースを返すProxyBaseSourceモック。
type staticBase string

func (b staticBase) ProxyBase() string { return string(b) }

func newTestFetcher() *Fetcher {
	return NewFetcher(passThroughGuard{}, staticBase(""), slog.Default(), 5*time.Second, 1<<20)
}

func fetchErrorCode(t *testing.T, err error) model.FetchErrorCode {
	t.Helper()
	var fe *model.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error is not *model.FetchError: %v", err)
	}
	return fe.Code
}

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
<title>Test Feed</title>
<item>
<title>Qualifying report</title>
<link>https://example.com/quali</link>
<guid>quali-1</guid>
<pubDate>Mon, 02 Jan 2006 15:04:05 -0700</pubDate>
<description>Report text</description>
</item>
</channel>
</rss>`

// TestFetch_Success は正常なRSSフィードのフェッチとパースを検証する。
func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	items, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("item count = %d, want 1", len(items))
	}
	if items[0].Title != "Qualifying report" {
		t.Errorf("title = %q", items[0].Title)
	}
}

// TestFetch_HTTPStatusError は2xx以外のレスポンスの分類を検証する。
func TestFetch_HTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	if code := fetchErrorCode(t, err); code != model.ErrCodeHTTPStatus {
		t.Errorf("code = %s, want HTTP_STATUS", code)
	}

	var fe *model.FetchError
	errors.As(err, &fe)
	if fe.Status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", fe.Status)
	}
}

// TestFetch_NetworkError は到達不能ホストの分類を検証する。
func TestFetch_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // 即座に閉じて接続拒否にする

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	if code := fetchErrorCode(t, err); code != model.ErrCodeNetwork {
		t.Errorf("code = %s, want NETWORK", code)
	}
}

// TestFetch_NotXML はHTMLエラーページの拒否を検証する。
func TestFetch_NotXML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html><html><body>Access denied</body></html>`))
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	if code := fetchErrorCode(t, err); code != model.ErrCodeNotXML {
		t.Errorf("code = %s, want NOT_XML", code)
	}
}

// TestFetch_XMLDeclarationOverridesContentType はContent-Typeが誤っていても
// XML宣言で始まるボディが受理されることを検証する。
func TestFetch_XMLDeclarationOverridesContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	items, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(items) != 1 {
		t.Errorf("item count = %d, want 1", len(items))
	}
}

// TestFetch_FeedTagRequiresBoundary は<feedback>等の類似タグを含むHTMLが
// フィードとして受理されないことを検証する。
func TestFetch_FeedTagRequiresBoundary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(`<html><body><feedback>Tell us what you think</feedback></body></html>`))
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	if code := fetchErrorCode(t, err); code != model.ErrCodeNotXML {
		t.Errorf("code = %s, want NOT_XML", code)
	}
}

// TestLooksLikeXML はフィード判定スニッフィングの字句規則を検証する。
func TestLooksLikeXML(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"XML宣言", `<?xml version="1.0"?><unknown/>`, true},
		{"rssルート要素", `<rss version="2.0"></rss>`, true},
		{"feedルート要素", `<feed xmlns="http://www.w3.org/2005/Atom"></feed>`, true},
		{"属性なしfeed", `<feed></feed>`, true},
		{"大文字", `<RSS VERSION="2.0"></RSS>`, true},
		{"feedbackは別要素", `<html><feedback>ops</feedback></html>`, false},
		{"rssnewsは別要素", `<rssnews></rssnews>`, false},
		{"ただのHTML", `<!DOCTYPE html><html></html>`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := looksLikeXML(tt.body); got != tt.want {
				t.Errorf("looksLikeXML(%q) = %v, want %v", tt.body, got, tt.want)
			}
		})
	}
}

// TestFetch_RepairsBareAmpersand は裸のアンパサンドを含むフィードが
// 修復後にパースエラーなく処理され、テキストが復元されることを検証する。
func TestFetch_RepairsBareAmpersand(t *testing.T) {
	broken := `<?xml version="1.0"?>
<rss version="2.0"><channel><title>t</title>
<item><title>Red Bull & Co sign deal</title><link>https://example.com/a</link></item>
</channel></rss>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(broken))
	}))
	defer srv.Close()

	items, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if items[0].Title != "Red Bull & Co sign deal" {
		t.Errorf("title = %q, want literal ampersand restored", items[0].Title)
	}
}

// TestFetch_EmptyFeed はitem/entryが0件のフィードの分類を検証する。
func TestFetch_EmptyFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(`<?xml version="1.0"?><rss version="2.0"><channel><title>t</title></channel></rss>`))
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	if code := fetchErrorCode(t, err); code != model.ErrCodeEmptyFeed {
		t.Errorf("code = %s, want EMPTY_FEED", code)
	}
}

// TestFetch_UsesProxyBase はプロキシベース経由でリクエストされることを検証する。
func TestFetch_UsesProxyBase(t *testing.T) {
	var gotTarget string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTarget = r.URL.Query().Get("url")
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	f := NewFetcher(passThroughGuard{}, staticBase(srv.URL+"/?url="), slog.Default(), 5*time.Second, 1<<20)
	if _, err := f.Fetch(context.Background(), "https://feeds.example.com/rss"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if gotTarget != "https://feeds.example.com/rss" {
		t.Errorf("proxied target = %q", gotTarget)
	}
}

// TestRepairEntities は裸のアンパサンド修復の字句規則を検証する。
func TestRepairEntities(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"裸のアンパサンドはエスケープ", "Red Bull & Co", "Red Bull &amp; Co"},
		{"既存のamp;はそのまま", "a &amp; b", "a &amp; b"},
		{"5種の名前付きエンティティはそのまま", "&lt;&gt;&quot;&apos;&amp;", "&lt;&gt;&quot;&apos;&amp;"},
		{"数値文字参照はそのまま", "&#169; &#x00e9;", "&#169; &#x00e9;"},
		{"未知の名前付きエンティティはエスケープ", "a &nbsp; b", "a &amp;nbsp; b"},
		{"連続する裸のアンパサンド", "a && b", "a &amp;&amp; b"},
		{"アンパサンドなしは無変更", "plain text", "plain text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := repairEntities(tt.input); got != tt.want {
				t.Errorf("repairEntities(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
