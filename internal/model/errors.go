package model

import "fmt"

// FetchErrorCode はフィードフェッチ失敗の分類コード。
// すべてフィード単位・非致命であり、集約結果に1メッセージとして現れる。
type FetchErrorCode string

const (
	// ErrCodeNetwork はトランスポート層の失敗を示す。
	ErrCodeNetwork FetchErrorCode = "NETWORK"
	// ErrCodeHTTPStatus は2xx以外のHTTPレスポンスを示す。
	ErrCodeHTTPStatus FetchErrorCode = "HTTP_STATUS"
	// ErrCodeNotXML はXML/RSS/Atomと判定できない応答を示す
	// （アンチボットページ等のHTML応答を含む）。
	ErrCodeNotXML FetchErrorCode = "NOT_XML"
	// ErrCodeXMLParse はXMLパース失敗を示す。
	ErrCodeXMLParse FetchErrorCode = "XML_PARSE"
	// ErrCodeEmptyFeed はitem/entryが1件もないフィードを示す。
	ErrCodeEmptyFeed FetchErrorCode = "EMPTY_FEED"
)

// FetchError はフィードフェッチの型付きエラー。
type FetchError struct {
	Code    FetchErrorCode
	Message string
	Status  int // ErrCodeHTTPStatusのときのみ有効
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *FetchError) Error() string {
	return e.Message
}

// Unwrap はラップされた下位エラーを返す。
func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewNetworkError はトランスポート層エラーを生成する。
func NewNetworkError(err error) *FetchError {
	return &FetchError{
		Code:    ErrCodeNetwork,
		Message: fmt.Sprintf("ネットワークエラー: %v", err),
		Err:     err,
	}
}

// NewHTTPStatusError は2xx以外のHTTPステータスエラーを生成する。
func NewHTTPStatusError(status int) *FetchError {
	return &FetchError{
		Code:    ErrCodeHTTPStatus,
		Message: fmt.Sprintf("HTTP %d が返されました", status),
		Status:  status,
	}
}

// NewNotXMLError はXML以外の応答エラーを生成する。
func NewNotXMLError() *FetchError {
	return &FetchError{
		Code:    ErrCodeNotXML,
		Message: "XML以外の応答を受信しました（HTMLエラーページの可能性）",
	}
}

// NewXMLParseError はXMLパース失敗エラーを生成する。
func NewXMLParseError(err error) *FetchError {
	return &FetchError{
		Code:    ErrCodeXMLParse,
		Message: "XMLパースエラー",
		Err:     err,
	}
}

// NewEmptyFeedError は記事なしフィードエラーを生成する。
func NewEmptyFeedError() *FetchError {
	return &FetchError{
		Code:    ErrCodeEmptyFeed,
		Message: "フィードに記事がありません",
	}
}
