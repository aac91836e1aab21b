// Package proxy はHTTPプロキシ経由のリクエストURL組み立てを提供する。
package proxy

import (
	"net/url"
	"strings"
)

// Build は対象URLとプロキシベースから実際にリクエストするURLを組み立てる。
// ベースの規約は順にチェックされる:
//  1. "?url=" で終わる → パーセントエンコードした対象URLを連結
//     （"/raw?url=" のrawパススルー形式もここに含まれる）
//  2. "/" で終わる → 対象URLをエンコードせずに連結（パス形式プロキシ）
//  3. それ以外 → ベースに "?" が含まれるかで "?url=" / "&url=" を選び、
//     パーセントエンコードした対象URLを連結
//
// 純粋関数であり、不正なベースでも必ず何らかのURL文字列を返す。
// ベースが空の場合は対象URLをそのまま返す（プロキシなし）。
func Build(base, target string) string {
	if base == "" {
		return target
	}

	escaped := url.QueryEscape(target)

	switch {
	case strings.HasSuffix(base, "?url="):
		return base + escaped
	case strings.HasSuffix(base, "/"):
		return base + target
	default:
		sep := "?"
		if strings.Contains(base, "?") {
			sep = "&"
		}
		return base + sep + "url=" + escaped
	}
}
