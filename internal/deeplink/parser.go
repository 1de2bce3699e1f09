package deeplink

import (
	"net/url"
	"regexp"
	"strconv"

	"github.com/hitoshi/linkconfirm/internal/model"
)

// invalidFormatDescription はURLの分解に失敗した場合の説明。
const invalidFormatDescription = "Invalid URL format"

// sequenceTagPattern はリンクに埋め込まれたタイムスタンプ（t=<整数>）に一致する。
var sequenceTagPattern = regexp.MustCompile(`[?&]t=(\d+)`)

// SequenceTag はURLのクエリから順序付け用のタグを取り出す。
// 見つからない場合や数値として解釈できない場合は0（最古扱い）を返す。
func SequenceTag(rawURL string) int64 {
	m := sequenceTagPattern.FindStringSubmatch(rawURL)
	if len(m) < 2 {
		return 0
	}
	tag, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || tag < 0 {
		return 0
	}
	return tag
}

// Parse は生のURL文字列を LinkPayload に変換する。
//
// 認証情報はクエリではなくフラグメント（#以降）から読み取る。
//   - error パラメータがある場合: KindMalformed。説明は error_description、無ければフローの既定文言
//   - access_token, refresh_token が揃い type がフローの種別に一致する場合: フローの Kind
//   - それ以外: KindMalformed
//
// Parse はpanicしない。URLの分解で問題が起きた場合も KindMalformed を返す。
func Parse(rawURL string, flow Flow) (payload model.LinkPayload) {
	tag := SequenceTag(rawURL)

	defer func() {
		if r := recover(); r != nil {
			payload = malformed(invalidFormatDescription, tag)
		}
	}()

	u, err := url.Parse(rawURL)
	if err != nil {
		return malformed(invalidFormatDescription, tag)
	}

	fragment := u.EscapedFragment()
	if fragment == "" {
		return malformed(flow.NoLinkData, tag)
	}

	// URLSearchParams 相当の寛容な解析。不正なエスケープを含むペアのみ捨てる。
	params, _ := url.ParseQuery(fragment)

	if params.Get("error") != "" {
		description := params.Get("error_description")
		if description == "" {
			description = flow.ErrorFallback
		}
		p := malformed(description, tag)
		p.ErrorCode = params.Get("error_code")
		if p.ErrorCode == "" {
			p.ErrorCode = params.Get("error")
		}
		return p
	}

	accessToken := params.Get("access_token")
	refreshToken := params.Get("refresh_token")
	if accessToken != "" && refreshToken != "" && flow.acceptsType(params.Get("type")) {
		return model.LinkPayload{
			Kind:         flow.Kind,
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			SequenceTag:  tag,
		}
	}

	return malformed(flow.NoLinkData, tag)
}

// FromNavigation はナビゲーションパラメータで渡されたトークンからペイロードを生成する。
// ルーターが事前にURLを解析済みのため、パーサーを経由しない。
func FromNavigation(accessToken, refreshToken string, flow Flow) (model.LinkPayload, bool) {
	if accessToken == "" || refreshToken == "" {
		return model.LinkPayload{}, false
	}
	return model.LinkPayload{
		Kind:         flow.Kind,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, true
}

func malformed(description string, tag int64) model.LinkPayload {
	return model.LinkPayload{
		Kind:             model.KindMalformed,
		SequenceTag:      tag,
		ErrorDescription: description,
	}
}
