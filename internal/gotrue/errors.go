package gotrue

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/net/html"

	"github.com/hitoshi/linkconfirm/internal/model"
)

// errorBody は認証バックエンドのエラーレスポンス。
// エンドポイントやバージョンによって形式が異なるため、既知のフィールドをすべて受け取る。
type errorBody struct {
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// errorFromResponse はエラーレスポンスを *model.BackendError に変換する。
// JSONの場合はメッセージとコードを取り出し、HTML（ゲートウェイのエラーページ等）の場合は
// titleを取り出す。どちらも得られない場合はHTTPステータスの説明文を使用する。
func errorFromResponse(status int, contentType string, body []byte) *model.BackendError {
	be := &model.BackendError{StatusCode: status}

	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		be.Code = firstNonEmpty(eb.ErrorCode, eb.Error)
		be.Message = firstNonEmpty(eb.Msg, eb.Message, eb.ErrorDescription, eb.Error)
	} else if strings.Contains(strings.ToLower(contentType), "text/html") {
		be.Message = htmlTitle(body)
	}

	if be.Message == "" {
		be.Message = http.StatusText(status)
	}
	return be
}

// htmlTitle はHTML文書のtitle要素のテキストを返す。見つからない場合は空文字列を返す。
func htmlTitle(body []byte) string {
	z := html.NewTokenizer(bytes.NewReader(body))
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := z.TagName()
			inTitle = string(name) == "title"
		case html.TextToken:
			if inTitle {
				return strings.Join(strings.Fields(string(z.Text())), " ")
			}
		case html.EndTagToken:
			inTitle = false
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
