// Package gotrue は認証バックエンド（GoTrue互換のREST API）のクライアントを提供する。
// リンクのトークンからのセッション確立、パスワード変更、サインアウト、
// パスワードリセットメール・確認メールの送信要求を扱う。
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/hitoshi/linkconfirm/internal/model"
)

const (
	// maxResponseSize はレスポンスボディの最大読み取りサイズ。
	maxResponseSize = 1 << 20
	// userAgent はリクエストに付与するUser-Agent。
	userAgent = "linkconfirm/1.0"
)

// ErrEmailRateLimited はメール送信要求がクライアント側の上限を超えた場合のエラー。
var ErrEmailRateLimited = errors.New("gotrue: email request rate limit exceeded")

// Config はClientの設定。
type Config struct {
	// BaseURL はプロジェクトのURL（例: https://xxxx.supabase.co）。/auth/v1 は自動で付与する。
	BaseURL string
	// AnonKey はapikeyヘッダーに付与する公開キー。
	AnonKey string
	// EmailRate はメール送信要求の1分あたりの上限。0以下の場合は制限しない。
	EmailRate int
	// EmailBurst はメール送信要求のバースト数。
	EmailBurst int
}

// Client は認証バックエンドのクライアント。
type Client struct {
	httpClient   *http.Client
	logger       *slog.Logger
	authURL      string
	anonKey      string
	emailLimiter *rate.Limiter
	refreshGroup singleflight.Group
	now          func() time.Time
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClient には送信先の検証付きクライアントを渡す。
func NewClient(httpClient *http.Client, cfg Config, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid auth base URL %q", cfg.BaseURL)
	}
	if cfg.AnonKey == "" {
		return nil, fmt.Errorf("auth anon key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	burst := cfg.EmailBurst
	if cfg.EmailRate > 0 {
		limit = rate.Limit(float64(cfg.EmailRate) / 60.0)
		if burst <= 0 {
			burst = 1
		}
	}

	return &Client{
		httpClient:   httpClient,
		logger:       logger,
		authURL:      base.String() + "/auth/v1",
		anonKey:      cfg.AnonKey,
		emailLimiter: rate.NewLimiter(limit, burst),
		now:          time.Now,
	}, nil
}

// userResponse は /user のレスポンス。
type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// tokenResponse は /token のレスポンス。
type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	User         userResponse `json:"user"`
}

// ExchangeForSession はリンクに含まれるトークンからセッションを確立する。
//
// アクセストークンの有効期限（exp）を署名検証せずに読み取り、
// 有効期限内であれば /user でトークンを検証し、期限切れであれば
// リフレッシュトークンで新しいセッションを発行する。
// 署名の検証はバックエンドが行う。
func (c *Client) ExchangeForSession(ctx context.Context, accessToken, refreshToken string) (*model.Session, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err == nil {
		exp, _ := claims.GetExpirationTime()
		if exp != nil && exp.After(c.now()) {
			return c.currentUser(ctx, accessToken, refreshToken, exp.Time)
		}
	} else {
		c.logger.Debug("access token is not a readable JWT, refreshing", slog.String("error", err.Error()))
	}

	return c.refresh(ctx, refreshToken)
}

// currentUser はアクセストークンでユーザーを取得し、セッションを組み立てる。
func (c *Client) currentUser(ctx context.Context, accessToken, refreshToken string, expiresAt time.Time) (*model.Session, error) {
	var user userResponse
	if err := c.do(ctx, c.bearerClient(ctx, accessToken), http.MethodGet, "/user", nil, nil, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, &model.BackendError{StatusCode: http.StatusUnauthorized, Message: "User not found for this link"}
	}

	return &model.Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresAt:    expiresAt,
		UserID:       user.ID,
		Email:        user.Email,
	}, nil
}

// refresh はリフレッシュトークンで新しいセッションを発行する。
// 同じリフレッシュトークンによる同時要求は1回のリクエストにまとめる。
// リフレッシュトークンは使い捨てのため、まとめないと2件目が必ず失敗する。
func (c *Client) refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	v, err, shared := c.refreshGroup.Do(refreshToken, func() (interface{}, error) {
		query := url.Values{"grant_type": {"refresh_token"}}
		body := map[string]string{"refresh_token": refreshToken}

		var tok tokenResponse
		if err := c.do(ctx, c.httpClient, http.MethodPost, "/token", query, body, &tok); err != nil {
			return nil, err
		}
		if tok.AccessToken == "" {
			return nil, &model.BackendError{StatusCode: http.StatusBadGateway, Message: "Auth server returned no session"}
		}
		return c.sessionFromToken(tok), nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("refresh shared with concurrent exchange")
	}
	return v.(*model.Session), nil
}

func (c *Client) sessionFromToken(tok tokenResponse) *model.Session {
	var expiresAt time.Time
	switch {
	case tok.ExpiresAt > 0:
		expiresAt = time.Unix(tok.ExpiresAt, 0)
	case tok.ExpiresIn > 0:
		expiresAt = c.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	return &model.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    expiresAt,
		UserID:       tok.User.ID,
		Email:        tok.User.Email,
	}
}

// UpdateCredential はセッションのユーザーのパスワードを変更する。
func (c *Client) UpdateCredential(ctx context.Context, session *model.Session, newPassword string) error {
	if session == nil || session.AccessToken == "" {
		return &model.BackendError{StatusCode: http.StatusUnauthorized, Message: "Auth session missing!"}
	}
	body := map[string]string{"password": newPassword}
	return c.do(ctx, c.bearerClient(ctx, session.AccessToken), http.MethodPut, "/user", nil, body, nil)
}

// SignOut はセッションを破棄する。既に無効なセッションの場合は成功として扱う。
func (c *Client) SignOut(ctx context.Context, session *model.Session) error {
	if session == nil || session.AccessToken == "" {
		return nil
	}
	query := url.Values{"scope": {"local"}}
	err := c.do(ctx, c.bearerClient(ctx, session.AccessToken), http.MethodPost, "/logout", query, nil, nil)

	var be *model.BackendError
	if errors.As(err, &be) && (be.StatusCode == http.StatusUnauthorized || be.StatusCode == http.StatusNotFound) {
		return nil
	}
	return err
}

// RequestPasswordReset はパスワードリセットメールの送信を要求する。
// redirectTo はメール内のリンクの遷移先（アプリのディープリンク）。
func (c *Client) RequestPasswordReset(ctx context.Context, email, redirectTo string) error {
	if !c.emailLimiter.Allow() {
		return ErrEmailRateLimited
	}
	var query url.Values
	if redirectTo != "" {
		query = url.Values{"redirect_to": {redirectTo}}
	}
	body := map[string]string{"email": email}
	return c.do(ctx, c.httpClient, http.MethodPost, "/recover", query, body, nil)
}

// ResendVerification は登録確認メールの再送信を要求する。
func (c *Client) ResendVerification(ctx context.Context, email, redirectTo string) error {
	if !c.emailLimiter.Allow() {
		return ErrEmailRateLimited
	}
	var query url.Values
	if redirectTo != "" {
		query = url.Values{"redirect_to": {redirectTo}}
	}
	body := map[string]string{"type": "signup", "email": email}
	return c.do(ctx, c.httpClient, http.MethodPost, "/resend", query, body, nil)
}

// bearerClient はアクセストークンをAuthorizationヘッダーに付与するクライアントを返す。
// 送信先の検証付きTransportを引き継ぐ。
func (c *Client) bearerClient(ctx context.Context, accessToken string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
}

// do はリクエストを送信し、2xxの場合はレスポンスをoutにデコードする。
// 2xx以外の場合は *model.BackendError を返す。
func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, query url.Values, body, out any) error {
	endpoint := c.authURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Warn("auth backend request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("auth backend request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read auth backend response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		be := errorFromResponse(resp.StatusCode, resp.Header.Get("Content-Type"), respBody)
		c.logger.Info("auth backend returned error",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
			slog.String("error_code", be.Code),
		)
		return be
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode auth backend response: %w", err)
	}
	return nil
}
