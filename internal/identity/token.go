package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adminisgo/adminis/internal/model"
)

// ErrInvalidToken はアクセストークンの検証失敗を表す。
var ErrInvalidToken = errors.New("invalid access token")

// accessClaims は認証サービスが発行するアクセストークンのクレーム。
type accessClaims struct {
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	UserMetadata map[string]any `json:"user_metadata"`
	jwt.RegisteredClaims
}

// TokenVerifier はHS256署名のアクセストークンを検証する。
type TokenVerifier struct {
	secret   []byte
	audience string
}

// NewTokenVerifier はTokenVerifierを生成する。
// audienceが空の場合はaudクレームを検証しない。
func NewTokenVerifier(secret, audience string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), audience: audience}
}

// Verify はトークンを検証し、そこから復元したセッションを返す。
// リフレッシュトークンは含まれない。
func (v *TokenVerifier) Verify(token string) (*model.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: jwt secret not configured", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.ParseWithClaims(token, &accessClaims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*accessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}

	session := &model.Session{
		AccessToken: token,
		TokenType:   "bearer",
		User: model.SessionUser{
			ID:       claims.Subject,
			Email:    claims.Email,
			Metadata: metadataFromMap(claims.UserMetadata),
		},
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// Sign はテストとローカル開発用にアクセストークンを署名する。
func (v *TokenVerifier) Sign(user model.SessionUser, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := accessClaims{
		Email:        user.Email,
		Role:         "authenticated",
		UserMetadata: metadataToMap(user.Metadata),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// metadataFromMap はuser_metadataをSessionMetadataに変換する。
// rol_idは数値と文字列のどちらでも受け付ける。
func metadataFromMap(m map[string]any) model.SessionMetadata {
	if m == nil {
		return model.SessionMetadata{}
	}
	return model.SessionMetadata{
		TenantID:  stringValue(m["comercio_id"]),
		RoleID:    int64Value(m["rol_id"]),
		Nombre:    stringValue(m["nombre"]),
		Telefono:  stringValue(m["telefono"]),
		Direccion: stringValue(m["direccion"]),
	}
}

// metadataToMap はSessionMetadataをuser_metadata形式に変換する。空の項目は含めない。
func metadataToMap(md model.SessionMetadata) map[string]any {
	m := map[string]any{}
	if md.TenantID != "" {
		m["comercio_id"] = md.TenantID
	}
	if md.RoleID != 0 {
		m["rol_id"] = md.RoleID
	}
	if md.Nombre != "" {
		m["nombre"] = md.Nombre
	}
	if md.Telefono != "" {
		m["telefono"] = md.Telefono
	}
	if md.Direccion != "" {
		m["direccion"] = md.Direccion
	}
	return m
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func int64Value(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case json.Number:
		i, _ := t.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return i
	default:
		return 0
	}
}
