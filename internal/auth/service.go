package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/pkg/logger"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	grantTypePassword = "password"
	grantTypeAPIKey   = "api_key"
	grantTypeRefresh  = "refresh_token"
)

// Service 负责 REST 接口的身份认证与授权。
type Service struct {
	mode  Mode
	store Store
	jwt   *jwtManager
	audit *slog.Logger
	now   func() time.Time
}

// NewService 构造身份认证服务。JWT 模式下会把 Seeds 写入支持 SeedWriter 的存储。
func NewService(ctx context.Context, cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, store: store, audit: logger.Audit(), now: time.Now}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "unsupported auth mode: "+string(cfg.Mode))
	}

	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "jwt mode requires a user store")
	}
	if strings.TrimSpace(cfg.JWT.Secret) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "jwt secret must be configured")
	}
	if cfg.JWT.AccessTTL <= 0 {
		cfg.JWT.AccessTTL = 3600
	}
	if cfg.JWT.RefreshTTL <= 0 {
		cfg.JWT.RefreshTTL = 86400
	}
	svc.jwt = &jwtManager{
		secret:     []byte(cfg.JWT.Secret),
		issuer:     cfg.JWT.Issuer,
		audience:   cfg.JWT.Audience,
		accessTTL:  time.Duration(cfg.JWT.AccessTTL) * time.Second,
		refreshTTL: time.Duration(cfg.JWT.RefreshTTL) * time.Second,
		now:        func() time.Time { return svc.now() },
	}

	if writer, ok := store.(SeedWriter); ok {
		for _, seed := range cfg.Seeds {
			if err := writer.ApplySeed(ctx, seed); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "apply seed "+seed.Username)
			}
		}
	}
	return svc, nil
}

// Mode 返回当前工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Authenticate 按授权类型签发令牌，支持密码、API Key 与刷新令牌。
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	grant := strings.ToLower(strings.TrimSpace(req.GrantType))
	if grant == "" {
		grant = grantTypePassword
	}

	var (
		user *User
		err  error
	)
	switch grant {
	case grantTypePassword:
		user, err = s.store.FindUserByUsername(ctx, strings.TrimSpace(req.Username))
		if err != nil || !VerifyPassword(user.PasswordHash, req.Password) {
			return nil, ErrInvalidCredentials
		}
	case grantTypeAPIKey:
		user, err = s.store.FindUserByAPIKey(ctx, req.APIKey)
		if err != nil {
			return nil, ErrInvalidCredentials
		}
	case grantTypeRefresh:
		claims, verr := s.jwt.Verify(req.Password)
		if verr != nil || claims.TokenType != tokenTypeRefresh {
			return nil, ErrInvalidToken
		}
		return s.issue(ctx, claims.Subject)
	default:
		return nil, ErrUnsupportedGrant
	}
	if user.Disabled {
		return nil, ErrSubjectRevoked
	}
	return s.issue(ctx, strconv.FormatInt(user.ID, 10))
}

func (s *Service) issue(ctx context.Context, sub string) (*TokenPair, error) {
	subject, err := s.loadSubject(ctx, sub)
	if err != nil {
		return nil, err
	}
	pair, err := s.jwt.Generate(subject)
	if err != nil {
		return nil, err
	}
	s.audit.Info("token_issued", slog.String("user", subject.Username))
	return pair, nil
}

// AuthenticateRequest 校验 Authorization 或 X-API-Key 头并返回主体。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization, apiKey string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	if key := strings.TrimSpace(apiKey); key != "" {
		user, err := s.store.FindUserByAPIKey(ctx, key)
		if err != nil {
			return nil, ErrInvalidToken
		}
		return s.loadSubject(ctx, strconv.FormatInt(user.ID, 10))
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return nil, ErrMissingToken
	}
	claims, err := s.jwt.Verify(token)
	if err != nil {
		// 结算客户端以 Bearer 形式携带 API Key。
		if user, kerr := s.store.FindUserByAPIKey(ctx, token); kerr == nil {
			return s.loadSubject(ctx, strconv.FormatInt(user.ID, 10))
		}
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, ErrInvalidToken
	}
	return s.loadSubject(ctx, claims.Subject)
}

func (s *Service) loadSubject(ctx context.Context, sub string) (*Subject, error) {
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	subject, err := s.store.LoadSubject(ctx, userID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	subject.normalise()
	return subject, nil
}

type claims struct {
	jwt.RegisteredClaims
	Username  string `json:"username,omitempty"`
	TokenType string `json:"type"`
}

type jwtManager struct {
	secret     []byte
	issuer     string
	audience   []string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// Generate 生成访问令牌与刷新令牌。
func (m *jwtManager) Generate(subject *Subject) (*TokenPair, error) {
	access, err := m.sign(subject, tokenTypeAccess, m.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := m.sign(subject, tokenTypeRefresh, m.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		ExpiresIn:        int64(m.accessTTL.Seconds()),
		RefreshToken:     refresh,
		RefreshExpiresIn: int64(m.refreshTTL.Seconds()),
		TokenType:        "Bearer",
	}, nil
}

func (m *jwtManager) sign(subject *Subject, typ string, ttl time.Duration) (string, error) {
	now := m.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(subject.ID, 10),
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings(m.audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username:  subject.Username,
		TokenType: typ,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "sign token")
	}
	return token, nil
}

// Verify 校验签名、有效期、签发者与受众。
func (m *jwtManager) Verify(raw string) (*claims, error) {
	if m == nil {
		return nil, ErrInvalidToken
	}
	var c claims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) { return m.secret, nil })
	if err != nil {
		return nil, ErrInvalidToken
	}
	if m.issuer != "" && !c.VerifyIssuer(m.issuer, true) {
		return nil, ErrInvalidToken
	}
	if len(m.audience) > 0 {
		matched := false
		for _, aud := range m.audience {
			if c.VerifyAudience(aud, true) {
				matched = true
				break
			}
		}
		if !matched {
			return nil, ErrInvalidToken
		}
	}
	return &c, nil
}

// HashPassword 使用 bcrypt 生成密码摘要。
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "hash password")
	}
	return string(hash), nil
}

// VerifyPassword 校验密码与摘要是否匹配。
func VerifyPassword(hashed, password string) bool {
	if hashed == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}

// HashAPIKey 返回 API Key 的索引摘要。API Key 本身是高熵随机串，摘要可直接用于查找。
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}
