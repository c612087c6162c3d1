package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/snoozeyoulose/backend/internal/models"
	"github.com/snoozeyoulose/backend/internal/notify"
	"github.com/snoozeyoulose/backend/internal/ratelimit"
	"github.com/snoozeyoulose/backend/internal/services"
)

// ErrInvalidCode covers every unredeemable submission: wrong code, expired
// code, already-used code, or no code outstanding. Collapsing them denies a
// caller the ability to probe which phone numbers have logins in flight.
var ErrInvalidCode = errors.New("invalid or expired code")

// Config bounds the login-code flow.
type Config struct {
	CodeTTL  time.Duration
	TokenTTL time.Duration

	SendPerPhoneMax    int
	SendPerPhoneWindow time.Duration
	SendPerIPMax       int
	SendPerIPWindow    time.Duration
	VerifyMax          int
	VerifyWindow       time.Duration
}

func DefaultConfig() Config {
	return Config{
		CodeTTL:            10 * time.Minute,
		TokenTTL:           30 * 24 * time.Hour,
		SendPerPhoneMax:    3,
		SendPerPhoneWindow: 15 * time.Minute,
		SendPerIPMax:       10,
		SendPerIPWindow:    time.Hour,
		VerifyMax:          10,
		VerifyWindow:       15 * time.Minute,
	}
}

// VerificationStore persists outstanding login codes.
type VerificationStore interface {
	Replace(ctx context.Context, v *models.Verification) error
	GetActive(ctx context.Context, phoneNumber string, now time.Time) (*models.Verification, error)
	MarkVerified(ctx context.Context, id uuid.UUID) (bool, error)
}

// UserStore resolves and creates users keyed by phone number.
type UserStore interface {
	GetByPhone(ctx context.Context, phoneNumber string) (*models.User, error)
	Create(ctx context.Context, u *models.User) error
}

type Service interface {
	SendCode(ctx context.Context, phoneNumber, clientIP string) error
	Verify(ctx context.Context, phoneNumber, code string) (string, *models.User, error)
	ValidateToken(token string) (uuid.UUID, error)
}

type service struct {
	verifications VerificationStore
	users         UserStore
	limiter       ratelimit.Limiter
	notifier      notify.Dispatcher
	secret        []byte
	cfg           Config
	log           *slog.Logger

	nowFn func() time.Time
}

func NewService(verifications VerificationStore, users UserStore, limiter ratelimit.Limiter, notifier notify.Dispatcher, secret []byte, cfg Config, log *slog.Logger) *service {
	if log == nil {
		log = slog.Default()
	}
	return &service{
		verifications: verifications,
		users:         users,
		limiter:       limiter,
		notifier:      notifier,
		secret:        secret,
		cfg:           cfg,
		log:           log,
		nowFn:         time.Now,
	}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

// SendCode generates a fresh login code, stores only its bcrypt hash, and
// delivers the plaintext by SMS. Replacing the stored row means the latest
// code is the only redeemable one.
func (s *service) SendCode(ctx context.Context, phoneNumber, clientIP string) error {
	phone, err := NormalizePhone(phoneNumber)
	if err != nil {
		return err
	}

	if err := s.allow(ctx, "send-code:"+phone, s.cfg.SendPerPhoneMax, s.cfg.SendPerPhoneWindow); err != nil {
		return err
	}
	if clientIP != "" {
		if err := s.allow(ctx, "send-code-ip:"+clientIP, s.cfg.SendPerIPMax, s.cfg.SendPerIPWindow); err != nil {
			return err
		}
	}

	code, err := services.GenerateCode()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	v := &models.Verification{
		ID:          uuid.New(),
		PhoneNumber: phone,
		CodeHash:    string(hash),
		ExpiresAt:   s.nowFn().Add(s.cfg.CodeTTL),
	}
	if err := s.verifications.Replace(ctx, v); err != nil {
		return err
	}

	// Unlike alarm dispatch, a failed send here is fatal: the user cannot
	// log in without the code.
	if _, err := s.notifier.Deliver(ctx, notify.ChannelSMS, notify.FormatE164(phone), notify.Payload{
		Body: notify.LoginCodeSMSBody(code),
	}); err != nil {
		return err
	}
	return nil
}

// Verify redeems a login code and returns a session token, creating the user
// on first login. The conditioned MarkVerified makes each code single-use
// even when two submissions race.
func (s *service) Verify(ctx context.Context, phoneNumber, code string) (string, *models.User, error) {
	phone, err := NormalizePhone(phoneNumber)
	if err != nil {
		return "", nil, err
	}
	if !services.ValidCodeFormat(code) {
		return "", nil, ErrInvalidCode
	}

	if err := s.allow(ctx, "verify:"+phone, s.cfg.VerifyMax, s.cfg.VerifyWindow); err != nil {
		return "", nil, err
	}

	v, err := s.verifications.GetActive(ctx, phone, s.nowFn())
	if err != nil {
		return "", nil, err
	}
	if v == nil {
		return "", nil, ErrInvalidCode
	}
	if bcrypt.CompareHashAndPassword([]byte(v.CodeHash), []byte(code)) != nil {
		return "", nil, ErrInvalidCode
	}

	ok, err := s.verifications.MarkVerified(ctx, v.ID)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, ErrInvalidCode
	}

	user, err := s.getOrCreateUser(ctx, phone)
	if err != nil {
		return "", nil, err
	}

	token, err := s.issueToken(user.ID)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

func (s *service) getOrCreateUser(ctx context.Context, phone string) (*models.User, error) {
	user, err := s.users.GetByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	user = &models.User{ID: uuid.New(), PhoneNumber: phone, BalanceCents: 0}
	if err := s.users.Create(ctx, user); err != nil {
		// A concurrent first login for the same number can win the insert;
		// the unique constraint tells us to just read their row.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return s.users.GetByPhone(ctx, phone)
		}
		return nil, err
	}
	return user, nil
}

func (s *service) allow(ctx context.Context, key string, max int, window time.Duration) error {
	res, err := s.limiter.Check(ctx, key, max, window)
	if err != nil {
		// Limiter outage must not lock everyone out of login.
		s.log.Warn("rate limiter check failed, allowing attempt", "key", key, "error", err)
		return nil
	}
	if !res.Allowed {
		return &ratelimit.RateLimitedError{ResetIn: res.ResetIn}
	}
	return nil
}

func (s *service) issueToken(userID uuid.UUID) (string, error) {
	now := s.nowFn()
	c := jwt.RegisteredClaims{
		Subject:   userID.String(),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(token string) (uuid.UUID, error) {
	tok, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return uuid.Nil, err
	}
	c, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || !tok.Valid {
		return uuid.Nil, errors.New("invalid token")
	}
	return uuid.Parse(c.Subject)
}
