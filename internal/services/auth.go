package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vidyavaradhi/apiserver/internal/logging"
	"github.com/vidyavaradhi/apiserver/internal/mail"
	"github.com/vidyavaradhi/apiserver/internal/metrics"
	"github.com/vidyavaradhi/apiserver/internal/otp"
	"github.com/vidyavaradhi/apiserver/internal/ratelimit"
	"github.com/vidyavaradhi/apiserver/internal/session"
	"github.com/vidyavaradhi/apiserver/internal/store"
	"github.com/vidyavaradhi/apiserver/types"
)

const (
	defaultStoreTimeout = 5 * time.Second
	defaultMailTimeout  = 10 * time.Second
	limiterRetryDelay   = 50 * time.Millisecond
)

// PasswordHasher is the subset of password.Multi the flows use.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
	DummyVerify(password string)
	NeedsRehash(hash string) bool
}

// AuthDeps wires the collaborators of AuthService.
type AuthDeps struct {
	Users    *UserService
	Hasher   PasswordHasher
	Ledger   *otp.Ledger
	Tickets  otp.TicketStore
	Limiter  *ratelimit.Limiter
	Sessions *session.Manager
	Mailer   mail.Dispatcher
	Log      logging.Logger
}

// AuthOptions tunes AuthService. Zero values fall back to defaults.
type AuthOptions struct {
	// ExposeOTP returns issued codes to the caller. Development only.
	ExposeOTP    bool
	TicketTTL    time.Duration
	StoreTimeout time.Duration
	MailTimeout  time.Duration
	Now          func() time.Time
}

// AuthService runs the registration and login flows.
type AuthService struct {
	users    *UserService
	hasher   PasswordHasher
	ledger   *otp.Ledger
	tickets  otp.TicketStore
	limiter  *ratelimit.Limiter
	sessions *session.Manager
	mailer   mail.Dispatcher
	log      logging.Logger
	opts     AuthOptions
}

func NewAuthService(deps AuthDeps, opts AuthOptions) *AuthService {
	if opts.TicketTTL <= 0 {
		opts.TicketTTL = otp.DefaultTicketTTL
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.MailTimeout <= 0 {
		opts.MailTimeout = defaultMailTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := deps.Log
	if log == nil {
		log = logging.Nop()
	}
	return &AuthService{
		users:    deps.Users,
		hasher:   deps.Hasher,
		ledger:   deps.Ledger,
		tickets:  deps.Tickets,
		limiter:  deps.Limiter,
		sessions: deps.Sessions,
		mailer:   deps.Mailer,
		log:      log.With("component", "auth"),
		opts:     opts,
	}
}

// OTPIssued reports a successful issue. Code is only set when codes are
// exposed.
type OTPIssued struct {
	Code      string
	ExpiresAt time.Time
}

// RequestOTP issues a registration code for email and mails it. A mail
// failure is reported as ErrDelivery; the issued code stays valid.
func (s *AuthService) RequestOTP(ctx context.Context, email string) (OTPIssued, error) {
	email = strings.TrimSpace(email)
	if !validEmail(email) {
		return OTPIssued{}, validationError("Valid email address is required")
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	rec, err := s.ledger.Issue(storeCtx, email, types.OTPPurposeRegistration)
	if err != nil {
		s.log.Error(ctx, "otp issue failed", "error", err)
		return OTPIssued{}, dependencyFailure(err)
	}
	metrics.RecordOTPIssued()

	mailCtx, cancelMail := context.WithTimeout(ctx, s.opts.MailTimeout)
	defer cancelMail()
	if err := s.mailer.Dispatch(mailCtx, mail.OTPMessage(email, rec.Code, s.ledger.TTL())); err != nil {
		s.log.Warn(ctx, "otp delivery failed", "error", err)
		return OTPIssued{}, deliveryFailure(err)
	}

	issued := OTPIssued{ExpiresAt: rec.ExpiresAt}
	if s.opts.ExposeOTP {
		issued.Code = rec.Code
	}
	return issued, nil
}

// OTPVerified carries the reserved user ID and the secret that must
// accompany it at registration.
type OTPVerified struct {
	UserID       string
	TicketSecret string
}

// VerifyOTP consumes code for email. Every failure reason yields the same
// AuthFailure.
func (s *AuthService) VerifyOTP(ctx context.Context, email, code string) (OTPVerified, error) {
	email = strings.TrimSpace(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return OTPVerified{}, validationError("Email and OTP are required")
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	outcome, err := s.ledger.Check(storeCtx, email, code)
	if err != nil {
		s.log.Error(ctx, "otp verify failed", "error", err)
		return OTPVerified{}, dependencyFailure(err)
	}
	metrics.RecordOTPVerification(outcome.String())
	if outcome != otp.OutcomeVerified {
		s.log.Debug(ctx, "otp rejected", "outcome", outcome)
		return OTPVerified{}, authFailed(msgInvalidOTP)
	}

	verified, err := s.reserveRegistration(storeCtx, email)
	if err != nil {
		s.log.Error(ctx, "reserve registration failed", "error", err)
		s.releaseOTP(ctx, email, code)
		return OTPVerified{}, dependencyFailure(err)
	}

	s.log.Info(ctx, "email verified", "user_id", verified.UserID)
	return verified, nil
}

// reserveRegistration allocates the user ID and saves the ticket for email.
func (s *AuthService) reserveRegistration(ctx context.Context, email string) (OTPVerified, error) {
	userID, err := s.users.NextUserID(ctx, s.opts.Now())
	if err != nil {
		return OTPVerified{}, err
	}
	secret, err := otp.NewTicketSecret()
	if err != nil {
		return OTPVerified{}, err
	}
	ticket := otp.Ticket{UserID: userID, Email: email, Secret: secret}
	if err := s.tickets.Save(ctx, ticket, s.opts.TicketTTL); err != nil {
		return OTPVerified{}, err
	}
	return OTPVerified{UserID: userID, TicketSecret: secret}, nil
}

// releaseOTP gives a consumed code back so the caller can retry the verify.
// It runs on its own deadline since the request's may already be spent.
func (s *AuthService) releaseOTP(ctx context.Context, email, code string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
	defer cancel()
	if ok, err := s.ledger.Release(releaseCtx, email, code); err != nil || !ok {
		s.log.Warn(ctx, "otp release failed", "released", ok, "error", err)
	}
}

// RegisterInput is the final registration step.
type RegisterInput struct {
	UserID       string
	TicketSecret string
	Email        string
	Password     string
	Role         types.Role
	Name         string
}

// Register creates the account reserved by VerifyOTP and signs it in.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (types.User, string, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.Email = strings.TrimSpace(in.Email)
	in.Name = Sanitize(in.Name)
	if in.UserID == "" || in.Email == "" || in.Password == "" || in.Role == "" || in.Name == "" {
		return types.User{}, "", validationError("All fields are required")
	}
	if !validEmail(in.Email) {
		return types.User{}, "", validationError("Valid email address is required")
	}
	if !in.Role.Valid() {
		return types.User{}, "", validationError("Invalid role specified")
	}
	if problem := PasswordProblem(in.Password); problem != "" {
		return types.User{}, "", validationError(problem)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	ticket := otp.Ticket{UserID: in.UserID, Email: in.Email, Secret: in.TicketSecret}
	ok, err := s.tickets.Check(storeCtx, ticket)
	if err != nil {
		s.log.Error(ctx, "check registration ticket failed", "error", err)
		return types.User{}, "", dependencyFailure(err)
	}
	if !ok {
		return types.User{}, "", authFailed(msgVerificationExpired)
	}

	if _, err := s.users.GetByEmail(storeCtx, in.Email); err == nil {
		return types.User{}, "", conflict(msgEmailTaken)
	} else if !errors.Is(err, store.ErrNotFound) {
		s.log.Error(ctx, "lookup email failed", "error", err)
		return types.User{}, "", dependencyFailure(err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return types.User{}, "", dependencyFailure(err)
	}

	// The ticket survives a failed Create so the caller can retry; the unique
	// email keeps a second Create from succeeding.
	user, err := s.users.Create(storeCtx, types.User{
		ID:           in.UserID,
		Email:        in.Email,
		Name:         in.Name,
		Role:         in.Role,
		PasswordHash: hash,
		CreatedAt:    s.opts.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return types.User{}, "", conflict(msgEmailTaken)
		}
		s.log.Error(ctx, "create user failed", "error", err)
		return types.User{}, "", dependencyFailure(err)
	}
	if ok, err := s.tickets.Redeem(storeCtx, ticket); err != nil || !ok {
		s.log.Warn(ctx, "redeem registration ticket failed", "user_id", user.ID, "redeemed", ok, "error", err)
	}
	metrics.RecordRegistration(string(user.Role))

	token, _, err := s.sessions.Issue(storeCtx, user)
	if err != nil {
		s.log.Error(ctx, "issue session failed", "user_id", user.ID, "error", err)
		return types.User{}, "", dependencyFailure(err)
	}

	s.sendWelcome(ctx, user)
	s.log.Info(ctx, "user registered", "user_id", user.ID, "role", user.Role)
	return user, token, nil
}

func (s *AuthService) sendWelcome(ctx context.Context, user types.User) {
	mailCtx, cancel := context.WithTimeout(ctx, s.opts.MailTimeout)
	defer cancel()
	if err := s.mailer.Dispatch(mailCtx, mail.WelcomeMessage(user)); err != nil {
		s.log.Warn(ctx, "welcome mail failed", "user_id", user.ID, "error", err)
	}
}

// LoginInput identifies the account by email or platform ID.
type LoginInput struct {
	Identifier string
	Password   string
	ClientIP   string
}

// Login checks the per-IP limiter, then the credentials. Unknown accounts
// and wrong passwords are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (types.User, string, error) {
	identifier := Sanitize(in.Identifier)
	if identifier == "" || in.Password == "" {
		return types.User{}, "", validationError("Identifier and password are required")
	}

	decision, err := s.allowLogin(ctx, in.ClientIP)
	if err != nil {
		metrics.RecordLogin("limiter_unavailable")
		s.log.Error(ctx, "login limiter unavailable, rejecting", "error", err)
		return types.User{}, "", dependencyFailure(err)
	}
	if !decision.Allowed {
		metrics.RecordLogin("rate_limited")
		metrics.RecordRateLimited(s.limiter.Name)
		s.log.Warn(ctx, "login rate limited", "ip", in.ClientIP)
		return types.User{}, "", rateLimited(decision.RetryAfter)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	user, err := s.users.GetByIdentifier(storeCtx, identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.hasher.DummyVerify(in.Password)
			metrics.RecordLogin("failure")
			return types.User{}, "", authFailed(msgInvalidCredentials)
		}
		s.log.Error(ctx, "lookup user failed", "error", err)
		return types.User{}, "", dependencyFailure(err)
	}

	if !s.hasher.Verify(in.Password, user.PasswordHash) {
		metrics.RecordLogin("failure")
		return types.User{}, "", authFailed(msgInvalidCredentials)
	}
	if s.hasher.NeedsRehash(user.PasswordHash) {
		s.log.Info(ctx, "password hash uses outdated parameters", "user_id", user.ID)
	}

	if err := s.limiter.Reset(ctx, in.ClientIP); err != nil {
		s.log.Warn(ctx, "reset login limiter failed", "error", err)
	}

	now := s.opts.Now().UTC()
	if err := s.users.TouchLastLogin(storeCtx, user.ID, now); err != nil {
		s.log.Warn(ctx, "touch last login failed", "user_id", user.ID, "error", err)
	} else {
		user.LastLogin = &now
	}

	token, _, err := s.sessions.Issue(storeCtx, user)
	if err != nil {
		s.log.Error(ctx, "issue session failed", "user_id", user.ID, "error", err)
		return types.User{}, "", dependencyFailure(err)
	}

	metrics.RecordLogin("success")
	s.log.Info(ctx, "user logged in", "user_id", user.ID)
	return user, token, nil
}

// allowLogin fails closed: a counter store error is retried once, then
// surfaced.
func (s *AuthService) allowLogin(ctx context.Context, ip string) (ratelimit.Decision, error) {
	decision, err := s.limiter.Allow(ctx, ip)
	if err == nil {
		return decision, nil
	}
	s.log.Warn(ctx, "login limiter error, retrying", "error", err)

	timer := time.NewTimer(limiterRetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ratelimit.Decision{}, ctx.Err()
	case <-timer.C:
	}
	return s.limiter.Allow(ctx, ip)
}

// CurrentUser returns the session behind token, if any.
func (s *AuthService) CurrentUser(ctx context.Context, token string) (types.Session, bool) {
	return s.sessions.Verify(ctx, token)
}

// Logout revokes the session behind token.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	if err := s.sessions.Destroy(ctx, token); err != nil {
		s.log.Error(ctx, "revoke session failed", "error", err)
		return dependencyFailure(err)
	}
	return nil
}
