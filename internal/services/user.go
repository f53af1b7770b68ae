package services

import (
	"context"
	"strings"
	"time"

	"github.com/vidyavaradhi/apiserver/types"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	NextUserID(ctx context.Context, now time.Time) (string, error)
	GetByID(ctx context.Context, id string) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
}

// UserService encapsulates user use-cases.
type UserService struct {
	repo UserRepository
}

func NewUserService(repo UserRepository) *UserService {
	return &UserService{repo: repo}
}

func (s *UserService) NextUserID(ctx context.Context, now time.Time) (string, error) {
	return s.repo.NextUserID(ctx, now)
}

func (s *UserService) GetByID(ctx context.Context, id string) (types.User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *UserService) GetByEmail(ctx context.Context, email string) (types.User, error) {
	return s.repo.GetByEmail(ctx, email)
}

// GetByIdentifier looks a user up by email, or by platform ID when the
// identifier has no "@".
func (s *UserService) GetByIdentifier(ctx context.Context, identifier string) (types.User, error) {
	if strings.Contains(identifier, "@") {
		return s.repo.GetByEmail(ctx, identifier)
	}
	return s.repo.GetByID(ctx, strings.ToUpper(identifier))
}

func (s *UserService) Create(ctx context.Context, user types.User) (types.User, error) {
	return s.repo.Create(ctx, user)
}

func (s *UserService) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	return s.repo.TouchLastLogin(ctx, id, at)
}
