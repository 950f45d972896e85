package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// Claims carries the already verified identity attributes of a request.
type Claims struct {
	Subject     string
	Email       string
	DisplayName string
}

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical user identifiers for verified subjects.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// ResolveCanonicalUserID returns the canonical Tempo user id for the provided
// claims, creating the identity mapping on first sight.
func (s *Service) ResolveCanonicalUserID(claims Claims) (string, error) {
	subject := normalize(claims.Subject)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	if cached, ok := s.cache.Load(subject); ok {
		if canonical, ok := cached.(string); ok {
			return canonical, nil
		}
	}

	var identity Identity
	err := s.db.Where("subject = ?", subject).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.Email),
			DisplayName: normalize(claims.DisplayName),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return "", fmt.Errorf("users: create identity: %w", err)
		}
		s.cache.Store(subject, identity.UserID)
		return identity.UserID, nil
	}
	if err != nil {
		return "", fmt.Errorf("users: load identity: %w", err)
	}

	if err := s.db.Model(&identity).Update("last_seen_at", s.now()).Error; err != nil {
		return "", fmt.Errorf("users: touch identity: %w", err)
	}
	s.cache.Store(subject, identity.UserID)
	return identity.UserID, nil
}
