// Package creds stores remote API credentials per user, with the
// password encrypted at rest.
package creds

import (
	"context"
	"time"

	"github.com/example/pickup-scheduler/internal/db"
)

type Credentials struct {
	UserID      int64
	APIEmail    string
	APIPassword string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Service struct {
	db   *db.DB
	aead *AEAD
}

func NewService(d *db.DB, aead *AEAD) *Service {
	return &Service{db: d, aead: aead}
}

func (s *Service) EnsureUser(ctx context.Context, userID int64, email string) error {
	if err := s.db.Exec(ctx, `
INSERT INTO users(id, email) VALUES ($1,$2)
ON CONFLICT (id) DO NOTHING`, userID, email); err != nil {
		return err
	}
	return s.db.Exec(ctx, `
INSERT INTO credentials(user_id) VALUES ($1)
ON CONFLICT (user_id) DO NOTHING`, userID)
}

func (s *Service) Get(ctx context.Context, userID int64) (Credentials, error) {
	var c Credentials
	err := s.db.QueryRow(ctx, `
SELECT user_id, api_email, api_password_enc, created_at, updated_at
FROM credentials WHERE user_id=$1`, userID).
		Scan(&c.UserID, &c.APIEmail, &c.APIPassword, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Credentials{}, db.WrapNotFound(err)
	}
	if c.APIPassword != "" {
		pw, err := s.aead.DecryptString(c.APIPassword)
		if err != nil {
			return Credentials{}, err
		}
		c.APIPassword = pw
	}
	return c, nil
}

func (s *Service) Update(ctx context.Context, c Credentials) error {
	enc := ""
	if c.APIPassword != "" {
		var err error
		if enc, err = s.aead.EncryptToString(c.APIPassword); err != nil {
			return err
		}
	}
	return s.db.Exec(ctx, `
UPDATE credentials SET api_email=$2, api_password_enc=$3, updated_at=now()
WHERE user_id=$1`, c.UserID, c.APIEmail, enc)
}
