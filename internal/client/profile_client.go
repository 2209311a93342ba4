package client

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/labforge/be-lab-bookings/internal/apperror"
	"github.com/labforge/be-lab-bookings/internal/platform/database"
)

// Profile is the slice of the identity directory the engine needs:
// role and department for rule and rate scoping, training level and
// certifications for training-based conditions.
type Profile struct {
	UserID        string
	Role          string
	DepartmentID  *string
	TrainingLevel int
	RoleLevel     int
	Certification []Certification
}

// Certification is one qualification held by a user.
type Certification struct {
	Code      string
	ExpiresAt *time.Time
}

// HasValidCertification reports whether the profile carries an
// unexpired certification with the given code.
func (p *Profile) HasValidCertification(code string, now time.Time) bool {
	for _, c := range p.Certification {
		if c.Code != code {
			continue
		}
		if c.ExpiresAt == nil || c.ExpiresAt.After(now) {
			return true
		}
	}
	return false
}

// ProfileClient reads user profiles from the directory replica the
// identity service maintains in our database.
type ProfileClient struct {
	db *database.DB
}

// NewProfileClient creates a new ProfileClient.
func NewProfileClient(db *database.DB) *ProfileClient {
	return &ProfileClient{db: db}
}

// GetProfile fetches one user's profile with certifications.
func (c *ProfileClient) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	query := `
		SELECT user_id, role, department_id, training_level, role_level
		FROM user_profiles
		WHERE user_id = $1
	`

	p := &Profile{}
	err := c.db.QueryRow(ctx, query, userID).Scan(
		&p.UserID,
		&p.Role,
		&p.DepartmentID,
		&p.TrainingLevel,
		&p.RoleLevel,
	)
	if err == pgx.ErrNoRows {
		return nil, apperror.NotFound("user_profile", userID)
	}
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to get user profile")
	}

	certQuery := `
		SELECT code, expires_at
		FROM user_certifications
		WHERE user_id = $1
		ORDER BY code ASC
	`

	rows, err := c.db.Query(ctx, certQuery, userID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to list certifications")
	}
	defer rows.Close()

	for rows.Next() {
		var cert Certification
		if err := rows.Scan(&cert.Code, &cert.ExpiresAt); err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to scan certification")
		}
		p.Certification = append(p.Certification, cert)
	}
	return p, nil
}

// GetUsersWithRole returns the user IDs holding a role, used to resolve
// role-designated approver groups at tier materialization time.
func (c *ProfileClient) GetUsersWithRole(ctx context.Context, role string) ([]string, error) {
	query := `
		SELECT user_id
		FROM user_profiles
		WHERE role = $1
		ORDER BY user_id ASC
	`

	rows, err := c.db.Query(ctx, query, role)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to list users with role")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to scan user id")
		}
		ids = append(ids, id)
	}
	return ids, nil
}
