package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	ROLE_USER       = "user"
	ROLE_ADMIN      = "admin"
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
)

// PlanFree is the plan a user falls back to when no subscription entitles them.
const PlanFree = "free"

// User is owned by the account service. This service only mutates Credits,
// PlanType, PlanExpiresAt and Status, and Credits only through the ledger.
type User struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	Name          string     `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email         string     `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,max=200"`
	Role          string     `gorm:"type:varchar(50);default:'user'" json:"role" validate:"oneof=user admin"`
	Status        string     `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive"`
	Credits       int64      `gorm:"not null;default:0" json:"credits"`
	PlanType      string     `gorm:"type:varchar(64);not null;default:'free'" json:"plan_type"`
	PlanExpiresAt *time.Time `gorm:"type:timestamp;default:null" json:"plan_expires_at,omitempty"`
	APIKeyHash    string     `gorm:"type:char(64);index;default:''" json:"-"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// IsActive reports whether the user status is active
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}

// IsAdmin reports whether the user may call admin endpoints
func (u *User) IsAdmin() bool {
	return u.Role == ROLE_ADMIN
}

var apiKeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

const apiKeyPrefix = "prc_"

// HashAPIKey returns the SHA-256 hash for the provided API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

// IssueAPIKey generates a new API key, stores its hash on the user and returns
// the raw secret. Callers must persist the user afterwards.
func (u *User) IssueAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	raw := apiKeyPrefix + strings.ToLower(apiKeyEncoding.EncodeToString(b))
	u.APIKeyHash = HashAPIKey(raw)
	return raw, nil
}
