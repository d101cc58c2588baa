package repository

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/secretbox"
)

// ErrNoSecretBox is returned when a secret setting is written without an
// encryption key configured.
var ErrNoSecretBox = errors.New("settings: SETTINGS_ENCRYPTION_KEY is required to store secrets")

// settingRepository implements the SettingRepository interface
type settingRepository struct {
	db  *gorm.DB
	box *secretbox.Box
}

// NewSettingRepository creates a new setting repository instance
func NewSettingRepository(db *gorm.DB, box *secretbox.Box) SettingRepository {
	return &settingRepository{db: db, box: box}
}

// GetValue retrieves a specific setting value by key. Missing keys return "".
func (r *settingRepository) GetValue(key string) (string, error) {
	var setting models.Setting
	err := r.db.Where("setting_key = ?", key).First(&setting).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return r.open(&setting)
}

// SetValue sets a specific setting value by key, sealing secrets.
func (r *settingRepository) SetValue(key, value string) error {
	next := models.NewSetting(key, value)
	if next.IsSecret() && value != "" {
		if r.box == nil {
			return ErrNoSecretBox
		}
		sealed, err := r.box.Seal(value)
		if err != nil {
			return err
		}
		next.Value = sealed
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}

	var setting models.Setting
	err := r.db.Where("setting_key = ?", key).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.Create(next).Error
	} else if err != nil {
		return err
	}

	setting.Value = next.Value
	setting.Type = next.Type
	return r.db.Save(&setting).Error
}

// All returns every setting with secrets opened.
func (r *settingRepository) All() (map[string]string, error) {
	var settings []models.Setting
	if err := r.db.Order("setting_key").Find(&settings).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(settings))
	for i := range settings {
		v, err := r.open(&settings[i])
		if err != nil {
			return nil, err
		}
		out[settings[i].Key] = v
	}
	return out, nil
}

// Fingerprint hashes the stored rows so callers can detect changes without
// opening secrets.
func (r *settingRepository) Fingerprint() (string, error) {
	var settings []models.Setting
	if err := r.db.Find(&settings).Error; err != nil {
		return "", err
	}
	sort.Slice(settings, func(i, j int) bool { return settings[i].Key < settings[j].Key })
	h := sha256.New()
	for _, s := range settings {
		fmt.Fprintf(h, "%s=%s\n", s.Key, s.Value)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (r *settingRepository) open(s *models.Setting) (string, error) {
	if !secretbox.IsSealed(s.Value) {
		return s.Value, nil
	}
	if r.box == nil {
		return "", ErrNoSecretBox
	}
	return r.box.Open(s.Value)
}
