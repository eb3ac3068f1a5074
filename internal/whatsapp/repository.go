package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/talkincode/wadesk/internal/domain"
	"github.com/talkincode/wadesk/internal/vault"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionRepository stores encrypted credentials, one row per instance.
type SessionRepository interface {
	// Load returns nil, nil when the instance has never been paired.
	Load(ctx context.Context, key InstanceKey) (*Credentials, error)
	// Save overwrites the stored credentials (last write wins).
	Save(ctx context.Context, key InstanceKey, creds *Credentials) error
	Delete(ctx context.Context, key InstanceKey) error
}

// InstanceRepository persists instance rows.
type InstanceRepository interface {
	UpdateStatus(ctx context.Context, key InstanceKey, status, phone string) error
	// ListRestorable returns the instances flagged connected and active.
	ListRestorable(ctx context.Context) ([]domain.WhatsAppInstance, error)
}

// GormSessionRepository is the GORM implementation of SessionRepository
type GormSessionRepository struct {
	db    *gorm.DB
	vault *vault.Vault
}

func NewGormSessionRepository(db *gorm.DB, v *vault.Vault) *GormSessionRepository {
	return &GormSessionRepository{db: db, vault: v}
}

func (r *GormSessionRepository) Load(ctx context.Context, key InstanceKey) (*Credentials, error) {
	var row domain.WhatsAppSession
	err := r.db.WithContext(ctx).Where("instance_id = ?", key.InstanceID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	creds, err := r.vault.DecryptString(row.CredsEncrypted, row.CredsIV, row.CredsTag)
	if err != nil {
		return nil, fmt.Errorf("decrypt creds: %w", err)
	}
	out := &Credentials{Creds: creds}
	if row.KeysEncrypted != "" || row.KeysTag != "" {
		keys, err := r.vault.DecryptString(row.KeysEncrypted, row.KeysIV, row.KeysTag)
		if err != nil {
			return nil, fmt.Errorf("decrypt keys: %w", err)
		}
		out.Keys = keys
	}
	return out, nil
}

func (r *GormSessionRepository) Save(ctx context.Context, key InstanceKey, creds *Credentials) error {
	row := domain.WhatsAppSession{
		ID:         uuid.NewString(),
		InstanceID: key.InstanceID,
		TenantID:   key.TenantID,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	var err error
	row.CredsEncrypted, row.CredsIV, row.CredsTag, err = r.vault.EncryptString(creds.Creds)
	if err != nil {
		return err
	}
	if creds.Keys != nil {
		row.KeysEncrypted, row.KeysIV, row.KeysTag, err = r.vault.EncryptString(creds.Keys)
		if err != nil {
			return err
		}
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "instance_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"tenant_id",
			"creds_encrypted", "creds_iv", "creds_tag",
			"keys_encrypted", "keys_iv", "keys_tag",
			"updated_at",
		}),
	}).Create(&row).Error
}

func (r *GormSessionRepository) Delete(ctx context.Context, key InstanceKey) error {
	return r.db.WithContext(ctx).Where("instance_id = ?", key.InstanceID).Delete(&domain.WhatsAppSession{}).Error
}

// GormInstanceRepository is the GORM implementation of InstanceRepository
type GormInstanceRepository struct {
	db *gorm.DB
}

func NewGormInstanceRepository(db *gorm.DB) *GormInstanceRepository {
	return &GormInstanceRepository{db: db}
}

func (r *GormInstanceRepository) UpdateStatus(ctx context.Context, key InstanceKey, status, phone string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	switch status {
	case domain.InstanceConnected:
		updates["last_connected_at"] = now
		if phone != "" {
			updates["phone_number"] = phone
		}
	case domain.InstanceDisconnected:
		updates["last_disconnected_at"] = now
	}
	return r.db.WithContext(ctx).Model(&domain.WhatsAppInstance{}).
		Where("id = ? AND tenant_id = ?", key.InstanceID, key.TenantID).
		Updates(updates).Error
}

func (r *GormInstanceRepository) ListRestorable(ctx context.Context) ([]domain.WhatsAppInstance, error) {
	var rows []domain.WhatsAppInstance
	err := r.db.WithContext(ctx).
		Where("status = ? AND is_active = ?", domain.InstanceConnected, true).
		Order("created_at").
		Find(&rows).Error
	return rows, err
}
