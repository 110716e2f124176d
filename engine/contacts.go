package engine

import (
	"context"

	"cadencely/models"

	"gorm.io/gorm"
)

// GormContactDirectory reads contacts from the shared database.
type GormContactDirectory struct {
	db *gorm.DB
}

func NewGormContactDirectory(db *gorm.DB) *GormContactDirectory {
	return &GormContactDirectory{db: db}
}

func (d *GormContactDirectory) GetContact(ctx context.Context, tenantID, contactID uint) (*models.Contact, error) {
	var contact models.Contact
	err := d.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", contactID, tenantID).
		First(&contact).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &contact, nil
}
