package models

import (
	"strings"

	"gorm.io/gorm"
)

// Contact is owned by the CRM side of the application. The sequence engine
// only reads it.
type Contact struct {
	gorm.Model
	TenantID uint `gorm:"not null;index" json:"tenant_id"`

	Email       string `gorm:"index" json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Title       string `json:"title"`
	Company     string `json:"company"`
	Phone       string `json:"phone"`
	LinkedInURL string `json:"linkedin_url"`

	DoNotContact bool `gorm:"default:false" json:"do_not_contact"`
}

func (c *Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}
