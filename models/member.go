package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Member lives in the tenant's own database. There is no tenant_id column:
// isolation is by database, not by row key.
type Member struct {
	ID        int       `gorm:"primary_key" json:"id"`
	FirstName string    `gorm:"size:100;not null" json:"first_name"`
	LastName  string    `gorm:"size:100" json:"last_name"`
	Phone     string    `gorm:"size:20;index" json:"phone"`
	Email     string    `gorm:"size:255" json:"email"`
	OptedOut  *bool     `gorm:"not null;default:false;index" json:"opted_out"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewMember struct {
	FirstName string `json:"first_name" validate:"required,max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
	Phone     string `json:"phone" validate:"required"`
	Email     string `json:"email" validate:"omitempty,email"`
}

var ErrMemberNotFound = errors.New("member not found")

// GetMemberById reads from the tenant database behind db (a router handle).
func GetMemberById(ctx context.Context, db *gorm.DB, id int) (*Member, error) {
	var m Member
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	return &m, nil
}

// CountMembers is used by roster views and plan usage estimates.
func CountMembers(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&Member{}).Count(&n).Error
	return n, err
}
