// Package entities contains GORM models that map directly to database tables.
package entities

import "time"

// UserEntity maps to the 'users' table. UsernameKey holds the case-folded
// username so case-insensitive lookups can use an index on any backend.
type UserEntity struct {
	ID          uint      `gorm:"primaryKey"`
	Label       string    `gorm:"size:191;uniqueIndex;not null"`
	Username    string    `gorm:"size:191;not null"`
	UsernameKey string    `gorm:"size:191;index;not null"`
	ExternalID  string    `gorm:"column:student_id;size:64;index"`
	CreatedAt   time.Time `gorm:"index"`
}

// TableName pins the table name used by existing deployments.
func (UserEntity) TableName() string {
	return "users"
}
