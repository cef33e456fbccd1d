package model

import "time"

// User mirrors the identity service's account table; this service only reads it.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"type:varchar(64);uniqueIndex" json:"username"`
	Email     string    `gorm:"type:varchar(255)" json:"email"`
	Avatar    string    `gorm:"type:varchar(255)" json:"avatar"`
	CreatedAt time.Time `json:"created_at"`
}
