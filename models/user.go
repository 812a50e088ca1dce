package models

import (
	"regexp"

	"github.com/go-playground/validator"
)

type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

func (l *Platform) Scan(value interface{}) error {
	*l = Platform(value.(string))
	return nil
}

func (l Platform) Value() string {
	return string(l)
}

func ValidatePlatform(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	matched, _ := regexp.MatchString("^ios|android|web$", value)
	return matched
}

// UserAccount is the identity snapshot the generation backend works with.
// Sign-in/sign-up lives in the external auth service; we only resolve
// users by the JWT subject.
type UserAccount struct {
	JsonModel
	Name   string `json:"name"`
	Email  string `json:"email" gorm:"unique"`
	Banned bool   `gorm:"default:false" json:"-"`
	LastIp string `json:"-"`
	//"INVITATION_PENDING", "STARTED_AUTH", "FINISHED_AUTH"
	Status   string   `json:"-"`
	Platform Platform `sql:"type:ENUM('ios', 'android', 'web')" json:"platform"`
	// denormalized running total in credit cents, kept in sync with the
	// ledger inside the same transaction that appends an entry
	CreditBalance int64 `gorm:"default:0" json:"credit_balance"`
	NSFWEnabled   bool  `gorm:"default:false" json:"nsfw_enabled"`
	// Notifications settings
	ReceiveNotifications bool   `json:"receive_notifications"`
	AvatarURL            string `json:"avatar_url"`
}

type UserPushToken struct {
	JsonModel
	UserAccountID uint
	UserAccount   UserAccount `json:"user_account"`
	Platform      Platform    `sql:"type:ENUM('ios', 'android', 'web')" json:"platform"`
	Token         string      `json:"token"`
	Active        bool        `gorm:"default:false" json:"-"`
}
