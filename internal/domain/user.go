// Package domain contains entities and wire payloads without transport logic.
package domain

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

const MaxUserIDLen = 64

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
	ErrUserIDInvalid = errors.New("user id invalid")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// UserID is the stable account identifier issued by the auth collaborator.
type UserID string

// User is the identity the auth collaborator hands to the client after login.
type User struct {
	ID          UserID `json:"_id"`
	DisplayName string `json:"fullName,omitempty"`
	AvatarRef   string `json:"profilePic,omitempty"`
}

// ParseUserID validates a raw id taken from a handshake or an identify event.
func ParseUserID(raw string) (UserID, error) {
	if len(raw) == 0 {
		return "", ErrUserIDEmpty
	}
	if len(raw) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	if err := validate.Var(raw, "printascii,excludesall= /?#&"); err != nil {
		return "", ErrUserIDInvalid
	}
	return UserID(raw), nil
}

func (id UserID) Valid() bool {
	_, err := ParseUserID(string(id))
	return err == nil
}
