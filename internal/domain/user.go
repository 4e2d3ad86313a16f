// Package domain contains entities without logic, just meta-data.
package domain

import "errors"

const MaxUserIDLen = 36

var (
	ErrUserIDEmpty    = errors.New("user id empty")
	ErrUserIDTooLong  = errors.New("user id too long")
	ErrUserIDBadChars = errors.New("user id must not contain '-'")
)

type UserID string

// ValidateUserID rejects IDs that cannot be embedded in a transport
// identity. The '-' is reserved as the identity delimiter.
func ValidateUserID(id UserID) error {
	if len(id) == 0 {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			return ErrUserIDBadChars
		}
	}
	return nil
}
