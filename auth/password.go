package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// bcryptCost hashing cost for stored passwords
const bcryptCost = 12

// HashPassword generate the storable hash of a password
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// VerifyPassword check a password against its stored hash
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
