package storage

import (
	"context"
	"errors"
	"time"

	"github.com/alwitt/roomcast/common"
	"github.com/apex/log"
	"gorm.io/gorm"
)

// ErrUserNotKnown returned when referencing a user with no record
var ErrUserNotKnown = errors.New("user not known")

// UserStore store for user records, consumed by the identity resolver
type UserStore interface {
	// CreateUser record a new user with a pre-hashed password
	CreateUser(ctxt context.Context, username, passwordHash string) (User, error)
	// GetUser fetch one user record by username. Returns ErrUserNotKnown if absent.
	GetUser(ctxt context.Context, username string) (User, error)
}

// userStoreImpl implements UserStore
type userStoreImpl struct {
	common.Component
	db *gorm.DB
}

// GetUserStore define a new UserStore
func GetUserStore(db *gorm.DB, instance string) (UserStore, error) {
	logTags := log.Fields{
		"module":    "storage",
		"component": "user-store",
		"instance":  instance,
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		log.WithError(err).WithFields(logTags).Error("User record migration failed")
		return nil, err
	}
	return &userStoreImpl{
		Component: common.Component{LogTags: logTags}, db: db,
	}, nil
}

// CreateUser record a new user
func (s *userStoreImpl) CreateUser(
	ctxt context.Context, username, passwordHash string,
) (User, error) {
	record := User{
		Username: username, PasswordHash: passwordHash, CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctxt).Create(&record).Error; err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to record user %s", username)
		return User{}, err
	}
	log.WithFields(s.LogTags).Infof("Recorded new user %s", username)
	return record, nil
}

// GetUser fetch one user record by username
func (s *userStoreImpl) GetUser(ctxt context.Context, username string) (User, error) {
	var record User
	err := s.db.WithContext(ctxt).Where("username = ?", username).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, ErrUserNotKnown
		}
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to fetch user %s", username)
		return User{}, err
	}
	return record, nil
}
