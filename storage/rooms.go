package storage

import (
	"context"
	"errors"
	"time"

	"github.com/alwitt/roomcast/common"
	"github.com/apex/log"
	"gorm.io/gorm"
)

// ErrRoomNotKnown returned when referencing a room with no record
var ErrRoomNotKnown = errors.New("room not known")

// RoomStore store for chat room records.
//
// The fan-out core treats room IDs as opaque partition keys; this store is the
// collaborator which decides whether a room exists and who owns it.
type RoomStore interface {
	// CreateRoom record a new room
	CreateRoom(ctxt context.Context, roomID, name, createdBy string) (ChatRoom, error)
	// GetRoom fetch one room record. Returns ErrRoomNotKnown if absent.
	GetRoom(ctxt context.Context, roomID string) (ChatRoom, error)
	// ListRooms fetch all room records, oldest first
	ListRooms(ctxt context.Context) ([]ChatRoom, error)
	// DeleteRoom remove a room record. Returns ErrRoomNotKnown if absent.
	DeleteRoom(ctxt context.Context, roomID string) error
}

// roomStoreImpl implements RoomStore
type roomStoreImpl struct {
	common.Component
	db *gorm.DB
}

// GetRoomStore define a new RoomStore
func GetRoomStore(db *gorm.DB, instance string) (RoomStore, error) {
	logTags := log.Fields{
		"module":    "storage",
		"component": "room-store",
		"instance":  instance,
	}
	if err := db.AutoMigrate(&ChatRoom{}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Room record migration failed")
		return nil, err
	}
	return &roomStoreImpl{
		Component: common.Component{LogTags: logTags}, db: db,
	}, nil
}

// CreateRoom record a new room
func (s *roomStoreImpl) CreateRoom(
	ctxt context.Context, roomID, name, createdBy string,
) (ChatRoom, error) {
	record := ChatRoom{
		ID: roomID, Name: name, CreatedBy: createdBy, CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctxt).Create(&record).Error; err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to record room %s", roomID)
		return ChatRoom{}, err
	}
	log.WithFields(s.LogTags).Infof("Recorded new room %s ('%s') by %s", roomID, name, createdBy)
	return record, nil
}

// GetRoom fetch one room record
func (s *roomStoreImpl) GetRoom(ctxt context.Context, roomID string) (ChatRoom, error) {
	var record ChatRoom
	err := s.db.WithContext(ctxt).Where("id = ?", roomID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ChatRoom{}, ErrRoomNotKnown
		}
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to fetch room %s", roomID)
		return ChatRoom{}, err
	}
	return record, nil
}

// ListRooms fetch all room records, oldest first
func (s *roomStoreImpl) ListRooms(ctxt context.Context) ([]ChatRoom, error) {
	var records []ChatRoom
	if err := s.db.WithContext(ctxt).Order("created_at").Find(&records).Error; err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to list rooms")
		return nil, err
	}
	return records, nil
}

// DeleteRoom remove a room record
func (s *roomStoreImpl) DeleteRoom(ctxt context.Context, roomID string) error {
	result := s.db.WithContext(ctxt).Where("id = ?", roomID).Delete(&ChatRoom{})
	if result.Error != nil {
		log.WithError(result.Error).WithFields(s.LogTags).Errorf(
			"Unable to delete room %s", roomID,
		)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRoomNotKnown
	}
	log.WithFields(s.LogTags).Infof("Deleted room %s", roomID)
	return nil
}
