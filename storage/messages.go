package storage

import (
	"context"
	"time"

	"github.com/alwitt/roomcast/common"
	"github.com/apex/log"
	"gorm.io/gorm"
)

// MessageStore durable room-scoped append-only message log
type MessageStore interface {
	// Append record a new message in a room's log. The record timestamp is
	// assigned here at append time. The write either fully commits or fails.
	Append(
		ctxt context.Context, roomID, username, content, kind string,
	) (MessageRecord, error)
	// Recent fetch up to limit of the newest records of a room, returned
	// oldest first. The result reflects all appends which completed on this
	// instance before the call started.
	Recent(ctxt context.Context, roomID string, limit int) ([]MessageRecord, error)
	// PurgeRoom remove every record of a room's partition. Purging a room
	// with no records is a no-op returning zero.
	PurgeRoom(ctxt context.Context, roomID string) (int64, error)
}

// messageStoreImpl implements MessageStore
type messageStoreImpl struct {
	common.Component
	db *gorm.DB
}

// GetMessageStore define a new MessageStore
func GetMessageStore(db *gorm.DB, instance string) (MessageStore, error) {
	logTags := log.Fields{
		"module":    "storage",
		"component": "message-store",
		"instance":  instance,
	}
	if err := db.AutoMigrate(&MessageRecord{}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Message log migration failed")
		return nil, err
	}
	return &messageStoreImpl{
		Component: common.Component{LogTags: logTags}, db: db,
	}, nil
}

// Append record a new message in a room's log
func (s *messageStoreImpl) Append(
	ctxt context.Context, roomID, username, content, kind string,
) (MessageRecord, error) {
	record := MessageRecord{
		RoomID:    roomID,
		Username:  username,
		Kind:      kind,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctxt).Create(&record).Error; err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to append %s record for room %s", kind, roomID,
		)
		return MessageRecord{}, err
	}
	return record, nil
}

// Recent fetch up to limit of the newest records of a room, oldest first
func (s *messageStoreImpl) Recent(
	ctxt context.Context, roomID string, limit int,
) ([]MessageRecord, error) {
	var newestFirst []MessageRecord
	if err := s.db.WithContext(ctxt).
		Where("room_id = ?", roomID).
		Order("timestamp DESC").
		Order("id DESC").
		Limit(limit).
		Find(&newestFirst).Error; err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to read recent records for room %s", roomID,
		)
		return nil, err
	}
	// Flip to oldest first for replay
	result := make([]MessageRecord, len(newestFirst))
	for idx, record := range newestFirst {
		result[len(newestFirst)-1-idx] = record
	}
	return result, nil
}

// PurgeRoom remove every record of a room's partition
func (s *messageStoreImpl) PurgeRoom(ctxt context.Context, roomID string) (int64, error) {
	result := s.db.WithContext(ctxt).Where("room_id = ?", roomID).Delete(&MessageRecord{})
	if result.Error != nil {
		log.WithError(result.Error).WithFields(s.LogTags).Errorf(
			"Unable to purge message log of room %s", roomID,
		)
		return 0, result.Error
	}
	log.WithFields(s.LogTags).Infof(
		"Purged %d records from message log of room %s", result.RowsAffected, roomID,
	)
	return result.RowsAffected, nil
}
