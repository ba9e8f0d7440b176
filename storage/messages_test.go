package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// getTestDB in-memory sqlite instance unique to one test
func getTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:ut-%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	assert.Nil(t, err)
	return db
}

func TestMessageStoreAppendAndRecent(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	uut, err := GetMessageStore(getTestDB(t), "ut-message-store")
	assert.Nil(err)

	room1 := uuid.New().String()
	room2 := uuid.New().String()

	// Empty room replays nothing
	backlog, err := uut.Recent(utCtxt, room1, 10)
	assert.Nil(err)
	assert.Empty(backlog)

	// Appends are assigned timestamps by the store
	for idx := 0; idx < 5; idx++ {
		record, err := uut.Append(
			utCtxt, room1, "alice", fmt.Sprintf("msg %d", idx), KindMessage,
		)
		assert.Nil(err)
		assert.NotZero(record.ID)
		assert.False(record.Timestamp.IsZero())
	}
	_, err = uut.Append(utCtxt, room2, "bob", "other room", KindMessage)
	assert.Nil(err)

	// Full backlog comes back oldest first, scoped to the room
	backlog, err = uut.Recent(utCtxt, room1, 10)
	assert.Nil(err)
	assert.Len(backlog, 5)
	for idx, record := range backlog {
		assert.Equal(fmt.Sprintf("msg %d", idx), record.Content)
		assert.Equal(room1, record.RoomID)
	}

	// A limit below the log length keeps only the newest entries. Insertion
	// order breaks timestamp ties.
	backlog, err = uut.Recent(utCtxt, room1, 3)
	assert.Nil(err)
	assert.Len(backlog, 3)
	assert.Equal("msg 2", backlog[0].Content)
	assert.Equal("msg 4", backlog[2].Content)
	assert.Less(backlog[0].ID, backlog[1].ID)
	assert.Less(backlog[1].ID, backlog[2].ID)
}

func TestMessageStorePurgeRoom(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	uut, err := GetMessageStore(getTestDB(t), "ut-message-store")
	assert.Nil(err)

	room1 := uuid.New().String()
	room2 := uuid.New().String()

	for idx := 0; idx < 3; idx++ {
		_, err := uut.Append(utCtxt, room1, "alice", "to be purged", KindMessage)
		assert.Nil(err)
	}
	_, err = uut.Append(utCtxt, room2, "bob", "kept", KindMessage)
	assert.Nil(err)

	// Purge removes only the target partition
	removed, err := uut.PurgeRoom(utCtxt, room1)
	assert.Nil(err)
	assert.Equal(int64(3), removed)

	backlog, err := uut.Recent(utCtxt, room1, 10)
	assert.Nil(err)
	assert.Empty(backlog)
	backlog, err = uut.Recent(utCtxt, room2, 10)
	assert.Nil(err)
	assert.Len(backlog, 1)

	// Purging an empty partition is a no-op
	removed, err = uut.PurgeRoom(utCtxt, room1)
	assert.Nil(err)
	assert.Equal(int64(0), removed)
}
