package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/roomcast/auth"
	"github.com/alwitt/roomcast/chat"
	"github.com/alwitt/roomcast/core"
	"github.com/alwitt/roomcast/pubsub"
	"github.com/alwitt/roomcast/ratelimit"
	"github.com/alwitt/roomcast/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestChatWebsocketSession(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	broker, err := core.GetRedisClient(utCtxt, core.RedisConnectParams{
		ServerURI: "redis://127.0.0.1:6379/0", ConnectTimeout: time.Second,
	})
	assert.Nil(err)
	defer broker.Close(utCtxt)

	db := getTestDB(t)
	rooms, err := storage.GetRoomStore(db, "ut-chat-api")
	assert.Nil(err)
	messages, err := storage.GetMessageStore(db, "ut-chat-api")
	assert.Nil(err)
	resolver, err := auth.GetJWTResolver("unit-test-secret", time.Minute, "ut-chat-api")
	assert.Nil(err)

	channelPrefix := fmt.Sprintf("ut:%s:", uuid.New().String())
	bridge, err := pubsub.GetRedisBridge(utCtxt, broker, channelPrefix, "ut-chat-api", &wg)
	assert.Nil(err)
	defer bridge.Close(utCtxt)

	sessions, err := chat.GetSessionManager(
		chat.GetRegistry("ut-chat-api"),
		bridge,
		messages,
		ratelimit.GetAlwaysAllowLimiter(),
		50,
		"ut-chat-api",
	)
	assert.Nil(err)

	httpConfig := getTestHTTPConfig()
	uut, err := GetAPIRestChatHandler(
		utCtxt, rooms, sessions, resolver, broker, db, &httpConfig, 32, "ut-chat-api", &wg,
	)
	assert.Nil(err)

	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, "/", nil)
	_ = RegisterPathPrefix(mainRouter, "/v1/chat/{roomID}", map[string]http.HandlerFunc{
		"get": uut.JoinRoomHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": uut.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": uut.ReadyHandler(),
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	// Health endpoints
	{
		resp, err := http.Get(fmt.Sprintf("%s/alive", srv.URL))
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Nil(resp.Body.Close())
		resp, err = http.Get(fmt.Sprintf("%s/ready", srv.URL))
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Nil(resp.Body.Close())
	}

	room, err := rooms.CreateRoom(utCtxt, uuid.New().String(), "general", "alice")
	assert.Nil(err)
	token, err := resolver.IssueToken("alice")
	assert.Nil(err)

	wsBase := fmt.Sprintf("ws%s", strings.TrimPrefix(srv.URL, "http"))

	// Joining without a token is rejected before upgrade
	{
		resp, err := http.Get(fmt.Sprintf("%s/v1/chat/%s", srv.URL, room.ID))
		assert.Nil(err)
		assert.Equal(http.StatusUnauthorized, resp.StatusCode)
		assert.Nil(resp.Body.Close())
	}

	// Joining an unknown room is rejected before upgrade
	{
		resp, err := http.Get(
			fmt.Sprintf("%s/v1/chat/%s?token=%s", srv.URL, uuid.New().String(), token),
		)
		assert.Nil(err)
		assert.Equal(http.StatusNotFound, resp.StatusCode)
		assert.Nil(resp.Body.Close())
	}

	// A full session: join, see the join echo back through the broker, send a
	// message, and see it fan out to this same connection.
	ws, _, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("%s/v1/chat/%s?token=%s", wsBase, room.ID, token), nil,
	)
	assert.Nil(err)

	readFrame := func() chat.Frame {
		assert.Nil(ws.SetReadDeadline(time.Now().Add(time.Second * 5)))
		_, payload, err := ws.ReadMessage()
		assert.Nil(err)
		var frame chat.Frame
		assert.Nil(json.Unmarshal(payload, &frame))
		return frame
	}

	joinFrame := readFrame()
	assert.Equal(storage.KindUserJoined, joinFrame.Type)
	assert.Equal("alice", joinFrame.Username)
	assert.Equal(room.ID, joinFrame.RoomID)

	assert.Nil(ws.WriteJSON(map[string]string{"content": "hello room"}))
	msgFrame := readFrame()
	assert.Equal(storage.KindMessage, msgFrame.Type)
	assert.Equal("alice", msgFrame.Username)
	assert.Equal("hello room", msgFrame.Content)

	// Disconnect announces the leave into the durable log
	assert.Nil(ws.Close())
	assert.Eventually(func() bool {
		backlog, err := messages.Recent(utCtxt, room.ID, 50)
		return err == nil && len(backlog) == 3 &&
			backlog[2].Kind == storage.KindUserLeft
	}, time.Second*5, time.Millisecond*50)

	// A late joiner replays the full history
	bobToken, err := resolver.IssueToken("bob")
	assert.Nil(err)
	ws2, _, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("%s/v1/chat/%s?token=%s", wsBase, room.ID, bobToken), nil,
	)
	assert.Nil(err)
	defer func() { assert.Nil(ws2.Close()) }()

	readFrame2 := func() chat.Frame {
		assert.Nil(ws2.SetReadDeadline(time.Now().Add(time.Second * 5)))
		_, payload, err := ws2.ReadMessage()
		assert.Nil(err)
		var frame chat.Frame
		assert.Nil(json.Unmarshal(payload, &frame))
		return frame
	}
	assert.Equal(storage.KindUserJoined, readFrame2().Type)
	replayed := readFrame2()
	assert.Equal(storage.KindMessage, replayed.Type)
	assert.Equal("hello room", replayed.Content)
	assert.Equal(storage.KindUserLeft, readFrame2().Type)
}
