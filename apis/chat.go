package apis

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/roomcast/auth"
	"github.com/alwitt/roomcast/chat"
	"github.com/alwitt/roomcast/common"
	"github.com/alwitt/roomcast/core"
	"github.com/alwitt/roomcast/storage"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

// APIRestChatHandler REST handler for chat room websocket sessions
type APIRestChatHandler struct {
	goutils.RestAPIHandler
	rooms         storage.RoomStore
	sessions      *chat.SessionManager
	resolver      auth.IdentityResolver
	broker        core.RedisClient
	db            *gorm.DB
	upgrader      websocket.Upgrader
	sendBufferLen int
	instance      string
	baseContext   context.Context
	wg            *sync.WaitGroup
}

// GetAPIRestChatHandler define APIRestChatHandler
func GetAPIRestChatHandler(
	baseContext context.Context,
	rooms storage.RoomStore,
	sessions *chat.SessionManager,
	resolver auth.IdentityResolver,
	broker core.RedisClient,
	db *gorm.DB,
	httpConfig *common.HTTPConfig,
	sendBufferLen int,
	instance string,
	wg *sync.WaitGroup,
) (APIRestChatHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "chat",
		"instance":  instance,
	}
	return APIRestChatHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		rooms:    rooms,
		sessions: sessions,
		resolver: resolver,
		broker:   broker,
		db:       db,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin enforcement is left to the fronting proxy
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sendBufferLen: sendBufferLen,
		instance:      instance,
		baseContext:   baseContext,
		wg:            wg,
	}, nil
}

// =======================================================================
// Websocket session

// -----------------------------------------------------------------------

// JoinRoom godoc
// @Summary Join a chat room
// @Description Upgrade the request to a websocket and run a chat session against one room. The session replays recent room history, then streams room events until either side disconnects.
// @tags Chat
// @Produce json
// @Param Roomcast-Request-ID header string false "User provided request ID to match against logs"
// @Param roomID path string true "Room ID"
// @Param token query string false "Bearer token if not passed via header"
// @Success 101 {string} string "protocol upgrade"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// Write logging support
func (h APIRestChatHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// @Router /v1/chat/{roomID} [get]
func (h APIRestChatHandler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	writeError := func(code int, msg string, detail string) {
		if err := h.WriteRESTResponse(
			w, code, h.GetStdRESTErrorMsg(r.Context(), code, msg, detail), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	vars := mux.Vars(r)
	roomID, ok := vars["roomID"]
	if !ok {
		msg := "No room ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		writeError(http.StatusBadRequest, msg, msg)
		return
	}

	username, err := h.resolver.Resolve(r)
	if err != nil {
		msg := "Request not authenticated"
		writeError(http.StatusUnauthorized, msg, err.Error())
		return
	}

	if _, err := h.rooms.GetRoom(r.Context(), roomID); err != nil {
		if errors.Is(err, storage.ErrRoomNotKnown) {
			msg := "Room not known"
			writeError(http.StatusNotFound, msg, roomID)
			return
		}
		msg := "Unable to fetch room"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		writeError(http.StatusInternalServerError, msg, err.Error())
		return
	}

	// The upgrader writes its own HTTP error response on failure
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}

	conn := chat.GetWebsocketConn(h.baseContext, ws, h.sendBufferLen, h.instance, h.wg)
	if err := h.sessions.Run(h.baseContext, roomID, username, conn); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Session of %s in room %s failed", username, roomID,
		)
	}
}

// JoinRoomHandler Wrapper around JoinRoom
func (h APIRestChatHandler) JoinRoomHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.JoinRoom(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For liveness check
// @Description Will return success to indicate the REST API module is live
// @tags Chat
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestChatHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestChatHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For readiness check
// @Description Will return success once both the broker and the durable store are reachable
// @tags Chat
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestChatHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := h.broker.Healthy(r.Context()); err != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestChatHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
