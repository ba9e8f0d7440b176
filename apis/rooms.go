package apis

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/roomcast/auth"
	"github.com/alwitt/roomcast/chat"
	"github.com/alwitt/roomcast/common"
	"github.com/alwitt/roomcast/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// APIRestRoomHandler REST handler for chat room management
type APIRestRoomHandler struct {
	goutils.RestAPIHandler
	rooms    storage.RoomStore
	messages storage.MessageStore
	sessions *chat.SessionManager
	resolver auth.IdentityResolver
	validate *validator.Validate
}

// GetAPIRestRoomHandler define APIRestRoomHandler
func GetAPIRestRoomHandler(
	rooms storage.RoomStore,
	messages storage.MessageStore,
	sessions *chat.SessionManager,
	resolver auth.IdentityResolver,
	httpConfig *common.HTTPConfig,
) (APIRestRoomHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "room",
	}
	return APIRestRoomHandler{
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
		messages: messages,
		sessions: sessions,
		resolver: resolver,
		validate: validator.New(),
	}, nil
}

// RoomCreateRequest room creation request body
type RoomCreateRequest struct {
	// Name is the display name for the new room
	Name string `json:"name" validate:"required,min=1,max=128"`
}

// APIRestRespRoom response wrapping one room record
type APIRestRespRoom struct {
	goutils.RestAPIBaseResponse
	// Room is the room record
	Room storage.ChatRoom `json:"room" validate:"required"`
}

// APIRestRespRoomList response wrapping all known rooms
type APIRestRespRoomList struct {
	goutils.RestAPIBaseResponse
	// Rooms is the list of known rooms, oldest first
	Rooms []storage.ChatRoom `json:"rooms"`
}

// APIRestRespRoomPresence response listing users connected to a room
type APIRestRespRoomPresence struct {
	goutils.RestAPIBaseResponse
	// RoomID is the room being described
	RoomID string `json:"room_id" validate:"required"`
	// Users is the list of usernames connected through this server instance
	Users []string `json:"users"`
}

// -----------------------------------------------------------------------

// CreateRoom godoc
// @Summary Create a new chat room
// @Description Create a new chat room owned by the authenticated user
// @tags Room
// @Accept json
// @Produce json
// @Param Roomcast-Request-ID header string false "User provided request ID to match against logs"
// @Param room body RoomCreateRequest true "Room parameters"
// @Success 200 {object} APIRestRespRoom "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/room [post]
func (h APIRestRoomHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	username, err := h.resolver.Resolve(r)
	if err != nil {
		msg := "Request not authenticated"
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return
	}

	var params RoomCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid room parameters"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	room, err := h.rooms.CreateRoom(r.Context(), uuid.New().String(), params.Name, username)
	if err != nil {
		msg := "Unable to create room"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRoom{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Room: room,
	}
}

// CreateRoomHandler Wrapper around CreateRoom
func (h APIRestRoomHandler) CreateRoomHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CreateRoom(w, r)
	}
}

// -----------------------------------------------------------------------

// GetAllRooms godoc
// @Summary List all chat rooms
// @Description List all known chat rooms, oldest first
// @tags Room
// @Produce json
// @Param Roomcast-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespRoomList "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/room [get]
func (h APIRestRoomHandler) GetAllRooms(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	rooms, err := h.rooms.ListRooms(r.Context())
	if err != nil {
		msg := "Unable to list rooms"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRoomList{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Rooms: rooms,
	}
}

// GetAllRoomsHandler Wrapper around GetAllRooms
func (h APIRestRoomHandler) GetAllRoomsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetAllRooms(w, r)
	}
}

// -----------------------------------------------------------------------

// GetRoom godoc
// @Summary Query for one chat room
// @Description Fetch the record of one chat room by ID
// @tags Room
// @Produce json
// @Param Roomcast-Request-ID header string false "User provided request ID to match against logs"
// @Param roomID path string true "Room ID"
// @Success 200 {object} APIRestRespRoom "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/room/{roomID} [get]
func (h APIRestRoomHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	roomID, ok := vars["roomID"]
	if !ok {
		msg := "No room ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	room, err := h.rooms.GetRoom(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, storage.ErrRoomNotKnown) {
			msg := "Room not known"
			respCode = http.StatusNotFound
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, roomID)
			return
		}
		msg := "Unable to fetch room"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRoom{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Room: room,
	}
}

// GetRoomHandler Wrapper around GetRoom
func (h APIRestRoomHandler) GetRoomHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetRoom(w, r)
	}
}

// -----------------------------------------------------------------------

// DeleteRoom godoc
// @Summary Delete a chat room
// @Description Delete a chat room, purging its message log and disconnecting local participants. Creator only.
// @tags Room
// @Produce json
// @Param Roomcast-Request-ID header string false "User provided request ID to match against logs"
// @Param roomID path string true "Room ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/room/{roomID} [delete]
func (h APIRestRoomHandler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	username, err := h.resolver.Resolve(r)
	if err != nil {
		msg := "Request not authenticated"
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return
	}

	vars := mux.Vars(r)
	roomID, ok := vars["roomID"]
	if !ok {
		msg := "No room ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	room, err := h.rooms.GetRoom(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, storage.ErrRoomNotKnown) {
			msg := "Room not known"
			respCode = http.StatusNotFound
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, roomID)
			return
		}
		msg := "Unable to fetch room"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}
	if room.CreatedBy != username {
		msg := "Only the room creator can delete a room"
		respCode = http.StatusForbidden
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusForbidden, msg, msg)
		return
	}

	if err := h.rooms.DeleteRoom(r.Context(), roomID); err != nil {
		msg := "Unable to delete room"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}
	if _, err := h.messages.PurgeRoom(r.Context(), roomID); err != nil {
		// The room record is already gone. The orphaned log entries are
		// unreachable through the APIs, so report success regardless.
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Message log purge of room %s failed", roomID,
		)
	}
	h.sessions.TeardownRoom(r.Context(), roomID)

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// DeleteRoomHandler Wrapper around DeleteRoom
func (h APIRestRoomHandler) DeleteRoomHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeleteRoom(w, r)
	}
}

// -----------------------------------------------------------------------

// GetRoomPresence godoc
// @Summary List users connected to a room
// @Description List usernames connected to a room through this server instance
// @tags Room
// @Produce json
// @Param Roomcast-Request-ID header string false "User provided request ID to match against logs"
// @Param roomID path string true "Room ID"
// @Success 200 {object} APIRestRespRoomPresence "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/room/{roomID}/presence [get]
func (h APIRestRoomHandler) GetRoomPresence(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	roomID, ok := vars["roomID"]
	if !ok {
		msg := "No room ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	if _, err := h.rooms.GetRoom(r.Context(), roomID); err != nil {
		if errors.Is(err, storage.ErrRoomNotKnown) {
			msg := "Room not known"
			respCode = http.StatusNotFound
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, roomID)
			return
		}
		msg := "Unable to fetch room"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRoomPresence{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		RoomID: roomID,
		Users:  h.sessions.LocalPresence(roomID),
	}
}

// GetRoomPresenceHandler Wrapper around GetRoomPresence
func (h APIRestRoomHandler) GetRoomPresenceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetRoomPresence(w, r)
	}
}
