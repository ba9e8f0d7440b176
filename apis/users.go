package apis

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/roomcast/auth"
	"github.com/alwitt/roomcast/common"
	"github.com/alwitt/roomcast/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// APIRestUserHandler REST handler for user registration and login
type APIRestUserHandler struct {
	goutils.RestAPIHandler
	users    storage.UserStore
	resolver auth.IdentityResolver
	validate *validator.Validate
}

// GetAPIRestUserHandler define APIRestUserHandler
func GetAPIRestUserHandler(
	users storage.UserStore,
	resolver auth.IdentityResolver,
	httpConfig *common.HTTPConfig,
) (APIRestUserHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "user",
	}
	return APIRestUserHandler{
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
		}, users: users, resolver: resolver, validate: validator.New(),
	}, nil
}

// UserCredentials user registration and login request body
type UserCredentials struct {
	// Username is the unique account name
	Username string `json:"username" validate:"required,min=3,max=64,alphanum"`
	// Password is the account password
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// APIRestRespUser response wrapping one user account
type APIRestRespUser struct {
	goutils.RestAPIBaseResponse
	// Username is the unique account name
	Username string `json:"username" validate:"required"`
}

// APIRestRespLoginSession response wrapping a newly issued bearer token
type APIRestRespLoginSession struct {
	goutils.RestAPIBaseResponse
	// Token is the bearer token to present on subsequent requests
	Token string `json:"token" validate:"required"`
}

// -----------------------------------------------------------------------

// RegisterUser godoc
// @Summary Register a new user
// @Description Create a new user account with a username and password
// @tags User
// @Accept json
// @Produce json
// @Param Roomcast-Request-ID header string false "User provided request ID to match against logs"
// @Param credentials body UserCredentials true "New account credentials"
// @Success 200 {object} APIRestRespUser "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/user [post]
func (h APIRestUserHandler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params UserCredentials
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid account credentials"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	passwordHash, err := auth.HashPassword(params.Password)
	if err != nil {
		msg := "Failed to process account credentials"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	user, err := h.users.CreateUser(r.Context(), params.Username, passwordHash)
	if err != nil {
		msg := "Unable to create user"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusConflict
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusConflict, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespUser{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Username: user.Username,
	}
}

// RegisterUserHandler Wrapper around RegisterUser
func (h APIRestUserHandler) RegisterUserHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RegisterUser(w, r)
	}
}

// -----------------------------------------------------------------------

// LoginUser godoc
// @Summary Exchange credentials for a bearer token
// @Description Verify a username and password, and mint a session bearer token
// @tags User
// @Accept json
// @Produce json
// @Param Roomcast-Request-ID header string false "User provided request ID to match against logs"
// @Param credentials body UserCredentials true "Account credentials"
// @Success 200 {object} APIRestRespLoginSession "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/user/login [post]
func (h APIRestUserHandler) LoginUser(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params UserCredentials
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	user, err := h.users.GetUser(r.Context(), params.Username)
	if err != nil {
		msg := "Invalid credentials"
		if !errors.Is(err, storage.ErrUserNotKnown) {
			log.WithError(err).WithFields(localLogTags).Error("User lookup failed")
		}
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, msg)
		return
	}
	if !auth.VerifyPassword(params.Password, user.PasswordHash) {
		msg := "Invalid credentials"
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, msg)
		return
	}

	token, err := h.resolver.IssueToken(user.Username)
	if err != nil {
		msg := "Failed to issue bearer token"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespLoginSession{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Token: token,
	}
}

// LoginUserHandler Wrapper around LoginUser
func (h APIRestUserHandler) LoginUserHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.LoginUser(w, r)
	}
}

// -----------------------------------------------------------------------

// GetCurrentUser godoc
// @Summary Fetch the calling user
// @Description Resolve the bearer token on the request and return the account it belongs to
// @tags User
// @Produce json
// @Param Roomcast-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespUser "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/user/me [get]
func (h APIRestUserHandler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
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

	user, err := h.users.GetUser(r.Context(), username)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotKnown) {
			msg := "User not known"
			respCode = http.StatusNotFound
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, username)
			return
		}
		msg := "User lookup failed"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespUser{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Username: user.Username,
	}
}

// GetCurrentUserHandler Wrapper around GetCurrentUser
func (h APIRestUserHandler) GetCurrentUserHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetCurrentUser(w, r)
	}
}
