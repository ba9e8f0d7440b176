package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/roomcast/apis"
	"github.com/alwitt/roomcast/auth"
	"github.com/alwitt/roomcast/chat"
	"github.com/alwitt/roomcast/common"
	"github.com/alwitt/roomcast/core"
	"github.com/alwitt/roomcast/pubsub"
	"github.com/alwitt/roomcast/ratelimit"
	"github.com/alwitt/roomcast/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	gormlogger "gorm.io/gorm/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// RunServer run the chat API server
func RunServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	broker core.RedisClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid server config")
		return err
	}

	// -------------------------------------------------------------------
	// Durable storage

	db, err := gorm.Open(sqlite.Open(config.Storage.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to open storage at %s", config.Storage.DSN,
		)
		return err
	}

	messages, err := storage.GetMessageStore(db, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define message store")
		return err
	}
	rooms, err := storage.GetRoomStore(db, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define room store")
		return err
	}
	users, err := storage.GetUserStore(db, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define user store")
		return err
	}

	// -------------------------------------------------------------------
	// Fan-out core

	localCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()

	bridge, err := pubsub.GetRedisBridge(
		localCtxt, broker, config.Chat.ChannelPrefix, instance, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define pub/sub bridge")
		return err
	}
	defer bridge.Close(context.Background())

	registry := chat.GetRegistry(instance)

	var limiter ratelimit.Limiter
	if config.RateLimit.Enabled {
		limiter, err = ratelimit.GetRedisLimiter(
			broker,
			"chat:ratelimit:",
			config.RateLimit.MaxInWindow,
			time.Second*time.Duration(config.RateLimit.WindowLength),
			instance,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define rate limiter")
			return err
		}
	} else {
		limiter = ratelimit.GetAlwaysAllowLimiter()
	}

	resolver, err := auth.GetJWTResolver(
		config.Auth.SigningSecret,
		time.Second*time.Duration(config.Auth.TokenLifetime),
		instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define identity resolver")
		return err
	}

	sessions, err := chat.GetSessionManager(
		registry, bridge, messages, limiter, config.Chat.HistoryLimit, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session manager")
		return err
	}

	// -------------------------------------------------------------------
	// HTTP handlers

	userHandler, err := apis.GetAPIRestUserHandler(users, resolver, &config.HTTPSetting)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define user HTTP handler")
		return err
	}
	roomHandler, err := apis.GetAPIRestRoomHandler(
		rooms, messages, sessions, resolver, &config.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define room HTTP handler")
		return err
	}
	chatHandler, err := apis.GetAPIRestChatHandler(
		localCtxt,
		rooms,
		sessions,
		resolver,
		broker,
		db,
		&config.HTTPSetting,
		config.Chat.SendBufferLen,
		instance,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define chat HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)

	// User routes
	userRouter := apis.RegisterPathPrefix(mainRouter, "/v1/user", map[string]http.HandlerFunc{
		"post": userHandler.RegisterUserHandler(),
	})
	_ = apis.RegisterPathPrefix(userRouter, "/login", map[string]http.HandlerFunc{
		"post": userHandler.LoginUserHandler(),
	})
	_ = apis.RegisterPathPrefix(userRouter, "/me", map[string]http.HandlerFunc{
		"get": userHandler.GetCurrentUserHandler(),
	})

	// Room routes
	roomRouter := apis.RegisterPathPrefix(mainRouter, "/v1/room", map[string]http.HandlerFunc{
		"post": roomHandler.CreateRoomHandler(),
		"get":  roomHandler.GetAllRoomsHandler(),
	})
	perRoomRouter := apis.RegisterPathPrefix(roomRouter, "/{roomID}", map[string]http.HandlerFunc{
		"get":    roomHandler.GetRoomHandler(),
		"delete": roomHandler.DeleteRoomHandler(),
	})
	_ = apis.RegisterPathPrefix(perRoomRouter, "/presence", map[string]http.HandlerFunc{
		"get": roomHandler.GetRoomPresenceHandler(),
	})

	// Chat session route
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/chat/{roomID}", map[string]http.HandlerFunc{
		"get": chatHandler.JoinRoomHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": chatHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": chatHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(chatHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:      router,
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
