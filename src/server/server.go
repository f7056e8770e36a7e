package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"mindbridge/src/app"
	cfg "mindbridge/src/configuration"
	"mindbridge/src/events"
	db "mindbridge/src/repository"
	"mindbridge/src/security"
)

// Dependencies is everything the router needs. Archive and OIDC are optional,
// Clock defaults to the real one.
type Dependencies struct {
	Config    *cfg.Properties
	Store     db.Store
	Issuer    *security.Issuer
	ML        *MLClient
	Archive   *app.FrameArchive
	Hub       *events.Hub
	Publisher events.Publisher
	OIDC      *OIDCProvider
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

func NewRouter(d Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(d.Logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     d.Config.Server.AllowOrigins,
		AllowMethods:     []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "Cache-Control"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	if d.Config.Server.Pprof {
		pprof.Register(router)
	}

	publisher := d.Publisher
	if publisher == nil {
		publisher = d.Hub
	}
	clock := d.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	auth := NewAuthHandler(d.Store, d.Issuer, d.OIDC, d.Logger)
	auth.loginLimiter = newWindowLimiter(clock, d.Config.Auth.LoginLimit, d.Config.Auth.LoginWindow)
	emotion := NewEmotionHandler(d.ML, d.Store, d.Archive, publisher, d.Config.Server.MaxFileSize, clock, d.Logger)
	frames := NewFramesHandler(d.Archive, d.Store, d.Logger)
	stream := NewEventsHandler(d.Hub)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"ml":      d.ML.Metrics(),
			"archive": d.Archive != nil,
			"oidc":    d.OIDC != nil,
		})
	})

	router.POST("/api/auth/register", auth.Register)
	router.POST("/api/auth/login", auth.LimitLogin, auth.Login)

	v1 := router.Group("/api/v1/auth")
	v1.POST("/refresh", auth.Refresh)
	v1.POST("/logout", auth.RequireAuth, auth.Logout)
	v1.GET("/profile", auth.RequireAuth, auth.Profile)
	v1.PUT("/profile", auth.RequireAuth, auth.UpdateProfile)
	v1.GET("/oidc/login", auth.OIDCLogin)
	v1.GET("/oidc/callback", auth.OIDCCallback)

	router.GET("/api/v1/events", auth.RequireStreamAuth, stream.Stream)

	api := router.Group("/api/emotion", auth.RequireAuth)
	api.POST("/detect", emotion.Detect)
	api.POST("/batch", emotion.Batch)
	api.GET("/history", emotion.History)
	api.GET("/frames", frames.ListFrames)
	api.DELETE("/frames", frames.DeleteFrame)

	router.NoRoute(func(ctx *gin.Context) { ctx.JSON(http.StatusNotFound, gin.H{"detail": "Not found"}) })
	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

// RunServer wires the configured backends and serves until SIGINT or SIGTERM.
func RunServer(config *cfg.Properties, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.NewStore(ctx, config)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close(context.Background())

	issuer, err := security.NewIssuer(config.JWT.Secret, config.JWT.Issuer, config.JWT.AccessExpiration, config.JWT.RefreshExpiration)
	if err != nil {
		return err
	}
	if config.JWT.Secret == "" {
		logger.Warn("JWT_SECRET not set, tokens will not survive a restart")
	}

	var archive *app.FrameArchive
	if config.S3.Host != "" {
		archive, err = app.NewFrameArchive(config.S3.Host, config.S3.AccessKey, config.S3.SecretKey, config.S3.Bucket, config.S3.UseSSL, logger)
		if err != nil {
			logger.Error("could not connect to minio, archiving disabled", zap.Error(err))
			archive = nil
		}
	}

	var provider *OIDCProvider
	if config.Auth.Host != "" {
		provider, err = NewOIDCProvider(ctx, config.Auth)
		if err != nil {
			logger.Error("external login disabled", zap.Error(err))
			provider = nil
		}
	}

	hub := events.NewHub(16)
	publishers := events.Multi{hub}
	if config.MQTT.Broker != "" {
		mqttPub, err := events.NewMQTTPublisher(ctx, config.MQTT, logger)
		if err != nil {
			logger.Error("mqtt mirror disabled", zap.Error(err))
		} else {
			defer mqttPub.Close()
			publishers = append(publishers, mqttPub)
		}
	}

	clock := clockwork.NewRealClock()
	router := NewRouter(Dependencies{
		Config:    config,
		Store:     store,
		Issuer:    issuer,
		ML:        NewMLClient(config.MLServer, clock, logger),
		Archive:   archive,
		Hub:       hub,
		Publisher: publishers,
		OIDC:      provider,
		Clock:     clock,
		Logger:    logger,
	})

	go PruneRevokedTokens(ctx, store, clock, config.DB.PruneEvery, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", config.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: config.Server.ReadTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("server shutting down")
	return srv.Shutdown(shutdownCtx)
}
