package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mlowery/feedmirror/api"
	"github.com/mlowery/feedmirror/bus"
	"github.com/mlowery/feedmirror/engine"
	"github.com/mlowery/feedmirror/journal"
	"github.com/mlowery/feedmirror/models"
	"github.com/mlowery/feedmirror/scheduler"
	"github.com/mlowery/feedmirror/store"
	"github.com/mlowery/feedmirror/utils"
)

// app bundles the wired engine for the status server handlers.
type app struct {
	client      *api.Client
	store       *store.EntityStore
	bus         *bus.Bus
	coordinator *engine.Coordinator
	scheduler   *scheduler.RefreshScheduler
	journal     *journal.Journal
	log         *logrus.Logger
}

func main() {
	envPath := flag.String("env", ".env", "Path to .env file")
	logLevel := flag.String("log-level", "debug", "Logging level (debug, info, warn, error)")
	flag.Parse()

	log := setupLogger(*logLevel)
	log.Info("Starting Feed Mirror")

	config, err := utils.LoadConfig(*envPath, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	log.WithFields(logrus.Fields{
		"feed_base_url":    config.Feed.BaseURL,
		"refresh_interval": config.Feed.RefreshInterval,
		"server_port":      config.Server.Port,
	}).Info("Configuration loaded")

	jrnl, err := journal.New(config.Journal.Path, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open journal")
	}
	defer jrnl.Close()

	client := api.NewClient(config.Feed.BaseURL, config.Feed.MaxRequestsPerMinute, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loginCtx, loginCancel := context.WithTimeout(ctx, 30*time.Second)
	user, err := client.Login(loginCtx, config.Feed.Username, config.Feed.Password)
	loginCancel()
	if err != nil {
		log.WithError(err).Fatal("Failed to log in to feed server")
	}
	log.WithField("user_id", user.ID).Info("Session established")

	entityStore := store.NewEntityStore(log)
	sessionBus := bus.New(log)

	// keep every materialized author summary in step with broadcast deltas
	sessionBus.SubscribeKarma(func(ev bus.KarmaChanged) {
		entityStore.ApplyKarmaDelta(ev.UserID, ev.Delta)
	})
	jrnl.Attach(sessionBus)

	coordinator := engine.NewCoordinator(client, entityStore, sessionBus, log)

	if err := coordinator.LoadFeed(ctx); err != nil {
		log.WithError(err).Error("Initial feed hydration failed")
	}

	refresher := scheduler.New(
		func(ctx context.Context) (*models.Leaderboard, error) {
			board, err := client.GetLeaderboard(ctx)
			if err != nil {
				return nil, err
			}
			if err := jrnl.RecordLeaderboard(board); err != nil {
				log.WithError(err).Error("Failed to journal leaderboard snapshot")
			}
			return board, nil
		},
		time.Duration(config.Feed.RefreshInterval)*time.Second,
		nil,
		sessionBus,
		log,
	)
	refresher.Start(ctx)

	a := &app{
		client:      client,
		store:       entityStore,
		bus:         sessionBus,
		coordinator: coordinator,
		scheduler:   refresher,
		journal:     jrnl,
		log:         log,
	}

	go startEchoServer(ctx, config.Server.Port, a, config.Feed.MaxRequestsPerMinute)

	waitForShutdown(cancel, log)

	refresher.Stop()
	sessionBus.Close()
	entityStore.ClearSession()

	logoutCtx, logoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := client.Logout(logoutCtx); err != nil {
		log.WithError(err).Warn("Logout failed")
	}
	logoutCancel()
}

// setupLogger sets up the logger with the specified log level
func setupLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// startEchoServer starts the Echo status API: the engine's projections and
// mutation surface for local consumers.
func startEchoServer(ctx context.Context, port int, a *app, maxRequestsPerMinute int) {
	e := echo.New()

	// middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	requestsPerSecond := float64(maxRequestsPerMinute) / 60.0

	rateLimit := rate.Limit(requestsPerSecond * 0.95) // use 95% of the rate limit to be safe

	rateLimiterConfig := middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rateLimit,
				Burst:     1, // no burst capability
				ExpiresIn: 3 * time.Minute,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(ctx echo.Context, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded, please try again later",
			})
		},
		DenyHandler: func(ctx echo.Context, identifier string, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded, please try again later",
			})
		},
	}
	e.Use(middleware.RateLimiterWithConfig(rateLimiterConfig))

	e.GET("/api/feed", a.handleFeed)
	e.POST("/api/feed", a.handleCreatePost)
	e.GET("/api/feed/:id/comments", a.handleThread)
	e.POST("/api/feed/:id/comments", a.handleCreateComment)
	e.POST("/api/like/:kind/:id", a.handleToggleLike)
	e.GET("/api/leaderboard", a.handleLeaderboard)
	e.GET("/api/karma/events", a.handleKarmaEvents)
	e.GET("/api/karma/users/:id", a.handleUserKarma)

	// health check endpoint; useful for k8s liveliness probes but not strictly required in this case;
	// should also add readiness probe, etc if we had a full k8s use case here
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	// start the server!
	go func() {
		serverAddr := fmt.Sprintf(":%d", port)
		a.log.WithField("port", port).Info("Starting status API server")
		if err := e.Start(serverAddr); err != nil && err != http.ErrServerClosed {
			a.log.WithError(err).Fatal("Status API server failed")
		}
	}()

	// wait for context cancellation to shut down server
	<-ctx.Done()
	a.log.Info("Shutting down status API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Error("Status API server shutdown failed")
	}
}

func (a *app) handleFeed(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"posts": a.store.Posts(),
	})
}

func (a *app) handleCreatePost(c echo.Context) error {
	var body struct {
		Content string `json:"content"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	post, err := a.coordinator.CreatePost(c.Request().Context(), body.Content)
	if err != nil {
		return mutationError(c, err)
	}
	return c.JSON(http.StatusCreated, post)
}

func (a *app) handleThread(c echo.Context) error {
	postID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid post id"})
	}

	tree := a.store.CommentTree(postID)
	if tree == nil {
		if err := a.coordinator.LoadThread(c.Request().Context(), postID); err != nil {
			return mutationError(c, err)
		}
		tree = a.store.CommentTree(postID)
	}
	if tree == nil {
		tree = []*models.Comment{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"comments": tree})
}

func (a *app) handleCreateComment(c echo.Context) error {
	postID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid post id"})
	}
	var body struct {
		Content string `json:"content"`
		Parent  *int64 `json:"parent"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	comment, err := a.coordinator.CreateComment(c.Request().Context(), postID, body.Parent, body.Content)
	if err != nil {
		return mutationError(c, err)
	}
	return c.JSON(http.StatusCreated, comment)
}

func (a *app) handleToggleLike(c echo.Context) error {
	kind := models.Kind(c.Param("kind"))
	if kind != models.KindPost && kind != models.KindComment {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "kind must be post or comment"})
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid id"})
	}

	res, err := a.coordinator.ToggleLike(c.Request().Context(), kind, id)
	if err != nil {
		return mutationError(c, err)
	}
	if err := a.journal.RecordLike(kind, id, res); err != nil {
		a.log.WithError(err).Error("Failed to journal like event")
	}
	return c.JSON(http.StatusOK, res)
}

func (a *app) handleLeaderboard(c echo.Context) error {
	board := a.scheduler.Leaderboard()
	if board == nil {
		payload := map[string]interface{}{"users": []models.LeaderboardEntry{}}
		if err := a.scheduler.LastError(); err != nil {
			payload["error"] = err.Error()
		}
		return c.JSON(http.StatusOK, payload)
	}
	return c.JSON(http.StatusOK, board)
}

func (a *app) handleKarmaEvents(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	events, err := a.journal.KarmaEvents(limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": events})
}

func (a *app) handleUserKarma(c echo.Context) error {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid user id"})
	}
	total, err := a.journal.UserKarmaTotal(userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id":        userID,
		"observed_karma": total,
	})
}

// mutationError maps engine errors onto status codes so one failed control
// never masks itself as a server-wide failure.
func mutationError(c echo.Context, err error) error {
	var transport *api.TransportError
	switch {
	case errors.Is(err, engine.ErrUnauthenticated):
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
	case errors.Is(err, engine.ErrConcurrentMutation):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &transport):
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// waitForShutdown waits for a shutdown signal
func waitForShutdown(cancel context.CancelFunc, log *logrus.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Shutdown signal received")

	cancel()

	time.Sleep(1 * time.Second)
	log.Info("Feed Mirror stopped")
}
