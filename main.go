package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"birdseye/api"
	"birdseye/archive"
	"birdseye/checkpoint"
	"birdseye/models"
	"birdseye/pipeline"
	"birdseye/rank"
	"birdseye/utils"
)

func main() {
	envPath := flag.String("env", ".env", "Path to .env file")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	fresh := flag.Bool("fresh", false, "Ignore the cached report and refetch live data")
	flag.Parse()

	log := setupLogger(*logLevel)
	log.Info("Starting Birdseye")

	config, err := utils.LoadConfig(*envPath, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	// An invalid policy must abort before any fetching.
	policy, err := rank.LoadPolicy(config.Pipeline.PolicyPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load scoring policy")
	}

	log.WithFields(logrus.Fields{
		"archive_dir": config.Archive.Dir,
		"cache_path":  config.Cache.Path,
		"top_k":       policy.K,
		"server_port": config.Server.Port,
	}).Info("Configuration loaded")

	store, err := checkpoint.NewStore(config.Cache.Path, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open resume cache")
	}
	defer store.Close()

	client := api.NewClient(
		config.API.BaseURL,
		config.API.BearerToken,
		time.Duration(config.API.RequestTimeout)*time.Second,
		config.API.MaxAttempts,
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	holder := &reportHolder{}
	go startEchoServer(ctx, config.Server.Port, holder, log)

	go func() {
		report, err := produceReport(ctx, config, policy, client, store, *fresh, log)
		if err != nil {
			log.WithError(err).Fatal("Pipeline failed")
		}
		holder.set(report)
		log.WithFields(logrus.Fields{
			"top_posts":    len(report.TopPosts),
			"top_accounts": len(report.TopAccounts),
		}).Info("Report ready")
	}()

	waitForShutdown(cancel, log)
}

// produceReport serves the cached report when allowed, otherwise runs the
// full pipeline over the export bundle.
func produceReport(
	ctx context.Context,
	config *utils.Config,
	policy *rank.Policy,
	client *api.Client,
	store *checkpoint.Store,
	fresh bool,
	log *logrus.Logger,
) (*models.Report, error) {
	if !fresh {
		cached, err := store.LoadReport()
		if err != nil {
			log.WithError(err).Warn("Could not read cached report")
		} else if cached != nil {
			log.WithField("generated_at", cached.GeneratedAt).Info("Serving cached report, pass -fresh to refetch")
			return cached, nil
		}
	}

	sections, err := loadSections(config.Archive.Dir, log)
	if err != nil {
		return nil, err
	}

	pipe := pipeline.New(client, store, policy, config.Pipeline.Workers, log)
	return pipe.Run(ctx, sections)
}

// loadSections reads the export bundle's data files and keys the raw bytes
// by section name. Missing optional sections are tolerated; the posts
// section is required.
func loadSections(dir string, log *logrus.Logger) (map[string][]byte, error) {
	files := map[string][]string{
		archive.SectionPosts:     {"tweets.js", "tweet.js"},
		archive.SectionFollowers: {"follower.js", "followers.js"},
		archive.SectionFollowing: {"following.js"},
		archive.SectionAccount:   {"account.js"},
	}

	sections := make(map[string][]byte, len(files))
	for section, names := range files {
		for _, name := range names {
			raw, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			sections[section] = raw
			break
		}
		if _, ok := sections[section]; !ok {
			log.WithField("section", section).Warn("Export section not found in archive dir")
		}
	}

	if _, ok := sections[archive.SectionPosts]; !ok {
		return nil, fmt.Errorf("posts section not found in %s", dir)
	}
	return sections, nil
}

// reportHolder hands the latest report to the HTTP layer once the pipeline
// produced it.
type reportHolder struct {
	mutex  sync.RWMutex
	report *models.Report
}

func (h *reportHolder) set(r *models.Report) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.report = r
}

func (h *reportHolder) get() *models.Report {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.report
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

// startEchoServer starts the Echo HTTP server the external renderer reads
// the ranked report from.
func startEchoServer(ctx context.Context, port int, holder *reportHolder, log *logrus.Logger) {
	e := echo.New()
	e.HideBanner = true

	// middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(20))))

	withReport := func(handler func(echo.Context, *models.Report) error) echo.HandlerFunc {
		return func(c echo.Context) error {
			report := holder.get()
			if report == nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"error": "report not ready yet",
				})
			}
			return handler(c, report)
		}
	}

	e.GET("/api/report", withReport(func(c echo.Context, r *models.Report) error {
		return c.JSON(http.StatusOK, r)
	}))

	e.GET("/api/report/posts", withReport(func(c echo.Context, r *models.Report) error {
		return c.JSON(http.StatusOK, r.TopPosts)
	}))

	e.GET("/api/report/accounts", withReport(func(c echo.Context, r *models.Report) error {
		return c.JSON(http.StatusOK, r.TopAccounts)
	}))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	// start the server!
	go func() {
		serverAddr := fmt.Sprintf(":%d", port)
		log.WithField("port", port).Info("Starting report server")
		if err := e.Start(serverAddr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Report server failed")
		}
	}()

	// wait for context cancellation to shut down the server
	<-ctx.Done()
	log.Info("Shutting down report server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Report server shutdown failed")
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
	log.Info("Birdseye stopped")
}
