package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/imagen-relay/internal/admission"
	"github.com/shehryarbajwa/imagen-relay/internal/api"
	"github.com/shehryarbajwa/imagen-relay/internal/backend"
	"github.com/shehryarbajwa/imagen-relay/internal/config"
	"github.com/shehryarbajwa/imagen-relay/internal/cookies"
	"github.com/shehryarbajwa/imagen-relay/internal/gemini"
	"github.com/shehryarbajwa/imagen-relay/internal/pool"
	"github.com/shehryarbajwa/imagen-relay/internal/ratelimit"
	"github.com/shehryarbajwa/imagen-relay/internal/storage"
	"github.com/shehryarbajwa/imagen-relay/internal/tasks"
	"github.com/shehryarbajwa/imagen-relay/pkg/models"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using system environment variables")
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := storage.New(cfg.StorageDir, cfg.BaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	sources := pool.DiscoverAccountSources(cfg.AccountsDir, cfg.CookiesPath)
	factory := func(accountID string, cookieStore *cookies.Store) backend.Generator {
		return gemini.NewClient(cookieStore, accountID, gemini.WithProxy(cfg.EffectiveProxy()))
	}
	accountPool, err := pool.New(sources, cfg.PerAccountConcurrent, factory)
	if err != nil {
		log.Fatalf("Failed to initialize account pool: %v", err)
	}
	log.WithField("accounts", len(sources)).Info("Account pool initialized")

	gate := admission.NewController(cfg.MaxConcurrentTasks)

	taskMgr := tasks.NewManager(cfg.TasksPath, func(ctx context.Context, req models.VideoTaskRequest, onBinding backend.BindingFunc) (*tasks.Result, error) {
		if err := gate.Acquire(); err != nil {
			return nil, err
		}
		defer gate.Release()

		refs, cleanup, err := fetchReferenceFiles(req)
		defer cleanup()
		if err != nil {
			return nil, err
		}

		timeout := cfg.VideoTimeout
		if timeout < cfg.DefaultTimeout {
			timeout = cfg.DefaultTimeout
		}
		res, err := accountPool.GenerateWithFailover(ctx, backend.GenerateRequest{
			Prompt:         req.Prompt,
			Timeout:        timeout,
			ReferenceFiles: refs,
			Options: backend.Options{
				Model:         req.Model,
				Ratio:         req.Ratio,
				Duration:      req.Duration,
				ReferenceMode: req.ReferenceMode,
			},
			OnBinding: onBinding,
		}, cfg.AccountCooldownSeconds)
		if err != nil {
			return nil, err
		}
		defer os.Remove(res.Path)

		_, publicURL, err := store.SaveFile(res.Path, "vid")
		if err != nil {
			return nil, backend.Wrap(backend.KindGenerationFailed, "failed to store generated media", err)
		}
		return &tasks.Result{URL: publicURL, Binding: res.Binding}, nil
	})
	defer taskMgr.Close()

	rateLimiter := ratelimit.NewLimiter(cfg.RequestsPerHour, cfg.RequestBurst)

	handler := api.NewHandler(cfg, gate, accountPool, store, taskMgr)
	router := handler.SetupRoutes(rateLimiter)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Periodic cleanup of aged generated files
	cleanupStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deleted := store.CleanupOldFiles(time.Duration(cfg.CleanupHours) * time.Hour)
				if len(deleted) > 0 {
					log.WithField("deleted", len(deleted)).Info("Cleaned up old generated files")
				}
			case <-cleanupStop:
				return
			}
		}
	}()

	go func() {
		log.WithField("addr", cfg.Addr).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server gracefully")
	close(cleanupStop)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	accountPool.Close()

	log.Info("Server stopped cleanly")
}

// fetchReferenceFiles downloads every remote reference named by the
// request into temp files. The returned cleanup removes them all and is
// safe to call even when an error is returned.
func fetchReferenceFiles(req models.VideoTaskRequest) ([]string, func(), error) {
	var paths []string
	cleanup := func() {
		for _, p := range paths {
			os.Remove(p)
		}
	}

	add := func(urls []string, suffix string) error {
		for _, u := range urls {
			if u == "" {
				continue
			}
			p, err := storage.DownloadToTemp(u, suffix)
			if err != nil {
				return backend.Wrap(backend.KindInvalidRequest, "failed to fetch reference file", err)
			}
			paths = append(paths, p)
		}
		return nil
	}

	if err := add(req.Images, ".png"); err != nil {
		return nil, cleanup, err
	}
	if err := add([]string{req.FirstFrameImage, req.LastFrameImage}, ".png"); err != nil {
		return nil, cleanup, err
	}
	if err := add(req.ReferenceVideos, ".mp4"); err != nil {
		return nil, cleanup, err
	}

	for _, p := range paths {
		if err := storage.NormalizeReferenceImage(p); err != nil {
			log.WithError(err).Warn("failed to normalize reference image")
		}
	}
	return paths, cleanup, nil
}
