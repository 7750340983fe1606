package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lexiqai/tutor-gateway/internal/config"
	"github.com/lexiqai/tutor-gateway/internal/gateway"
	"github.com/lexiqai/tutor-gateway/internal/httpapi"
	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/speech"
	"github.com/lexiqai/tutor-gateway/internal/stt"
	"github.com/lexiqai/tutor-gateway/internal/tts"
	"github.com/lexiqai/tutor-gateway/internal/tutor"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("grpc_port", cfg.GRPCPort).
		Str("gemini_model", cfg.GeminiModel).
		Bool("speech_capture", cfg.SpeechCaptureEnabled()).
		Bool("speech_playback", cfg.SpeechPlaybackEnabled()).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Tutor Gateway Service starting")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Persona catalog, hot reloaded from PERSONA_DIR when set
	catalogs, err := tutor.NewStore(cfg.PersonaDir)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.PersonaDir).Msg("Failed to load persona catalog")
	}
	go func() {
		if err := catalogs.Watch(ctx); err != nil {
			logger.Error().Err(err).Msg("Persona catalog watcher stopped")
		}
	}()

	gemini := tutor.NewGeminiClient(cfg, catalogs)
	checks := []observability.DependencyCheck{{Name: "tutor", Check: gemini.Ping}}

	deps := gateway.Dependencies{
		Config:   cfg,
		Replier:  gemini,
		Catalogs: catalogs,
	}

	if cfg.SpeechCaptureEnabled() {
		recognizer := stt.NewDeepgramRecognizer(cfg)
		deps.Recognizer = recognizer
		checks = append(checks, observability.DependencyCheck{Name: "deepgram", Check: recognizer.Ping})
	} else {
		logger.Warn().Msg("DEEPGRAM_API_KEY not set, speech capture will report unsupported")
	}

	if cfg.SpeechPlaybackEnabled() {
		cartesia := tts.NewCartesiaClient(cfg)
		voices := tts.NewVoiceCatalog(cartesia)
		deps.NewSynthesizer = func(sink tts.AudioSink) speech.Synthesizer {
			return tts.NewSynthesizer(cartesia, voices, sink)
		}
		checks = append(checks, observability.DependencyCheck{Name: "cartesia", Check: cartesia.Ping})

		// Sessions tolerate an empty list; voices arrive as pages load
		go func() {
			refreshCtx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			if err := voices.Refresh(refreshCtx); err != nil {
				logger.Warn().Err(err).Msg("Failed to load Cartesia voices")
				return
			}
			logger.Info().Int("voices", len(voices.Voices())).Msg("Cartesia voices loaded")
		}()
	} else {
		logger.Warn().Msg("CARTESIA_API_KEY not set, speech playback disabled")
	}

	// Create HTTP server
	mux := http.NewServeMux()

	sessions := gateway.NewServer(deps)
	mux.Handle("/ws/session", sessions)
	httpapi.New(gemini, catalogs).Register(mux)

	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks...))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.TutorRequestTimeout() + 15*time.Second, // POST /api/chat waits on the tutor
		IdleTimeout:  60 * time.Second,
	}

	// gRPC health service for orchestrators that probe over gRPC
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(observability.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		logger.Fatal().Err(err).Str("grpc_port", cfg.GRPCPort).Msg("Failed to listen for gRPC")
	}
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Error().Err(err).Msg("gRPC server stopped")
		}
	}()

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws/session", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Browser sockets are hijacked, so http.Server.Shutdown does not wait for them
	sessions.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	grpcServer.GracefulStop()
	stop()

	logger.Info().Msg("Server exited gracefully")
}
