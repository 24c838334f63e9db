package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Cultro276/ai-interview-sub001/internal/audio"
	"github.com/Cultro276/ai-interview-sub001/internal/backend"
	"github.com/Cultro276/ai-interview-sub001/internal/broker"
	"github.com/Cultro276/ai-interview-sub001/internal/config"
	"github.com/Cultro276/ai-interview-sub001/internal/httpserver"
	"github.com/Cultro276/ai-interview-sub001/internal/session"
	"github.com/Cultro276/ai-interview-sub001/internal/speech"
	"github.com/Cultro276/ai-interview-sub001/internal/storage"
	"github.com/Cultro276/ai-interview-sub001/internal/telephony"
	"github.com/Cultro276/ai-interview-sub001/internal/transport"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	backendClient := backend.NewClient(cfg.BackendBaseURL)
	credentials := broker.NewClient(cfg.BrokerBaseURL, cfg.RealtimeModel, cfg.RealtimeVoice)

	var artifacts session.ArtifactStore
	if cfg.SupabaseURL != "" && cfg.SupabaseServiceRoleKey != "" {
		archive, err := storage.New(storage.Config{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceRoleKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			log.Fatalf("supabase storage: %v", err)
		}
		artifacts = archive
	} else {
		log.Println("supabase not configured, artifacts disabled")
	}

	factory := buildEngineFactory(cfg, backendClient, credentials, artifacts)

	e := httpserver.NewRouter()
	api := httpserver.NewAPI(factory)
	api.Register(e)

	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		phones := telephony.New(telephony.Config{
			AccountSID:    cfg.TwilioAccountSID,
			AuthToken:     cfg.TwilioAuthToken,
			PublicBaseURL: cfg.PublicBaseURL,
		}, backendClient, backendClient, artifacts)
		phones.Register(e)
	} else {
		log.Println("twilio not configured, dial-in fallback disabled")
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}

// buildEngineFactory assembles one engine per interview link: its own
// transport session, recognizer feed, and voice chain. Engines are
// independent so concurrent interviews never share state.
func buildEngineFactory(cfg config.Config, backendClient *backend.Client, credentials *broker.Client, artifacts session.ArtifactStore) httpserver.EngineFactory {
	return func(token string) httpserver.Runtime {
		recognizer := speech.NewRecognizer(cfg.AssemblyAIKey)
		feed := audio.NewFeed(64)

		ts := transport.NewSession(transport.Config{
			ProviderURL:  cfg.RealtimeProviderURL,
			Credentials:  credentials,
			ContextToken: token,
			ICEServers:   cfg.ICEServers,
			OnCandidateAudio: func(pcm []byte) {
				_ = recognizer.SendPCM16KLE(pcm)
				_, _ = feed.Write(pcm)
			},
		})

		var primary speech.Synthesizer
		if cfg.SpeechSynthURL != "" {
			primary = speech.NewHTTPSynthesizer(cfg.SpeechSynthURL)
		}
		var fallback speech.Synthesizer
		if cfg.DeepgramAPIKey != "" {
			fallback = speech.NewDeepgramSynthesizer(cfg.DeepgramAPIKey, "aura-asteria-en")
		}

		eng := session.New(token, session.Deps{
			Verifier:   backendClient,
			Transport:  transport.NewBridge(ts),
			Voice:      speech.NewVoice(primary, fallback),
			Recognizer: recognizer,
			Persister:  backendClient,
			Artifacts:  artifacts,
		}, session.Options{
			Sentinel:     cfg.Sentinel,
			MaxQuestions: cfg.MaxQuestions,
			MaxDuration:  time.Duration(cfg.MaxDurationMinutes) * time.Minute,
			Language:     cfg.Language,
		})
		return httpserver.Runtime{
			Engine:  eng,
			Monitor: audio.NewPipeline(),
			Feed:    feed,
			Devices: audio.NewStaticDevices([]audio.Device{
				{ID: "default", Label: "Default microphone"},
			}),
		}
	}
}
