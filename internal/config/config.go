package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration. Values come from the environment,
// optionally seeded from a .env file in development.
type Config struct {
	HTTPAddress string

	// Verification and transcript handoff.
	BackendBaseURL string

	// Ephemeral realtime credentials.
	BrokerBaseURL string
	RealtimeModel string
	RealtimeVoice string

	// SDP exchange endpoint of the realtime provider.
	RealtimeProviderURL string

	ICEServers []string

	AssemblyAIKey string

	// Primary synthesis service; Deepgram is the fallback.
	SpeechSynthURL string
	DeepgramAPIKey string

	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string

	TwilioAccountSID string
	TwilioAuthToken  string
	PublicBaseURL    string

	Sentinel           string
	MaxQuestions       int
	MaxDurationMinutes int
	Language           string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg := Config{
		HTTPAddress:            getEnv("HTTP_ADDRESS", ":8080"),
		BackendBaseURL:         os.Getenv("BACKEND_BASE_URL"),
		BrokerBaseURL:          os.Getenv("BROKER_BASE_URL"),
		RealtimeModel:          getEnv("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:          getEnv("REALTIME_VOICE", "alloy"),
		RealtimeProviderURL:    os.Getenv("REALTIME_PROVIDER_URL"),
		ICEServers:             splitList(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302")),
		AssemblyAIKey:          os.Getenv("ASSEMBLYAI_API_KEY"),
		SpeechSynthURL:         os.Getenv("SPEECH_SYNTH_URL"),
		DeepgramAPIKey:         os.Getenv("DEEPGRAM_API_KEY"),
		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:         getEnv("SUPABASE_BUCKET", "interview-artifacts"),
		TwilioAccountSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:        os.Getenv("TWILIO_AUTH_TOKEN"),
		PublicBaseURL:          os.Getenv("PUBLIC_BASE_URL"),
		Sentinel:               getEnv("COMPLETION_SENTINEL", "FINISHED"),
		MaxQuestions:           getEnvInt("MAX_QUESTIONS", 10),
		MaxDurationMinutes:     getEnvInt("MAX_DURATION_MINUTES", 30),
		Language:               getEnv("INTERVIEW_LANGUAGE", "en"),
	}

	if cfg.BackendBaseURL == "" {
		log.Println("Warning: BACKEND_BASE_URL not set - link verification will fail")
	}
	if cfg.BrokerBaseURL == "" {
		log.Println("Warning: BROKER_BASE_URL not set - realtime connects will fail")
	}
	if cfg.AssemblyAIKey == "" {
		log.Println("Warning: ASSEMBLYAI_API_KEY not set - sessions run without live recognition")
	}
	if cfg.DeepgramAPIKey == "" && cfg.SpeechSynthURL == "" {
		log.Println("Warning: no synthesis backend configured - voice falls back to tone")
	}

	log.Printf("config: HTTP_ADDRESS=%s", cfg.HTTPAddress)
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		log.Printf("Warning: %s=%q is not a positive integer, using %d", key, raw, defaultValue)
		return defaultValue
	}
	return n
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
