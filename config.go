package main

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Configuration, populated from the environment by LoadConfig
var (
	// APIURL is the base URL of the council backend
	APIURL = "http://localhost:8001"

	// SessionToken is sent as a bearer token. The dev backend requires it when set.
	SessionToken string

	// DuplicateModels are queried twice on deliberation turns unless -dup is given
	DuplicateModels = []string{}

	// StreamTimeout bounds a whole turn, including the event stream. Zero means no limit.
	StreamTimeout = 10 * time.Minute

	// RequestTimeout bounds the non-streaming endpoints
	RequestTimeout = 30 * time.Second

	// DevAddr is the listen address of `serve`
	DevAddr = ":8001"

	// DevCouncilFile is an optional YAML council definition for `serve`
	DevCouncilFile string

	// DevDataDir is the directory for dev backend conversation storage
	DevDataDir = "data/conversations"

	// CORSAllowedOrigins for the dev backend. Empty allows any localhost origin.
	CORSAllowedOrigins = []string{}
)

// LoadConfig loads configuration from environment variables
func LoadConfig() {
	// Load .env file - try multiple locations
	envLocations := []string{
		".env",    // Current directory
		"../.env", // Parent directory
	}

	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				break
			}
		}
	}

	if v := os.Getenv("COUNCIL_API_URL"); v != "" {
		APIURL = v
	}
	SessionToken = os.Getenv("COUNCIL_SESSION_TOKEN")

	if v := os.Getenv("COUNCIL_DUPLICATE_MODELS"); v != "" {
		DuplicateModels = splitList(v)
	}

	StreamTimeout = durationFromEnv("COUNCIL_STREAM_TIMEOUT", StreamTimeout)
	RequestTimeout = durationFromEnv("COUNCIL_REQUEST_TIMEOUT", RequestTimeout)

	if v := os.Getenv("COUNCIL_DEV_ADDR"); v != "" {
		DevAddr = v
	}
	if v := os.Getenv("COUNCIL_DEV_CONFIG"); v != "" {
		DevCouncilFile = v
	}
	if v := os.Getenv("COUNCIL_DEV_DATA_DIR"); v != "" {
		DevDataDir = v
	}

	// Load CORS origins from environment if provided
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		CORSAllowedOrigins = splitList(v)
	}
}

// durationFromEnv parses a duration such as "90s", keeping def when unset or invalid.
func durationFromEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		log.Printf("Warning: ignoring invalid %s=%q", key, v)
		return def
	}
	return d
}

// splitList splits a comma separated value, dropping blanks.
func splitList(v string) []string {
	items := []string{}
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
