package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mbaechler/calgrace/internal/davstore"
	"github.com/mbaechler/calgrace/internal/httpapi"
)

func main() {
	addr := os.Getenv("CALGRACE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	store, err := davstore.NewStore(davstore.StoreOptions{
		GraceDelay:   durationEnv("CALGRACE_GRACE_DELAY", 0),
		Immediate:    boolEnv("CALGRACE_IMMEDIATE", false),
		StateBackend: stateBackend,
		NotifyBuffer: intEnv("CALGRACE_NOTIFY_BUFFER", 0),
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		Token:           strings.TrimSpace(os.Getenv("CALGRACE_TOKEN")),
		RateLimitMax:    intEnv("CALGRACE_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("CALGRACE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("CALGRACE_MAX_BODY_BYTES", 0),
	})

	log.Printf("calgraced listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStateBackendFromEnv() (davstore.StateBackend, error) {
	dsn := strings.TrimSpace(os.Getenv("CALGRACE_STATE_DSN"))
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("CALGRACE_STATE_FILE"))
	}
	if dsn == "" {
		return nil, nil
	}
	return davstore.BuildStateBackendFromDSN(dsn)
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
