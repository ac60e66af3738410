package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/efss-tools/wopibridge/internal/bridge"
	"github.com/efss-tools/wopibridge/internal/editorclient"
	"github.com/efss-tools/wopibridge/internal/httpapi"
	"github.com/efss-tools/wopibridge/internal/wopiclient"
)

func main() {
	// Not an error if absent; the container image usually ships plain env.
	_ = godotenv.Load()

	editorIntURL := strings.TrimSpace(os.Getenv("CODIMD_INT_URL"))
	editorExtURL := strings.TrimSpace(os.Getenv("CODIMD_EXT_URL"))
	if editorIntURL == "" || editorExtURL == "" {
		log.Fatal("CODIMD_INT_URL and CODIMD_EXT_URL are required")
	}

	addr := envOr("WOPIBRIDGE_ADDR", ":8000")
	bridgeURL := strings.TrimSpace(os.Getenv("WOPIBRIDGE_URL"))
	if bridgeURL == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Fatalf("WOPIBRIDGE_URL is unset and hostname lookup failed: %v", err)
		}
		bridgeURL = "https://" + hostname
		log.Printf("WOPIBRIDGE_URL is unset, using %s", bridgeURL)
	}

	httpClient := &http.Client{Timeout: durationEnv("WOPIBRIDGE_HTTP_TIMEOUT", 30*time.Second)}
	logger := log.Default()

	registry, err := bridge.NewRegistryFromDSN(os.Getenv("WOPIBRIDGE_REGISTRY_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize open-document registry: %v", err)
	}

	engine := bridge.NewEngine(bridge.Options{
		Storage:           wopiclient.New(wopiclient.Options{HTTPClient: httpClient, Logger: logger}),
		Editor:            editorclient.New(editorclient.Options{InternalURL: editorIntURL, HTTPClient: httpClient, Logger: logger}),
		Registry:          registry,
		Logger:            logger,
		EditorExternalURL: editorExtURL,
		AttachmentDir:     os.Getenv("CODIMD_STORAGE_PATH"),
		AppName:           os.Getenv("WOPIBRIDGE_APP_NAME"),
		LockTTL:           durationEnv("WOPIBRIDGE_LOCK_TTL", 30*time.Minute),
	})
	server := httpapi.NewServer(engine, httpapi.ServerConfig{
		BridgeURL:    bridgeURL,
		MaxBodyBytes: int64Env("WOPIBRIDGE_MAX_BODY_BYTES", 0),
		Logger:       logger,
	})

	log.Printf("wopibridge listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func envOr(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
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
