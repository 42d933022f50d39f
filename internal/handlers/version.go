package handlers

import (
	"net/http"
	"time"
)

// Build information, set with -ldflags "-X".
var (
	Version = "dev"
	Commit  = "unknown"
)

// VersionInfo handles the /version endpoint
func VersionInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version":     Version,
		"commit":      Commit,
		"server_time": time.Now().UTC().Format(time.RFC3339),
	})
}
