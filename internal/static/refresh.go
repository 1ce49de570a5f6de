package static

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mini-rodalies-3d/transitsync/internal/config"
)

// Manifest records when the cached GTFS zip was downloaded
type Manifest struct {
	UpdatedAt   string `json:"updated_at,omitempty"`
	GeneratedAt string `json:"generated_at,omitempty"` // legacy name for updated_at
	SourceURL   string `json:"source_url,omitempty"`
}

// ManifestPath returns the manifest location for a cached zip
func ManifestPath(zipPath string) string {
	return zipPath + ".manifest.json"
}

// RefreshIfStale downloads the static GTFS zip when the cached copy is missing or older
// than StaticRefreshDays. It reports whether a new zip was written.
func RefreshIfStale(ctx context.Context, cfg *config.Config) (bool, error) {
	manifestPath := ManifestPath(cfg.GTFSZipPath)
	_, statErr := os.Stat(cfg.GTFSZipPath)
	if statErr == nil && !isStaleOrMissing(manifestPath, cfg.StaticRefreshDays) {
		log.Println("Static GTFS is fresh, skipping refresh")
		return false, nil
	}

	if cfg.GTFSStaticURL == "" {
		if statErr != nil {
			return false, fmt.Errorf("no static GTFS at %s and no download URL configured", cfg.GTFSZipPath)
		}
		log.Println("Warning: static GTFS is stale but no download URL is configured")
		return false, nil
	}

	log.Printf("Refreshing static GTFS from %s...", cfg.GTFSStaticURL)
	if err := Download(ctx, cfg.GTFSStaticURL, cfg.GTFSZipPath); err != nil {
		return false, err
	}

	manifest := Manifest{
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		SourceURL: cfg.GTFSStaticURL,
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return true, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, data, 0644); err != nil {
		return true, fmt.Errorf("failed to write manifest: %w", err)
	}

	log.Println("Static GTFS refreshed successfully")
	return true, nil
}

// Download fetches url into dest, replacing it atomically once the body is complete
func Download(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download GTFS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GTFS download returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".gtfs-*.zip")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write GTFS: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write GTFS: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move GTFS into place: %w", err)
	}
	return nil
}

func isStaleOrMissing(manifestPath string, maxAgeDays int) bool {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return true
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return true
	}

	stamp := manifest.UpdatedAt
	if stamp == "" {
		stamp = manifest.GeneratedAt
	}
	updatedAt, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return true
	}

	maxAge := time.Duration(maxAgeDays) * 24 * time.Hour
	return time.Since(updatedAt) > maxAge
}
