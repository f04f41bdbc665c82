// Package versioncheck probes GitHub for newer releases and nudges the
// user at most once per day. Every failure path is silent: an upgrade
// hint is never worth breaking a command for.
package versioncheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"edison.dev/cli/cmd/edison/cli/atomicio"
	"edison.dev/cli/cmd/edison/cli/logging"
)

// checkCache is the throttle record in the global config dir.
type checkCache struct {
	LastCheckTime time.Time `json:"last_check_time"`
}

// githubRelease is the subset of the GitHub release response we read.
type githubRelease struct {
	TagName    string `json:"tag_name"`
	Prerelease bool   `json:"prerelease"`
}

// githubAPIURL is a var so tests can point it at a local server.
var githubAPIURL = "https://api.github.com/repos/edison-dev/cli/releases/latest"

const (
	checkInterval       = 24 * time.Hour
	httpTimeout         = 2 * time.Second
	cacheFileName       = "version_check.json"
	globalConfigDirName = ".config/edison"
)

// CheckAndNotify prints an upgrade hint when a newer release exists. It
// throttles to one GitHub probe per checkInterval and stays silent on
// every error.
func CheckAndNotify(ctx context.Context, cmd *cobra.Command, current string) {
	if cmd.Hidden {
		return
	}
	// Dev builds track no release.
	if current == "" || current == "dev" || strings.HasSuffix(current, "-dev") {
		return
	}

	path, err := cachePath()
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}

	cache := loadCache(path)
	if time.Since(cache.LastCheckTime) < checkInterval {
		return
	}

	latest, fetchErr := fetchLatestVersion(ctx)

	// Record the attempt either way so a failing probe does not repeat
	// on every invocation.
	cache.LastCheckTime = time.Now()
	if err := atomicio.WriteJSON(path, cache, 0o644); err != nil {
		logging.Debug(ctx, "version check cache write failed", "error", err)
	}
	if fetchErr != nil {
		logging.Debug(ctx, "version check fetch failed", "error", fetchErr)
		return
	}

	if isOutdated(current, latest) {
		fmt.Fprintf(cmd.OutOrStdout(),
			"\nA newer version of Edison is available: %s (current: %s)\nRun '%s' to update.\n",
			latest, current, updateCommand())
	}
}

func cachePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, globalConfigDirName, cacheFileName), nil
}

// loadCache returns the stored throttle record, or a zero one that lets
// the next probe run.
func loadCache(path string) *checkCache {
	data, err := os.ReadFile(path)
	if err != nil {
		return &checkCache{}
	}
	var cache checkCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return &checkCache{}
	}
	return &cache
}

func fetchLatestVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, githubAPIURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "edison-cli")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching release info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return parseRelease(body)
}

// parseRelease extracts the tag of a stable release; prereleases never
// trigger a notification.
func parseRelease(body []byte) (string, error) {
	var release githubRelease
	if err := json.Unmarshal(body, &release); err != nil {
		return "", fmt.Errorf("parsing release: %w", err)
	}
	if release.Prerelease {
		return "", errors.New("latest release is a prerelease")
	}
	if release.TagName == "" {
		return "", errors.New("release has no tag name")
	}
	return release.TagName, nil
}

func isOutdated(current, latest string) bool {
	return semver.Compare(canonical(current), canonical(latest)) < 0
}

// canonical prefixes the "v" that semver.Compare requires.
func canonical(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

const installScript = "curl -fsSL https://edison.dev/install.sh | bash"

// updateCommand picks the upgrade instruction matching how the binary
// was installed. Homebrew serves from its Cellar, so a resolved path
// through it means brew owns the install.
func updateCommand() string {
	execPath, err := os.Executable()
	if err != nil {
		return installScript
	}
	if resolved, err := filepath.EvalSymlinks(execPath); err == nil {
		execPath = resolved
	}
	if strings.Contains(execPath, "/Cellar/") || strings.Contains(execPath, "/homebrew/") {
		return "brew upgrade edison"
	}
	return installScript
}
