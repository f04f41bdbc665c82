package versioncheck

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func TestIsOutdated(t *testing.T) {
	tests := map[string]struct {
		current, latest string
		want            bool
	}{
		"patch behind":       {"1.0.0", "1.0.1", true},
		"minor behind":       {"1.0.0", "1.1.0", true},
		"major behind":       {"1.0.0", "2.0.0", true},
		"ahead of release":   {"1.0.1", "1.0.0", false},
		"major ahead":        {"2.0.0", "1.9.9", false},
		"equal":              {"1.0.0", "1.0.0", false},
		"both prefixed":      {"v1.0.0", "v1.0.1", true},
		"mixed prefix":       {"v1.0.0", "1.0.1", true},
		"rc counts as older": {"1.0.0-rc1", "1.0.0", true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := isOutdated(tt.current, tt.latest); got != tt.want {
				t.Errorf("isOutdated(%q, %q) = %v, want %v", tt.current, tt.latest, got, tt.want)
			}
		})
	}
}

func TestParseRelease(t *testing.T) {
	tests := map[string]struct {
		body    string
		want    string
		wantErr bool
	}{
		"stable":     {`{"tag_name": "v1.2.3", "prerelease": false}`, "v1.2.3", false},
		"prerelease": {`{"tag_name": "v2.0.0-rc1", "prerelease": true}`, "", true},
		"no tag":     {`{"tag_name": "", "prerelease": false}`, "", true},
		"not json":   {`not json`, "", true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := parseRelease([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseRelease error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseRelease = %q, want %q", got, tt.want)
			}
		})
	}
}

// stubGitHub serves a release payload (or a bare status) and reroutes
// githubAPIURL at it for the duration of the test.
func stubGitHub(t *testing.T, status int, release *githubRelease) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(release) //nolint:errcheck // test stub
	}))
	t.Cleanup(server.Close)
	prev := githubAPIURL
	githubAPIURL = server.URL
	t.Cleanup(func() { githubAPIURL = prev })
}

// notifyCmd gives CheckAndNotify a home directory it may write its cache
// under and a command whose output lands in the returned buffer.
func notifyCmd(t *testing.T) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	var out bytes.Buffer
	cmd := &cobra.Command{Use: "edison"}
	cmd.SetOut(&out)
	return cmd, &out
}

// writeCache seeds the throttle record under the test HOME.
func writeCache(t *testing.T, cache checkCache) {
	t.Helper()
	path, err := cachePath()
	if err != nil {
		t.Fatalf("cachePath: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	data, err := json.Marshal(cache)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestFetchLatestVersionSendsGitHubHeaders(t *testing.T) {
	var gotAccept, gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(githubRelease{TagName: "v1.2.3"}) //nolint:errcheck // test stub
	}))
	t.Cleanup(server.Close)
	prev := githubAPIURL
	githubAPIURL = server.URL
	t.Cleanup(func() { githubAPIURL = prev })

	version, err := fetchLatestVersion(context.Background())
	if err != nil {
		t.Fatalf("fetchLatestVersion: %v", err)
	}
	if version != "v1.2.3" {
		t.Errorf("version = %q, want v1.2.3", version)
	}
	if gotAccept != "application/vnd.github+json" || gotAgent != "edison-cli" {
		t.Errorf("request headers = %q / %q", gotAccept, gotAgent)
	}
}

func TestFetchLatestVersionServerError(t *testing.T) {
	stubGitHub(t, http.StatusInternalServerError, nil)

	if _, err := fetchLatestVersion(context.Background()); err == nil {
		t.Fatal("want error for a 500 response")
	}
}

func TestCheckAndNotifySkipsHiddenCommand(t *testing.T) {
	stubGitHub(t, http.StatusOK, &githubRelease{TagName: "v9.9.9"})
	cmd, out := notifyCmd(t)
	cmd.Hidden = true

	CheckAndNotify(context.Background(), cmd, "1.0.0")

	if out.Len() != 0 {
		t.Errorf("hidden commands must stay quiet, got %q", out.String())
	}
}

func TestCheckAndNotifySkipsDevBuilds(t *testing.T) {
	stubGitHub(t, http.StatusOK, &githubRelease{TagName: "v9.9.9"})
	for _, version := range []string{"", "dev", "v0.9.0-dev"} {
		cmd, out := notifyCmd(t)

		CheckAndNotify(context.Background(), cmd, version)

		if out.Len() != 0 {
			t.Errorf("version %q must not probe, got %q", version, out.String())
		}
	}
}

func TestCheckAndNotifyHonorsFreshCache(t *testing.T) {
	stubGitHub(t, http.StatusOK, &githubRelease{TagName: "v9.9.9"})
	cmd, out := notifyCmd(t)
	writeCache(t, checkCache{LastCheckTime: time.Now()})

	CheckAndNotify(context.Background(), cmd, "1.0.0")

	if out.Len() != 0 {
		t.Errorf("fresh cache must suppress the probe, got %q", out.String())
	}
}

func TestCheckAndNotifyPrintsWhenOutdated(t *testing.T) {
	stubGitHub(t, http.StatusOK, &githubRelease{TagName: "v2.0.0"})
	cmd, out := notifyCmd(t)

	CheckAndNotify(context.Background(), cmd, "1.0.0")

	for _, want := range []string{"v2.0.0", "1.0.0"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("notification should name %s, got %q", want, out.String())
		}
	}
}

func TestCheckAndNotifySilentWhenUpToDate(t *testing.T) {
	stubGitHub(t, http.StatusOK, &githubRelease{TagName: "v1.0.0"})
	cmd, out := notifyCmd(t)

	CheckAndNotify(context.Background(), cmd, "1.0.0")

	if out.Len() != 0 {
		t.Errorf("up to date must stay quiet, got %q", out.String())
	}
}

func TestCheckAndNotifyFetchFailureStillThrottles(t *testing.T) {
	stubGitHub(t, http.StatusInternalServerError, nil)
	cmd, out := notifyCmd(t)

	CheckAndNotify(context.Background(), cmd, "1.0.0")

	if out.Len() != 0 {
		t.Errorf("failed probes must stay quiet, got %q", out.String())
	}
	path, err := cachePath()
	if err != nil {
		t.Fatalf("cachePath: %v", err)
	}
	if stamp := loadCache(path).LastCheckTime; time.Since(stamp) > time.Minute {
		t.Errorf("failed probe did not stamp the cache: %v", stamp)
	}
}
