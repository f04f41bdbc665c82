// Package paths centralizes project layout constants, project-root discovery,
// and identifier validation for the Edison CLI.
//
// An Edison project is a directory that contains the .edison configuration
// directory. Discovery walks upward from the working directory so every
// command works from any subdirectory, the same way git does.
package paths

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Directory constants relative to the project root.
const (
	ConfigDirName        = ".edison"
	ConfigSubdir         = ".edison/config"
	GeneratedDir         = ".edison/_generated"
	LogsDir              = ".edison/logs"
	PacksDir             = ".edison/packs"
	VendorCacheDir       = ".edison/vendor-cache"
	TmpDir               = ".edison/tmp"
	DefaultManagementDir = ".project"
)

// File names inside the management tree.
const (
	SessionFileName   = "session.json"
	SessionIDFileName = ".session-id"
	TaskFileExt       = ".md"
	QAFileSuffix      = "-qa"
	VendorsFileName   = "vendors.yaml"
	VendorsLockName   = "vendors.lock.yaml"
)

// Directory names inside the management tree. The same names are used for
// the global trees and for the per-session subtrees.
const (
	TasksDirName    = "tasks"
	QADirName       = "qa"
	SessionsDirName = "sessions"
)

// EnvProjectRoot overrides project root discovery when set.
const EnvProjectRoot = "AGENTS_PROJECT_ROOT"

// EnvSessionID is the fallback session identity used by agent harnesses
// that export their session into the environment.
const EnvSessionID = "AGENTS_SESSION"

// ErrNotEdisonProject is returned when no management marker is found while
// walking up from the working directory and no git root exists either.
var ErrNotEdisonProject = errors.New("not inside an Edison project (no .edison or .project directory found)")

// AmbiguousIDError is returned when a short identifier prefix matches more
// than one entity.
type AmbiguousIDError struct {
	Token      string
	Candidates []string
}

func (e *AmbiguousIDError) Error() string {
	shown := e.Candidates
	suffix := ""
	if len(shown) > 10 {
		shown = shown[:10]
		suffix = ", ..."
	}
	return fmt.Sprintf("ambiguous id %q: matches %s%s", e.Token, strings.Join(shown, ", "), suffix)
}

// UnknownIDError is returned when a short identifier matches nothing.
type UnknownIDError struct {
	Token string
}

func (e *UnknownIDError) Error() string {
	return fmt.Sprintf("unknown id %q", e.Token)
}

// projectRootCache caches the discovered root to avoid repeated directory
// walks. The cache is keyed by the working directory to handle chdir.
var (
	projectRootMu       sync.RWMutex
	projectRootCache    string
	projectRootCacheDir string
)

// ProjectRoot returns the Edison project root directory.
// Resolution order: AGENTS_PROJECT_ROOT env var, then an upward walk from the
// working directory looking for a .edison or .project marker, then the git
// repository root. The result is cached per working directory.
func ProjectRoot() (string, error) {
	if override := os.Getenv(EnvProjectRoot); override != "" {
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", fmt.Errorf("invalid %s: %w", EnvProjectRoot, err)
		}
		return abs, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	projectRootMu.RLock()
	if projectRootCache != "" && projectRootCacheDir == cwd {
		cached := projectRootCache
		projectRootMu.RUnlock()
		return cached, nil
	}
	projectRootMu.RUnlock()

	root, err := findRootFrom(cwd)
	if err != nil {
		return "", err
	}

	projectRootMu.Lock()
	projectRootCache = root
	projectRootCacheDir = cwd
	projectRootMu.Unlock()

	return root, nil
}

func findRootFrom(dir string) (string, error) {
	for probe := dir; ; {
		for _, marker := range [...]string{ConfigDirName, DefaultManagementDir} {
			if info, err := os.Stat(filepath.Join(probe, marker)); err == nil && info.IsDir() {
				return probe, nil
			}
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	// Fall back to the git repository root for not-yet-initialized repos.
	if root, err := gitToplevel(dir); err == nil {
		return root, nil
	}
	return "", ErrNotEdisonProject
}

// gitToplevel returns the git repository root via the git CLI.
func gitToplevel(dir string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse --show-toplevel: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// ClearProjectRootCache clears the cached project root. Tests that change
// working directories call this between chdirs.
func ClearProjectRootCache() {
	projectRootMu.Lock()
	projectRootCache = ""
	projectRootCacheDir = ""
	projectRootMu.Unlock()
}

// ProjectRootOr returns the project root, or the fallback when discovery
// fails. Useful for commands that degrade gracefully outside a project.
func ProjectRootOr(fallback string) string {
	root, err := ProjectRoot()
	if err != nil {
		return fallback
	}
	return root
}

// AbsPath returns the absolute path for a path relative to the project root.
// Absolute inputs are returned as-is.
func AbsPath(relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return relPath, nil
	}
	root, err := ProjectRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, relPath), nil
}

// IsInfrastructurePath reports whether path is part of CLI infrastructure
// (i.e., inside the .edison directory).
func IsInfrastructurePath(path string) bool {
	return path == ConfigDirName || strings.HasPrefix(path, ConfigDirName+"/")
}

// idRegex matches valid entity identifiers: a leading alphanumeric followed
// by alphanumerics, dots, underscores, or hyphens. No path separators.
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateID validates a task or QA identifier for safe use in file paths.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("invalid id %q: must be alphanumeric with dots, underscores, or hyphens", id)
	}
	return nil
}

// ValidateSessionID validates that a session ID is non-empty and doesn't
// contain path separators.
func ValidateSessionID(id string) error {
	if id == "" {
		return errors.New("session ID is empty")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session ID %q contains a path separator", id)
	}
	return nil
}

// GenerateSessionID generates a date-prefixed session identifier.
// The format is: YYYY-MM-DD-<8 hex chars>, e.g. "2025-11-30-3fa9c21b".
func GenerateSessionID() string {
	id := uuid.NewString()
	return time.Now().Format("2006-01-02") + "-" + strings.ReplaceAll(id, "-", "")[:8]
}

// QAIDForTask returns the QA identifier paired with a task.
func QAIDForTask(taskID string) string {
	return taskID + QAFileSuffix
}

// IsQAID reports whether id names a QA record. Detection is suffix-based:
// QA ids end with "-qa" or ".qa", task ids otherwise.
func IsQAID(id string) bool {
	return strings.HasSuffix(id, "-qa") || strings.HasSuffix(id, ".qa")
}

// TaskIDForQA returns the task identifier a QA record belongs to.
// Returns the input unchanged if it doesn't carry a QA suffix.
func TaskIDForQA(qaID string) string {
	if strings.HasSuffix(qaID, "-qa") {
		return strings.TrimSuffix(qaID, "-qa")
	}
	if strings.HasSuffix(qaID, ".qa") {
		return strings.TrimSuffix(qaID, ".qa")
	}
	return qaID
}

// TaskFileName returns the Markdown file name for a task ID.
func TaskFileName(taskID string) string {
	return taskID + TaskFileExt
}

// QAFileName returns the Markdown file name for the QA record of a task.
func QAFileName(taskID string) string {
	return QAIDForTask(taskID) + TaskFileExt
}

// ExpandShortID resolves token against the known identifiers.
// An exact match always wins. Otherwise token expands to the unique
// identifier with prefix "<token>-". Zero matches return UnknownIDError;
// two or more return AmbiguousIDError with the candidates sorted.
func ExpandShortID(token string, known []string) (string, error) {
	if token == "" {
		return "", errors.New("id cannot be empty")
	}
	var candidates []string
	for _, id := range known {
		if id == token {
			return id, nil
		}
		if strings.HasPrefix(id, token+"-") {
			candidates = append(candidates, id)
		}
	}
	switch len(candidates) {
	case 0:
		return "", &UnknownIDError{Token: token}
	case 1:
		return candidates[0], nil
	default:
		sort.Strings(candidates)
		return "", &AmbiguousIDError{Token: token, Candidates: candidates}
	}
}

// ReadSessionIDFile reads the session ID pinned in dir/.session-id.
// Returns an empty string (not an error) if the file doesn't exist.
func ReadSessionIDFile(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, SessionIDFileName)) //nolint:gosec // path is built from a validated dir
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read session id file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteSessionIDFile pins the session ID in dir/.session-id.
func WriteSessionIDFile(dir, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create directory for session id file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SessionIDFileName), []byte(sessionID+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write session id file: %w", err)
	}
	return nil
}
