// Package config implements the layered configuration resolver.
//
// Resolution merges four ordered layers: bundled core defaults, each active
// pack (bundled path then project path), project files under .edison/config/,
// and finally an EDISON_* environment overlay. Dicts merge recursively; lists
// and scalars replace. Results are cached per (root, packs) pair because two
// different merges are both valid at the same time.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"

	"edison.dev/cli/cmd/edison/cli/filelock"
	"edison.dev/cli/cmd/edison/cli/yamlutil"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config is an immutable view over the merged configuration tree.
type Config struct {
	root  string
	packs []string
	tree  map[string]any
}

var (
	cacheMu sync.RWMutex
	cache   = map[string]*Config{}
)

func cacheKey(root string, packs []string) string {
	return root + "\x00" + strings.Join(packs, ",")
}

// Load resolves configuration for the project at root. Active packs are
// discovered from the merged defaults+project+env view of packs.active.
func Load(root string) (*Config, error) {
	return load(root, nil)
}

// LoadWithPacks resolves configuration with an explicit pack set, bypassing
// packs.active discovery.
func LoadWithPacks(root string, packs []string) (*Config, error) {
	if packs == nil {
		packs = []string{}
	}
	return load(root, packs)
}

func load(root string, explicitPacks []string) (*Config, error) {
	packs := explicitPacks
	if packs == nil {
		discovered, err := discoverActivePacks(root)
		if err != nil {
			return nil, err
		}
		packs = discovered
	}

	key := cacheKey(root, packs)
	cacheMu.RLock()
	if cached, ok := cache[key]; ok {
		cacheMu.RUnlock()
		return cached, nil
	}
	cacheMu.RUnlock()

	tree, err := mergeLayers(root, packs)
	if err != nil {
		return nil, err
	}

	cfg := &Config{root: root, packs: packs, tree: tree}
	cacheMu.Lock()
	cache[key] = cfg
	cacheMu.Unlock()
	return cfg, nil
}

// ClearCache drops all cached configurations. Tests and long-lived processes
// that mutate config files call this before reloading.
func ClearCache() {
	cacheMu.Lock()
	cache = map[string]*Config{}
	cacheMu.Unlock()
}

// discoverActivePacks merges defaults, project config, and env to read
// packs.active without loading pack layers (phase one of the two-phase load).
func discoverActivePacks(root string) ([]string, error) {
	tree, err := parseDefaults()
	if err != nil {
		return nil, err
	}
	projectLayers, err := readConfigDir(filepath.Join(root, projectConfigDir))
	if err != nil {
		return nil, err
	}
	for _, layer := range projectLayers {
		deepMerge(tree, layer)
	}
	applyEnvOverlay(tree, os.Environ())

	bootstrap := &Config{root: root, tree: tree}
	return bootstrap.GetStrings("packs.active"), nil
}

func mergeLayers(root string, packs []string) (map[string]any, error) {
	tree, err := parseDefaults()
	if err != nil {
		return nil, err
	}

	for _, pack := range packs {
		layers, err := packConfigLayers(root, pack)
		if err != nil {
			return nil, err
		}
		for _, layer := range layers {
			deepMerge(tree, layer)
		}
	}

	projectLayers, err := readConfigDir(filepath.Join(root, projectConfigDir))
	if err != nil {
		return nil, err
	}
	for _, layer := range projectLayers {
		deepMerge(tree, layer)
	}

	applyEnvOverlay(tree, os.Environ())
	return tree, nil
}

func parseDefaults() (map[string]any, error) {
	var tree map[string]any
	if err := yamlutil.Unmarshal(defaultsYAML, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse bundled defaults: %w", err)
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, nil
}

// readConfigDir parses every *.yaml / *.yml file in dir, sorted by name.
// A missing directory yields no layers, never an error.
func readConfigDir(dir string) ([]map[string]any, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var layers []map[string]any
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path) //nolint:gosec // path is inside the config dir
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		var layer map[string]any
		if err := yamlutil.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if layer != nil {
			layers = append(layers, layer)
		}
	}
	return layers, nil
}

// deepMerge merges src into dst in place. Nested maps merge recursively;
// lists and scalars replace.
func deepMerge(dst, src map[string]any) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
			clone := map[string]any{}
			deepMerge(clone, srcMap)
			dst[key] = clone
			continue
		}
		dst[key] = srcVal
	}
}

// envOverlaySkip lists EDISON_* variables that are not config overlays:
// ambient controls and secrets that must not land in the config tree.
var envOverlaySkip = map[string]bool{
	"EDISON_LOG_LEVEL":        true,
	"EDISON_TDD_HMAC_KEY":     true,
	"EDISON_ACTOR_ID":         true,
	"EDISON_TELEMETRY_OPTOUT": true,
}

// applyEnvOverlay maps EDISON_<a>_<b> variables onto cfg[a][b]. Key segments
// match greedily against existing keys so multi-word keys like file_locking
// resolve correctly. Values parse as YAML scalars.
func applyEnvOverlay(tree map[string]any, environ []string) {
	hmacKeyEnv, _ := lookupString(tree, "validation.evidence.hmacKeyEnv")
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		name, value := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(name, "EDISON_") || envOverlaySkip[name] || name == hmacKeyEnv {
			continue
		}
		segs := strings.Split(strings.ToLower(strings.TrimPrefix(name, "EDISON_")), "_")
		if len(segs) == 0 || segs[0] == "" {
			continue
		}
		setEnvPath(tree, segs, parseScalar(value))
	}
}

func setEnvPath(node map[string]any, segs []string, val any) {
	for n := len(segs); n >= 1; n-- {
		key := strings.Join(segs[:n], "_")
		if n == len(segs) {
			if _, exists := node[key]; exists {
				node[key] = val
				return
			}
			continue
		}
		if child, ok := node[key].(map[string]any); ok {
			setEnvPath(child, segs[n:], val)
			return
		}
	}
	// No existing key matched: create nested maps segment by segment.
	if len(segs) == 1 {
		node[segs[0]] = val
		return
	}
	child, ok := node[segs[0]].(map[string]any)
	if !ok {
		child = map[string]any{}
		node[segs[0]] = child
	}
	setEnvPath(child, segs[1:], val)
}

func parseScalar(value string) any {
	var out any
	if err := yaml.Unmarshal([]byte(value), &out); err != nil || out == nil {
		return value
	}
	return out
}

// Root returns the project root this configuration was resolved for.
func (c *Config) Root() string {
	return c.root
}

// ActivePacks returns the pack names merged into this configuration, in order.
func (c *Config) ActivePacks() []string {
	out := make([]string, len(c.packs))
	copy(out, c.packs)
	return out
}

// Get returns the raw value at a dotted path.
func (c *Config) Get(path string) (any, bool) {
	return lookup(c.tree, path)
}

func lookup(tree map[string]any, path string) (any, bool) {
	node := any(tree)
	for _, seg := range strings.Split(path, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

func lookupString(tree map[string]any, path string) (string, bool) {
	v, ok := lookup(tree, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetString returns the string at path, or def when missing or mistyped.
func (c *Config) GetString(path, def string) string {
	if v, ok := c.Get(path); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// GetBool returns the bool at path, or def when missing or mistyped.
func (c *Config) GetBool(path string, def bool) bool {
	if v, ok := c.Get(path); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// GetInt returns the integer at path, or def when missing or mistyped.
func (c *Config) GetInt(path string, def int) int {
	if v, ok := c.Get(path); ok {
		if n, ok := toInt(v); ok {
			return n
		}
	}
	return def
}

// GetFloat returns the float at path, or def when missing or mistyped.
func (c *Config) GetFloat(path string, def float64) float64 {
	if v, ok := c.Get(path); ok {
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return def
}

// GetStrings returns the string list at path; missing or mistyped yields nil.
func (c *Config) GetStrings(path string) []string {
	v, ok := c.Get(path)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Section returns the map at path, or an empty map when missing. Mutating the
// returned map does not affect the configuration.
func (c *Config) Section(path string) map[string]any {
	v, ok := c.Get(path)
	if !ok {
		return map[string]any{}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	clone := map[string]any{}
	deepMerge(clone, m)
	return clone
}

// DecodeSection decodes the subtree at path into out via YAML re-encoding.
// A missing section leaves out untouched.
func (c *Config) DecodeSection(path string, out any) error {
	v, ok := c.Get(path)
	if !ok {
		return nil
	}
	data, err := yamlutil.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode section %s: %w", path, err)
	}
	if err := yamlutil.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode section %s: %w", path, err)
	}
	return nil
}

// Tree returns a deep copy of the merged configuration tree.
func (c *Config) Tree() map[string]any {
	clone := map[string]any{}
	deepMerge(clone, c.tree)
	return clone
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		if i, ok := toInt(v); ok {
			return float64(i), true
		}
		return 0, false
	}
}

// projectConfigDir is where project-level config files live, relative to root.
const projectConfigDir = ".edison/config"

// ManagementDirName returns the configured management directory name.
func (c *Config) ManagementDirName() string {
	return c.GetString("paths.managementDir", ".project")
}

// ManagementDir returns the absolute management directory path.
func (c *Config) ManagementDir() string {
	return filepath.Join(c.root, c.ManagementDirName())
}

// LockOptions builds filelock options from the file_locking section.
func (c *Config) LockOptions() filelock.Options {
	defaults := filelock.DefaultOptions()
	timeout := c.GetFloat("file_locking.timeout_seconds", defaults.Timeout.Seconds())
	poll := c.GetFloat("file_locking.poll_interval_seconds", defaults.PollInterval.Seconds())
	return filelock.Options{
		Timeout:      time.Duration(timeout * float64(time.Second)),
		PollInterval: time.Duration(poll * float64(time.Second)),
		FailOpen:     c.GetBool("file_locking.fail_open", defaults.FailOpen),
	}
}

// GitTimeout returns the budget for individual git invocations.
func (c *Config) GitTimeout() time.Duration {
	return time.Duration(c.GetFloat("timeouts.git_seconds", 30)) * time.Second
}

// CommandTimeout returns the budget for CI/validation commands.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.GetFloat("timeouts.command_seconds", 1800)) * time.Second
}

// WorktreeTimeout returns the budget for a named worktree git operation
// (health_check, fetch, checkout, worktree_add, clone, install, branch_check,
// prune). Unknown names fall back to the git timeout.
func (c *Config) WorktreeTimeout(op string) time.Duration {
	v := c.GetFloat("session.worktree.timeouts."+op, 0)
	if v <= 0 {
		return c.GitTimeout()
	}
	return time.Duration(v * float64(time.Second))
}

// WorktreeSettings is the typed view of the worktrees section.
type WorktreeSettings struct {
	Enabled          bool                `yaml:"enabled"`
	BaseDirectory    string              `yaml:"baseDirectory"`
	BranchPrefix     string              `yaml:"branchPrefix"`
	ArchiveDirectory string              `yaml:"archiveDirectory"`
	SharedState      SharedStateSettings `yaml:"sharedState"`
}

// SharedStateSettings configures the shared-state meta worktree.
type SharedStateSettings struct {
	Mode        string   `yaml:"mode"`
	Branch      string   `yaml:"branch"`
	Path        string   `yaml:"path"`
	SharedPaths []string `yaml:"sharedPaths"`
}

// Worktrees returns the decoded worktrees section.
func (c *Config) Worktrees() (WorktreeSettings, error) {
	var settings WorktreeSettings
	if err := c.DecodeSection("worktrees", &settings); err != nil {
		return WorktreeSettings{}, err
	}
	return settings, nil
}

// EvidenceSettings is the typed view of validation.evidence.
type EvidenceSettings struct {
	Directory     string            `yaml:"directory"`
	RedactSecrets bool              `yaml:"redactSecrets"`
	HMACKeyEnv    string            `yaml:"hmacKeyEnv"`
	Files         map[string]string `yaml:"files"`
}

// Evidence returns the decoded validation.evidence section.
func (c *Config) Evidence() (EvidenceSettings, error) {
	settings := EvidenceSettings{Directory: "validation-evidence", RedactSecrets: true}
	if err := c.DecodeSection("validation.evidence", &settings); err != nil {
		return EvidenceSettings{}, err
	}
	return settings, nil
}

// CISettings is the typed view of the ci section.
type CISettings struct {
	Shell         string            `yaml:"shell"`
	Commands      map[string]string `yaml:"commands"`
	CommandGroups map[string]string `yaml:"command_groups"`
}

// CI returns the decoded ci section.
func (c *Config) CI() (CISettings, error) {
	settings := CISettings{Shell: "bash"}
	if err := c.DecodeSection("ci", &settings); err != nil {
		return CISettings{}, err
	}
	return settings, nil
}
