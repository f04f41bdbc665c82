package vendors

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"edison.dev/cli/cmd/edison/cli/config"
	"edison.dev/cli/cmd/edison/cli/paths"
)

// CacheDir resolves the mirror cache directory and enforces placement: a
// relative dir must land strictly inside the repository, an absolute one
// inside an allow-listed user cache root.
func CacheDir(cfg *config.Config) (string, error) {
	dir := expandHome(cfg.GetString("vendors.cacheDir", paths.VendorCacheDir))
	if !filepath.IsAbs(dir) {
		root := filepath.Clean(cfg.Root())
		abs := filepath.Clean(filepath.Join(root, dir))
		if !strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return "", fmt.Errorf("vendors.cacheDir %q escapes the repository", dir)
		}
		return abs, nil
	}
	clean := filepath.Clean(dir)
	for _, allowed := range cfg.GetStrings("vendors.allowedUserCacheRoots") {
		a := filepath.Clean(expandHome(allowed))
		if !filepath.IsAbs(a) {
			continue
		}
		if clean == a || strings.HasPrefix(clean, a+string(filepath.Separator)) {
			return clean, nil
		}
	}
	return "", fmt.Errorf("vendors.cacheDir %q is outside the repository and every allowed user cache root", dir)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
