package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// localStorageFullpath maps bucket/key below baseDir, refusing keys that would
// escape it.
func localStorageFullpath(baseDir, bucket, key string) (string, error) {
	path := filepath.Join(baseDir, bucket, key)
	if path != baseDir && !strings.HasPrefix(path, baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %s/%s", bucket, key)
	}
	return path, nil
}
