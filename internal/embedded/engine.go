package embedded

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

//go:embed assets/Dockerfile
var dockerfile []byte

// BinaryName is the name the engine binary takes inside the build context.
const BinaryName = "soak"

// RecipeVersion is a short content hash of the embedded recipe.
func RecipeVersion() string {
	hash := sha256.Sum256(dockerfile)
	return hex.EncodeToString(hash[:8])
}

// PrepareBuildContext writes the recipe and the engine binary at binaryPath
// into a fresh directory. The caller must invoke cleanup when done.
func PrepareBuildContext(binaryPath string) (dir string, cleanup func(), err error) {
	if runtime.GOOS != "linux" {
		return "", nil, fmt.Errorf("engine image can only be built from a linux binary (current OS: %s)", runtime.GOOS)
	}

	dir, err = os.MkdirTemp("", "soak-build-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create build context: %w", err)
	}
	cleanup = func() { os.RemoveAll(dir) }

	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), dockerfile, 0o644); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write Dockerfile: %w", err)
	}

	if err := copyFile(binaryPath, filepath.Join(dir, BinaryName)); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to copy engine binary: %w", err)
	}

	return dir, cleanup, nil
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return err
	}

	return os.Chmod(dst, 0o755)
}
