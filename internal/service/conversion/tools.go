package conversion

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/virelle/corpus/internal/config"
	"github.com/virelle/corpus/internal/domain"
)

// popplerTool resolves a poppler binary, honoring POPPLER_BIN when the
// tools are installed outside PATH.
func popplerTool(name string) string {
	if dir := os.Getenv(config.EnvPopplerBin); dir != "" {
		return filepath.Join(dir, name)
	}
	return name
}

// runTool executes an external converter under a watchdog. A timeout kills
// the process and comes back as a conversion error rather than a context
// error, so callers can retry.
func runTool(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, &domain.ConversionError{Reason: "conversion timeout"}
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, &domain.ConversionError{Reason: filepath.Base(name) + ": " + msg}
	}
	return stdout.Bytes(), nil
}

// toolAvailable memoizes PATH lookups so capability checks stay cheap.
var toolAvailable sync.Map

func hasTool(name string) bool {
	if v, ok := toolAvailable.Load(name); ok {
		return v.(bool)
	}
	_, err := exec.LookPath(name)
	found := err == nil
	toolAvailable.Store(name, found)
	return found
}
