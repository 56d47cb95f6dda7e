package runtime

import (
	"bufio"
	"context"
	"os"
	"time"

	"github.com/ctflab/ctfdeployer/pkg/types"
)

// Logs returns the last tail lines of the container's log file. The
// engine log carries no per-line timestamps, so since is applied
// against the file's modification time: a file untouched since the
// cutoff yields nothing.
func (d *ContainerdDriver) Logs(ctx context.Context, id string, tail int, since time.Time) ([]string, error) {
	path := d.logPath(id)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &types.EngineError{Kind: types.EngineNotFound, Op: "logs", Err: err}
		}
		return nil, &types.EngineError{Kind: types.EngineFatal, Op: "logs", Err: err}
	}
	if !since.IsZero() && info.ModTime().Before(since) {
		return []string{}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &types.EngineError{Kind: types.EngineFatal, Op: "logs", Err: err}
	}
	defer f.Close()

	// Ring buffer over the scan keeps memory bounded for large logs.
	lines := make([]string, 0, tail)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if tail > 0 && len(lines) == tail {
			copy(lines, lines[1:])
			lines = lines[:tail-1]
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, &types.EngineError{Kind: types.EngineFatal, Op: "logs", Err: err}
	}
	return lines, nil
}
