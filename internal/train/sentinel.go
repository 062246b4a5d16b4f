package train

import (
	"fmt"
	"os"
	"path/filepath"
)

// TrainCompleteFilename is the sentinel artifact written to the
// working directory on successful loop completion. Its presence is
// polled by out-of-process evaluation jobs; absence means training did
// not finish.
const TrainCompleteFilename = "TRAIN_COMPLETE"

// WriteSentinel creates the zero-byte completion sentinel in workdir.
func WriteSentinel(workdir string) error {
	path := filepath.Join(workdir, TrainCompleteFilename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("write completion sentinel: %w", err)
	}
	return f.Close()
}

// SentinelExists reports whether the completion sentinel is present.
func SentinelExists(workdir string) bool {
	_, err := os.Stat(filepath.Join(workdir, TrainCompleteFilename))
	return err == nil
}
