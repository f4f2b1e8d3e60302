package worker

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"techaura-fulfillment/internal/models"
)

// VerifyHandler executes "verify" jobs: it re-reads every file the copy pass
// wrote onto the device and checks it against the checksum manifest. A
// mismatch means the device is bad or the copy was interrupted, and the job
// fails so retry accounting applies.
type VerifyHandler struct {
	baseDir string
}

type verifyJobPayload struct {
	DevicePath string `json:"device_path"`
}

// NewVerifyHandler builds the handler over the device mount directory.
func NewVerifyHandler(baseDir string) *VerifyHandler {
	if baseDir == "" {
		baseDir = "./devices"
	}
	return &VerifyHandler{baseDir: baseDir}
}

// Handle checks every manifest entry, reporting per-file progress.
func (h *VerifyHandler) Handle(ctx context.Context, job models.ProcessingJob, report ProgressFunc) error {
	var payload verifyJobPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.DevicePath == "" {
		return errors.New("device_path is required")
	}

	dir := filepath.Join(h.baseDir, sanitizePath(payload.DevicePath))
	sums, err := readManifest(filepath.Join(dir, manifestName))
	if err != nil {
		return err
	}

	total := len(sums)
	report(0, total)

	var mismatches []string
	done := 0
	for name, want := range sums {
		if err := ctx.Err(); err != nil {
			return err
		}
		got, err := fileSum(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("hash %s: %w", name, err)
		}
		if got != want {
			mismatches = append(mismatches, name)
		}
		done++
		report(done, total)
	}

	if len(mismatches) > 0 {
		return fmt.Errorf("checksum mismatch: %s", strings.Join(mismatches, ", "))
	}
	return nil
}

func readManifest(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	sums := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "  ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed manifest line: %q", line)
		}
		sums[parts[1]] = parts[0]
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if len(sums) == 0 {
		return nil, errors.New("manifest is empty")
	}
	return sums, nil
}

func fileSum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}
