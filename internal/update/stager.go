package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"time"
)

// HTTPStager downloads update artifacts and writes them onto the target
// partition device, verifying the artifact hash as it streams.
type HTTPStager struct {
	partitions map[Partition]string // partition -> device path
	client     *http.Client
	logger     *slog.Logger
}

// NewHTTPStager maps partitions to their device paths.
func NewHTTPStager(partitionA, partitionB string, timeout time.Duration, logger *slog.Logger) *HTTPStager {
	return &HTTPStager{
		partitions: map[Partition]string{
			PartitionA: partitionA,
			PartitionB: partitionB,
		},
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Stage streams the artifact onto the target partition. The write and
// the hash computation share one pass; a hash mismatch fails the stage
// and the partition is considered garbage until the next stage.
func (s *HTTPStager) Stage(ctx context.Context, target Partition, artifactURL, artifactHash string) error {
	device, ok := s.partitions[target]
	if !ok {
		return fmt.Errorf("no device configured for partition %s", target)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return fmt.Errorf("building artifact request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching artifact: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching artifact: server returned %d", resp.StatusCode)
	}

	out, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening partition %s: %w", device, err)
	}

	h := sha256.New()
	written, err := io.Copy(io.MultiWriter(out, h), resp.Body)
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("writing artifact to %s: %w", device, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("syncing partition %s: %w", device, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing partition %s: %w", device, err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != artifactHash {
		return fmt.Errorf("artifact hash mismatch: got %s, want %s", got, artifactHash)
	}

	s.logger.Info("artifact staged",
		"partition", target, "device", device, "bytes", written, "hash", got[:12])
	return nil
}

// SystemRebooter requests a reboot through the init system.
type SystemRebooter struct {
	logger *slog.Logger
}

// NewSystemRebooter creates the production rebooter.
func NewSystemRebooter(logger *slog.Logger) *SystemRebooter {
	return &SystemRebooter{logger: logger}
}

// Reboot logs the reason and asks systemd to reboot the host.
func (r *SystemRebooter) Reboot(reason string) error {
	r.logger.Warn("requesting reboot", "reason", reason)
	if err := exec.Command("systemctl", "reboot").Run(); err != nil {
		return fmt.Errorf("requesting reboot: %w", err)
	}
	return nil
}
