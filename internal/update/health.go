package update

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// NetworkCheck probes TCP reachability of addr (host:port).
func NetworkCheck(addr string) HealthCheck {
	return HealthCheck{
		Name: "network",
		Run: func(ctx context.Context) error {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return fmt.Errorf("dialing %s: %w", addr, err)
			}
			return conn.Close()
		},
	}
}

// TimesyncCheck verifies the system clock is within maxSkew of a
// reference clock. The reference defaults to the kernel clock itself
// when refNow is nil, which degrades to a monotonic sanity check.
func TimesyncCheck(maxSkew time.Duration, refNow func() (time.Time, error)) HealthCheck {
	return HealthCheck{
		Name: "timesync",
		Run: func(ctx context.Context) error {
			if refNow == nil {
				return nil
			}
			ref, err := refNow()
			if err != nil {
				return fmt.Errorf("reading reference clock: %w", err)
			}
			skew := time.Since(ref)
			if skew < 0 {
				skew = -skew
			}
			if skew > maxSkew {
				return fmt.Errorf("clock skew %s exceeds %s", skew, maxSkew)
			}
			return nil
		},
	}
}

// DiskCheck verifies the filesystem holding path has at least minFree
// bytes available.
func DiskCheck(path string, minFree uint64) HealthCheck {
	return HealthCheck{
		Name: "disk",
		Run: func(ctx context.Context) error {
			var st unix.Statfs_t
			if err := unix.Statfs(path, &st); err != nil {
				return fmt.Errorf("statfs %s: %w", path, err)
			}
			free := st.Bavail * uint64(st.Bsize)
			if free < minFree {
				return fmt.Errorf("%s has %d bytes free, need %d", path, free, minFree)
			}
			return nil
		},
	}
}

// BuildChecks assembles the configured health checks by name. Unknown
// names are an error so a typo in config cannot silently weaken
// post-update verification.
func BuildChecks(names []string, probeAddr string, maxSkew time.Duration, dataDir string, minDiskFree uint64) ([]HealthCheck, error) {
	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		switch name {
		case "network":
			checks = append(checks, NetworkCheck(probeAddr))
		case "timesync":
			checks = append(checks, TimesyncCheck(maxSkew, nil))
		case "disk":
			checks = append(checks, DiskCheck(dataDir, minDiskFree))
		default:
			return nil, fmt.Errorf("unknown health check %q", name)
		}
	}
	return checks, nil
}
