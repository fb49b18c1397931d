package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"aegis/config"

	"go.uber.org/zap"
)

const writeTestFile = ".aegis_write_test"

// EnsureDataDirectories creates the data directory and the SQLite parent
// directory, and verifies both are writable. In-memory databases need only
// the data directory.
func EnsureDataDirectories(cfg *config.Config, sugar *zap.SugaredLogger) error {
	dirs := []string{cfg.DataPaths.DataDir}
	if path := cfg.DataPaths.SQLitePath; path != "" && path != ":memory:" {
		dirs = append(dirs, filepath.Dir(path))
	}

	seen := make(map[string]bool, len(dirs))
	for _, dir := range dirs {
		absPath, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("failed to resolve absolute path for %s: %w", dir, err)
		}
		if seen[absPath] {
			continue
		}
		seen[absPath] = true

		if err := os.MkdirAll(absPath, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w\n"+
				"  Remediation: Ensure the parent directory exists and is writable\n"+
				"  For Docker: Check volume mount permissions", dir, err)
		}

		probe := filepath.Join(absPath, writeTestFile)
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			return fmt.Errorf("directory %s is not writable: %w\n"+
				"  Remediation: Run 'chmod -R u+w %s' or set AEGIS_DATA_DIR", dir, err, absPath)
		}
		_ = os.Remove(probe)

		sugar.Debugw("Data directory ready", "path", absPath)
	}
	return nil
}

// ClassifyRedisError turns a Redis connection failure into an operator hint
func ClassifyRedisError(err error, addr string) string {
	if err == nil {
		return ""
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("Connection to Redis at %s timed out.\n"+
			"  Remediation:\n"+
			"  - Check that Redis is reachable: redis-cli -h <host> -p <port> ping\n"+
			"  - Raise redis.timeout if the network is slow", addr)
	}

	if errors.Is(err, syscall.ECONNREFUSED) || containsIgnoreCase(err.Error(), "connection refused") {
		return fmt.Sprintf("Connection refused by Redis at %s.\n"+
			"  Redis is probably not running.\n"+
			"  Remediation:\n"+
			"  - Start Redis or set redis.enabled=false to run with in-process locks", addr)
	}

	if containsIgnoreCase(err.Error(), "no such host") {
		return fmt.Sprintf("Cannot resolve hostname in Redis address %s.\n"+
			"  Remediation: Verify redis.addr", addr)
	}

	if containsIgnoreCase(err.Error(), "NOAUTH") || containsIgnoreCase(err.Error(), "WRONGPASS") {
		return fmt.Sprintf("Authentication failed for Redis at %s.\n"+
			"  Remediation: Set redis.password or the redis_password secret", addr)
	}

	return fmt.Sprintf("Failed to connect to Redis at %s: %v", addr, err)
}

// ClassifySQLiteError turns a database open failure into an operator hint
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()
	absPath, _ := filepath.Abs(dbPath)
	parentDir := filepath.Dir(absPath)

	switch {
	case containsIgnoreCase(errStr, "permission denied"):
		return fmt.Sprintf("Permission denied accessing SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check file permissions: ls -la %s\n"+
			"  - For Docker: Ensure the volume is mounted with proper user permissions",
			absPath, parentDir)

	case containsIgnoreCase(errStr, "database is locked") || containsIgnoreCase(errStr, "SQLITE_BUSY"):
		return fmt.Sprintf("SQLite database at %s is locked by another process.\n"+
			"  Remediation:\n"+
			"  - Check for another aegis worker using the same file\n"+
			"  - Wait for running migrations to finish", absPath)

	case containsIgnoreCase(errStr, "disk full") || containsIgnoreCase(errStr, "SQLITE_FULL"):
		return fmt.Sprintf("Disk full - cannot write to SQLite database at %s.\n"+
			"  Remediation: Check available disk space: df -h %s", absPath, parentDir)

	case containsIgnoreCase(errStr, "corrupt") || containsIgnoreCase(errStr, "malformed"):
		return fmt.Sprintf("SQLite database at %s appears to be corrupted.\n"+
			"  Remediation:\n"+
			"  - Check integrity: sqlite3 %s \"PRAGMA integrity_check;\"\n"+
			"  - Restore from backup",
			absPath, absPath)

	case containsIgnoreCase(errStr, "no such file or directory") || containsIgnoreCase(errStr, "unable to open"):
		return fmt.Sprintf("Cannot open SQLite database - path does not exist: %s.\n"+
			"  Remediation:\n"+
			"  - Create the parent directory: mkdir -p %s\n"+
			"  - Verify data_paths.sqlite_path or AEGIS_SQLITE_PATH",
			absPath, parentDir)

	case containsIgnoreCase(errStr, "read-only"):
		return fmt.Sprintf("SQLite database location is on a read-only file system: %s.\n"+
			"  Remediation: Move the database to a writable location via AEGIS_SQLITE_PATH", absPath)
	}

	return fmt.Sprintf("Failed to initialize SQLite database at %s: %v", absPath, err)
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
