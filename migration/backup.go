/*
backup.go - Verified point-in-time snapshots of the store

PURPOSE:
  The backups made here are the sole source of recoverability: if anything
  goes wrong after the workflows are paused, restoring the newest verified
  snapshot is the only way back. So nothing destructive is allowed to start
  until a snapshot has been created AND verified, twice over:

  1. Primary snapshot via VACUUM INTO - a transactionally consistent copy
     even if a straggling writer is still committing (backups run before
     quiescence by design).
  2. Structural integrity check on the primary (open it, PRAGMA
     integrity_check).
  3. SHA-256 checksum of the primary, written to a companion file.
  4. Secondary snapshot as a byte-for-byte copy of the primary.
  5. Checksum of the secondary compared against the primary's.

  Any failure in any step is a BackupFailure and the migration never
  reaches a destructive step.

ARTIFACT LAYOUT (per run, under BackupDir):
  usage-<runid>.db          primary snapshot
  usage-<runid>.db.sha256   checksum companion
  usage-<runid>.db.bak      secondary snapshot
  freeze-<runid>.txt        freeze marker: timestamp + row counts

  Artifacts are retained indefinitely; pruning is an operator decision.
*/
package migration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/packhouse/stockline/store/sqlite"
)

// Artifact describes one verified backup on disk.
type Artifact struct {
	Path          string
	SecondaryPath string
	Checksum      string
	CreatedAt     time.Time
	Verified      bool
}

// BackupManager creates and verifies snapshots for one run.
type BackupManager struct {
	mc *Context
}

// NewBackupManager returns a BackupManager bound to the run context.
func NewBackupManager(mc *Context) *BackupManager {
	return &BackupManager{mc: mc}
}

func (m *BackupManager) primaryPath() string {
	return filepath.Join(m.mc.Cfg.BackupDir, "usage-"+m.mc.RunID+".db")
}

// CreateVerified produces the run's verified snapshot pair. Every returned
// error wraps ErrBackupFailure.
func (m *BackupManager) CreateVerified(ctx context.Context) (*Artifact, error) {
	log := m.mc.Log.Logger
	primary := m.primaryPath()

	if err := os.MkdirAll(m.mc.Cfg.BackupDir, 0o755); err != nil {
		return nil, &BackupError{Stage: "create", Path: primary, Err: err}
	}

	// VACUUM INTO refuses to overwrite; a leftover from a crashed run
	// with the same second-resolution id is stale by definition.
	if err := os.Remove(primary); err != nil && !os.IsNotExist(err) {
		return nil, &BackupError{Stage: "create", Path: primary, Err: err}
	}
	if _, err := m.mc.DB().ExecContext(ctx, "VACUUM INTO ?", primary); err != nil {
		return nil, &BackupError{Stage: "create", Path: primary, Err: err}
	}
	log.Info().Str("path", primary).Msg("primary snapshot created")

	if err := verifySnapshot(ctx, primary); err != nil {
		return nil, &BackupError{Stage: "verify", Path: primary, Err: err}
	}

	checksum, err := checksumFile(primary)
	if err != nil {
		return nil, &BackupError{Stage: "checksum", Path: primary, Err: err}
	}
	if err := os.WriteFile(primary+".sha256", []byte(checksum+"\n"), 0o644); err != nil {
		return nil, &BackupError{Stage: "checksum", Path: primary, Err: err}
	}

	secondary := primary + ".bak"
	if err := copyFile(secondary, primary); err != nil {
		return nil, &BackupError{Stage: "copy", Path: secondary, Err: err}
	}
	secondarySum, err := checksumFile(secondary)
	if err != nil {
		return nil, &BackupError{Stage: "checksum", Path: secondary, Err: err}
	}
	if secondarySum != checksum {
		return nil, &BackupError{Stage: "verify", Path: secondary,
			Err: fmt.Errorf("secondary checksum %s does not match primary %s", secondarySum, checksum)}
	}

	log.Info().Str("checksum", checksum).Msg("snapshot pair verified")
	return &Artifact{
		Path:          primary,
		SecondaryPath: secondary,
		Checksum:      checksum,
		CreatedAt:     time.Now().UTC(),
		Verified:      true,
	}, nil
}

// WriteFreezeMarker records the freeze point: run timestamp and the row
// counts of the two key tables. Operators compare these against the
// post-restore counts; no code reads the marker back.
func (m *BackupManager) WriteFreezeMarker(ctx context.Context) error {
	usage, err := sqlite.CountRows(ctx, m.mc.DB(), "usage_records")
	if err != nil {
		return &BackupError{Stage: "create", Path: "freeze marker", Err: err}
	}
	products := int64(0)
	if exists, err := sqlite.TableExists(ctx, m.mc.DB(), "products"); err == nil && exists {
		if products, err = sqlite.CountRows(ctx, m.mc.DB(), "products"); err != nil {
			return &BackupError{Stage: "create", Path: "freeze marker", Err: err}
		}
	}

	path := filepath.Join(m.mc.Cfg.BackupDir, "freeze-"+m.mc.RunID+".txt")
	body := fmt.Sprintf("frozen_at=%s\nusage_records=%d\nproducts=%d\n",
		time.Now().UTC().Format(time.RFC3339), usage, products)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return &BackupError{Stage: "create", Path: path, Err: err}
	}

	m.mc.Log.Logger.Info().
		Int64("usage_records", usage).
		Int64("products", products).
		Msg("freeze marker written")
	return nil
}

// NewestArtifact finds the most recent primary snapshot in dir, by the run
// timestamp embedded in the filename. Returns nil when none exist.
func NewestArtifact(dir string) (*Artifact, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "usage-*.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan backup directory: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	primary := matches[0]

	a := &Artifact{Path: primary, SecondaryPath: primary + ".bak"}
	if sum, err := os.ReadFile(primary + ".sha256"); err == nil {
		a.Checksum = strings.TrimSpace(string(sum))
	}
	if info, err := os.Stat(primary); err == nil {
		a.CreatedAt = info.ModTime().UTC()
	}
	return a, nil
}

// VerifyArtifactFile checks one snapshot file: structural integrity, and
// when wantChecksum is non-empty, the recorded checksum.
func VerifyArtifactFile(ctx context.Context, path, wantChecksum string) error {
	if err := verifySnapshot(ctx, path); err != nil {
		return fmt.Errorf("snapshot %s is corrupt: %w", path, err)
	}
	if wantChecksum != "" {
		sum, err := checksumFile(path)
		if err != nil {
			return err
		}
		if sum != wantChecksum {
			return fmt.Errorf("snapshot %s checksum %s does not match recorded %s", path, sum, wantChecksum)
		}
	}
	return nil
}

func verifySnapshot(ctx context.Context, path string) error {
	db, err := sqlite.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()
	return sqlite.IntegrityCheck(ctx, db)
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("failed to sync %s: %w", dst, err)
	}
	return out.Close()
}
