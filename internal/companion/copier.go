// copier.go performs the privileged copy into an app's private directory.
package companion

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"
)

// File modes for delivered files. The agent must be mappable by the app's
// user; the override only needs to be readable.
const (
	agentMode    os.FileMode = 0755
	overrideMode os.FileMode = 0644
)

// DigestPrefix tags digests reported by Deliver.
const DigestPrefix = "blake3:"

// Copier copies artifacts into <dataRoot>/<package>/.
type Copier struct {
	dataRoot string
}

// NewCopier creates a copier rooted at dataRoot (normally /data/data).
func NewCopier(dataRoot string) *Copier {
	return &Copier{dataRoot: dataRoot}
}

// AppDir returns the private directory of pkg.
func (c *Copier) AppDir(pkg string) string {
	return filepath.Join(c.dataRoot, pkg)
}

// Deliver copies src to <dataRoot>/<pkg>/<name> and hands it to the app's
// user: the file is owned by whoever owns the app directory and gets mode.
// The copy is written to a temp file in the same directory and renamed, so
// the app never sees a partial library. Returns the destination path and
// the BLAKE3 digest of the bytes written.
func (c *Copier) Deliver(src, pkg, name string, mode os.FileMode) (dst, digest string, err error) {
	dir := c.AppDir(pkg)
	dst = filepath.Join(dir, name)

	var st unix.Stat_t
	if err := unix.Stat(dir, &st); err != nil {
		return dst, "", fmt.Errorf("stat app directory %s: %w", dir, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return dst, "", fmt.Errorf("app directory %s is not a directory", dir)
	}

	source, err := os.Open(src)
	if err != nil {
		return dst, "", fmt.Errorf("open source: %w", err)
	}
	defer source.Close()

	tmp, err := os.CreateTemp(dir, ".gadgetd-*")
	if err != nil {
		return dst, "", fmt.Errorf("create temp file: %w", err)
	}
	// Removing after a successful rename fails harmlessly.
	defer os.Remove(tmp.Name())

	sum, err := fill(tmp, source, mode, int(st.Uid), int(st.Gid))
	if err != nil {
		tmp.Close()
		return dst, "", err
	}
	if err := tmp.Close(); err != nil {
		return dst, "", fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return dst, "", fmt.Errorf("rename into place: %w", err)
	}
	return dst, DigestPrefix + hex.EncodeToString(sum), nil
}

func fill(dst *os.File, src io.Reader, mode os.FileMode, uid, gid int) ([]byte, error) {
	hasher := blake3.New()
	if _, err := io.Copy(io.MultiWriter(dst, hasher), src); err != nil {
		return nil, fmt.Errorf("copy content: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	if err := unix.Fchown(int(dst.Fd()), uid, gid); err != nil {
		return nil, fmt.Errorf("chown to %d:%d: %w", uid, gid, err)
	}
	// Chmod after chown: chown clears set-id bits.
	if err := dst.Chmod(mode); err != nil {
		return nil, fmt.Errorf("chmod %o: %w", mode, err)
	}
	return hasher.Sum(nil), nil
}
