// Package diagnostics exports and imports whole filesystem images for
// offline inspection of a corrupted mount, independent of the ext4 engine
// itself: it only depends on backend.Storage, so a bad superblock or a
// panic deep in inode decoding never stands between an operator and a copy
// of the raw bytes.
package diagnostics

import (
	"fmt"
	"io"

	"github.com/extfs/ext4fs/backend"
	"github.com/klauspost/compress/gzip"
)

// Export streams size bytes starting at start from b through a gzip writer
// to w. It never parses the image, so it works even when the filesystem on
// b is too corrupted to mount.
func Export(w io.Writer, b backend.Storage, start, size int64) error {
	gz, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
	if err != nil {
		return fmt.Errorf("diagnostics: creating gzip writer: %w", err)
	}
	src := io.NewSectionReader(b, start, size)
	if _, err := io.Copy(gz, src); err != nil {
		_ = gz.Close()
		return fmt.Errorf("diagnostics: copying image: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("diagnostics: closing gzip writer: %w", err)
	}
	return nil
}

// Import reads a gzip stream produced by Export from r and writes it back
// to b starting at start, returning the number of raw bytes written. The
// destination must already be sized to hold the image; Import never
// truncates or extends it.
func Import(b backend.Storage, start int64, r io.Reader) (int64, error) {
	wf, err := b.Writable()
	if err != nil {
		return 0, fmt.Errorf("diagnostics: opening backend for write: %w", err)
	}
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("diagnostics: reading gzip header: %w", err)
	}
	defer gz.Close()

	const chunkSize = 1024 * 1024
	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, rerr := gz.Read(buf)
		if n > 0 {
			if _, werr := wf.WriteAt(buf[:n], start+written); werr != nil {
				return written, fmt.Errorf("diagnostics: writing image at offset %d: %w", start+written, werr)
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, fmt.Errorf("diagnostics: decompressing image: %w", rerr)
		}
	}
	if err := b.Sync(); err != nil {
		return written, fmt.Errorf("diagnostics: syncing imported image: %w", err)
	}
	return written, nil
}
