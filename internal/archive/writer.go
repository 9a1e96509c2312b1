package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/klauspost/compress/zstd"
	"github.com/void-linux/xbps-sub002/internal/plist"
)

// Writer builds a compressed tar archive, with a hardlink resolver so
// multiple on-disk paths sharing an inode are written once as a regular
// entry and thereafter as TypeLink entries, and a convenience for
// appending entries built from an in-memory buffer (props.plist,
// files.plist).
type Writer struct {
	tw     *tar.Writer
	closer io.Closer
	format Format
	links  *LinkResolver
}

// NewWriter wraps w with a tar writer compressing with format at level.
// level is ignored for FormatNone; for FormatGzip it is passed through to
// compress/gzip (gzip.BestCompression etc); for FormatZstd it selects a
// zstd.EncoderLevel via zstd.WithEncoderLevel. bzip2, xz and lz4 have no
// writer support anywhere in the retrieval pack and return
// ErrUnsupportedCompression.
func NewWriter(w io.Writer, format Format, level int) (*Writer, error) {
	var dst io.Writer = w
	var closer io.Closer

	switch format {
	case FormatNone:
	case FormatGzip:
		if level == 0 {
			level = gzip.DefaultCompression
		}
		gz, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil, fmt.Errorf("archive: gzip writer: %w", err)
		}
		dst, closer = gz, gz
	case FormatZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstdLevel(level)))
		if err != nil {
			return nil, fmt.Errorf("archive: zstd writer: %w", err)
		}
		dst, closer = zw, zw
	case FormatBzip2, FormatXZ, FormatLZ4:
		return nil, unsupportedFormatError(format)
	default:
		return nil, unsupportedFormatError(format)
	}

	return &Writer{
		tw:     tar.NewWriter(dst),
		closer: closer,
		format: format,
		links:  NewLinkResolver(),
	}, nil
}

// zstdLevel maps a generic 1-9 compression level to a zstd.EncoderLevel,
// defaulting to level 9 (SpeedBestCompression) per spec.md's default.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 0:
		return zstd.SpeedBestCompression
	case level <= 3:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	default:
		return zstd.SpeedBestCompression
	}
}

// WriteHeader writes hdr, first consulting the hardlink resolver: if hdr
// describes a regular file whose device/inode was already written under a
// different name, it is rewritten as a TypeLink entry pointing at that
// name instead.
func (w *Writer) WriteHeader(hdr *tar.Header, info os.FileInfo) error {
	if info != nil && hdr.Typeflag == tar.TypeReg {
		if target, ok := w.links.Resolve(info, hdr.Name); ok {
			link := *hdr
			link.Typeflag = tar.TypeLink
			link.Linkname = target
			link.Size = 0
			return w.tw.WriteHeader(&link)
		}
	}
	return w.tw.WriteHeader(hdr)
}

// Write writes to the body of the most recently written header.
func (w *Writer) Write(p []byte) (int, error) {
	return w.tw.Write(p)
}

// AppendBuffer appends a complete entry built from an in-memory buffer,
// the operation spec.md §4.3 calls out as first-class for staging
// synthesized props.plist/files.plist members.
func (w *Writer) AppendBuffer(name string, mode int64, data []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     mode,
		Size:     int64(len(data)),
		Typeflag: tar.TypeReg,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("archive: write header %s: %w", name, err)
	}
	if _, err := w.tw.Write(data); err != nil {
		return fmt.Errorf("archive: write body %s: %w", name, err)
	}
	return nil
}

// AppendDocument marshals v and appends it as name, the counterpart to
// Reader.ReadDocument.
func (w *Writer) AppendDocument(name string, mode int64, v *plist.Value) error {
	data, err := plist.Marshal(v)
	if err != nil {
		return fmt.Errorf("archive: marshal %s: %w", name, err)
	}
	return w.AppendBuffer(name, mode, data)
}

// Close flushes the tar writer and the underlying compressor, if any.
func (w *Writer) Close() error {
	if err := w.tw.Close(); err != nil {
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

// LinkResolver tracks which (device, inode) pairs have already been
// written to an archive, so later entries sharing an inode can be written
// as hardlinks instead of duplicating file content.
type LinkResolver struct {
	seen map[[2]uint64]string
}

// NewLinkResolver returns an empty resolver.
func NewLinkResolver() *LinkResolver {
	return &LinkResolver{seen: make(map[[2]uint64]string)}
}

// Resolve records name against info's (device, inode) pair. If that pair
// was already recorded under a different name, Resolve returns that name
// and true, meaning the caller should emit a hardlink entry instead of a
// regular file.
func (r *LinkResolver) Resolve(info os.FileInfo, name string) (string, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || st.Nlink < 2 {
		return "", false
	}
	key := [2]uint64{uint64(st.Dev), st.Ino}
	if existing, found := r.seen[key]; found {
		return existing, true
	}
	r.seen[key] = name
	return "", false
}
