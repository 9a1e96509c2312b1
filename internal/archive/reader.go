package archive

import (
	"archive/tar"
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/void-linux/xbps-sub002/internal/plist"
)

// Reader streams entries out of a compressed tar archive, auto-detecting
// the compression format from the stream's leading bytes.
type Reader struct {
	tr     *tar.Reader
	format Format
	closer io.Closer // non-nil decompressor needing an explicit Close
	cur    *tar.Header
}

// NewReader wraps r, detecting and unwrapping gzip/bzip2/zstd compression.
// xz and lz4 streams are recognized but rejected with
// ErrUnsupportedCompression, per this port's corpus-grounded compression
// support (see DESIGN.md).
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	format, err := detectFormat(br)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("archive: detect format: %w", err)
	}

	var src io.Reader = br
	var closer io.Closer
	switch format {
	case FormatGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("archive: gzip: %w", err)
		}
		src, closer = gz, gz
	case FormatBzip2:
		src = bzip2.NewReader(br)
	case FormatZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("archive: zstd: %w", err)
		}
		src = zr
		closer = zstdCloser{zr}
	case FormatXZ, FormatLZ4:
		return nil, unsupportedFormatError(format)
	case FormatNone:
		// plain tar
	}

	return &Reader{tr: tar.NewReader(src), format: format, closer: closer}, nil
}

// zstdCloser adapts zstd.Decoder.Close (no error return) to io.Closer.
type zstdCloser struct{ d *zstd.Decoder }

func (z zstdCloser) Close() error { z.d.Close(); return nil }

// Format reports the compression format detected for this stream.
func (r *Reader) Format() Format { return r.format }

// Next advances to the next entry and returns its header. It returns
// io.EOF when the archive is exhausted.
func (r *Reader) Next() (*tar.Header, error) {
	hdr, err := r.tr.Next()
	if err != nil {
		return nil, err
	}
	r.cur = hdr
	return hdr, nil
}

// Read reads from the body of the current entry.
func (r *Reader) Read(p []byte) (int, error) {
	return r.tr.Read(p)
}

// ReadBytes reads the entire body of the current entry into memory.
func (r *Reader) ReadBytes() ([]byte, error) {
	return io.ReadAll(r.tr)
}

// ReadDocument parses the current entry's body as a structured document
// (used for props.plist and files.plist members).
func (r *Reader) ReadDocument() (*plist.Value, error) {
	data, err := r.ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", r.cur.Name, err)
	}
	v, err := plist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("archive: parse %s: %w", r.cur.Name, err)
	}
	return v, nil
}

// IsHardlink reports whether hdr is a tar hardlink entry that must be
// resolved against a previously extracted entry's path rather than its own
// body.
func IsHardlink(hdr *tar.Header) bool {
	return hdr.Typeflag == tar.TypeLink
}

// Close releases the underlying decompressor, if any.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
