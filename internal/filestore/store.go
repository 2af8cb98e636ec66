// Package filestore keeps uploaded county files on disk, addressed by the BLAKE3 digest of their
// content and compressed at rest.
package filestore

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ThiagoRGoveia/rla-audit/pkg/checksum"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Compression is the one-byte tag written at the start of every stored object.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

var ErrNotFound = errors.New("stored file not found")

// Object describes a stored upload.
type Object struct {
	// Digest is the BLAKE3 digest of the content and the object's key.
	Digest string
	// SHA256 is computed over the bytes exactly as they were uploaded, before gzip decoding.
	SHA256 string
	// Size is the length of the content after gzip decoding.
	Size    int64
	Gzipped bool
}

type Store struct {
	dir         string
	compression Compression
	logger      *slog.Logger
}

func New(dir string, compression Compression, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating file store directory %s: %w", dir, err)
	}
	return &Store{dir: dir, compression: compression, logger: logger}, nil
}

// Put stores the content read from r. Gzip uploads are decoded before storage so that imports
// always see plain text.
func (s *Store) Put(r io.Reader) (Object, error) {
	raw := checksum.NewUploadHasher()
	buffered := bufio.NewReader(io.TeeReader(r, raw))

	var obj Object
	content := io.Reader(buffered)
	if magic, _ := buffered.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(buffered)
		if err != nil {
			return obj, fmt.Errorf("opening gzip upload: %w", err)
		}
		defer gz.Close()
		content = gz
		obj.Gzipped = true
	}

	tmp, err := os.CreateTemp(s.dir, "upload-*")
	if err != nil {
		return obj, fmt.Errorf("creating temporary file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write([]byte{byte(s.compression)}); err != nil {
		tmp.Close()
		return obj, fmt.Errorf("writing object header: %w", err)
	}
	writer, err := s.compressor(tmp)
	if err != nil {
		tmp.Close()
		return obj, err
	}

	digest := blake3.New()
	obj.Size, err = io.Copy(io.MultiWriter(writer, digest), content)
	if err != nil {
		writer.Close()
		tmp.Close()
		return obj, fmt.Errorf("storing upload: %w", err)
	}
	if _, err := io.Copy(io.Discard, buffered); err != nil {
		writer.Close()
		tmp.Close()
		return obj, fmt.Errorf("draining upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		tmp.Close()
		return obj, fmt.Errorf("flushing %s stream: %w", s.compression, err)
	}
	if err := tmp.Close(); err != nil {
		return obj, fmt.Errorf("closing temporary file: %w", err)
	}

	obj.Digest = hex.EncodeToString(digest.Sum(nil))
	obj.SHA256 = checksum.Hex(raw)
	if err := os.Rename(tmp.Name(), s.path(obj.Digest)); err != nil {
		return obj, fmt.Errorf("committing stored file: %w", err)
	}
	committed = true

	s.logger.Info("stored upload", "digest", obj.Digest, "size", obj.Size, "gzip", obj.Gzipped, "compression", s.compression.String())
	return obj, nil
}

// Open returns the decompressed content stored under digest.
func (s *Store) Open(digest string) (io.ReadCloser, error) {
	if !validDigest(digest) {
		return nil, fmt.Errorf("invalid digest %q", digest)
	}
	f, err := os.Open(s.path(digest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", digest, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("opening stored file %s: %w", digest, err)
	}

	var tag [1]byte
	if _, err := io.ReadFull(f, tag[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading object header of %s: %w", digest, err)
	}

	switch Compression(tag[0]) {
	case CompressionNone:
		return f, nil
	case CompressionLZ4:
		return readCloser{Reader: lz4.NewReader(f), closers: []io.Closer{f}}, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("opening zstd stream of %s: %w", digest, err)
		}
		rc := dec.IOReadCloser()
		return readCloser{Reader: rc, closers: []io.Closer{rc, f}}, nil
	default:
		f.Close()
		return nil, fmt.Errorf("stored file %s has unsupported compression tag %d", digest, tag[0])
	}
}

func (s *Store) Delete(digest string) error {
	if !validDigest(digest) {
		return fmt.Errorf("invalid digest %q", digest)
	}
	err := os.Remove(s.path(digest))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting stored file %s: %w", digest, err)
	}
	return nil
}

func (s *Store) path(digest string) string {
	return filepath.Join(s.dir, digest)
}

func (s *Store) compressor(w io.Writer) (io.WriteCloser, error) {
	switch s.compression {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return enc, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", s.compression)
	}
}

func validDigest(digest string) bool {
	if len(digest) != 64 {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r readCloser) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
