package filestore

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/ThiagoRGoveia/rla-audit/pkg/checksum"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifestCSV = "County,Tabulator,Batch,Number of Ballots,Storage Location\nAdams,1,A,10,Bin 1\n"

func readAll(t *testing.T, s *Store, digest string) string {
	t.Helper()
	rc, err := s.Open(digest)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestStore_PutAndOpen(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run("should round trip content with "+compression.String(), func(t *testing.T) {
			s, err := New(t.TempDir(), compression, nil)
			require.NoError(t, err)

			obj, err := s.Put(strings.NewReader(manifestCSV))

			require.NoError(t, err)
			assert.Len(t, obj.Digest, 64)
			assert.Equal(t, int64(len(manifestCSV)), obj.Size)
			assert.False(t, obj.Gzipped)
			assert.Equal(t, manifestCSV, readAll(t, s, obj.Digest))

			sum, err := checksum.GetReaderChecksum(strings.NewReader(manifestCSV))
			require.NoError(t, err)
			assert.Equal(t, sum, obj.SHA256)
		})
	}

	t.Run("should address equal content by the same digest", func(t *testing.T) {
		s, err := New(t.TempDir(), CompressionZstd, nil)
		require.NoError(t, err)

		first, err := s.Put(strings.NewReader(manifestCSV))
		require.NoError(t, err)
		second, err := s.Put(strings.NewReader(manifestCSV))
		require.NoError(t, err)

		assert.Equal(t, first.Digest, second.Digest)
		entries, err := os.ReadDir(s.dir)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "temporary files should not be left behind")
	})

	t.Run("should decode gzip uploads but hash the raw bytes", func(t *testing.T) {
		s, err := New(t.TempDir(), CompressionLZ4, nil)
		require.NoError(t, err)

		var gz bytes.Buffer
		w := gzip.NewWriter(&gz)
		_, err = w.Write([]byte(manifestCSV))
		require.NoError(t, err)
		require.NoError(t, w.Close())
		raw := gz.Bytes()

		obj, err := s.Put(bytes.NewReader(raw))

		require.NoError(t, err)
		assert.True(t, obj.Gzipped)
		assert.Equal(t, manifestCSV, readAll(t, s, obj.Digest))
		sum, err := checksum.GetReaderChecksum(bytes.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, sum, obj.SHA256)
	})
}

func TestStore_OpenAndDelete(t *testing.T) {
	t.Run("should reject malformed digests", func(t *testing.T) {
		s, err := New(t.TempDir(), CompressionNone, nil)
		require.NoError(t, err)

		_, err = s.Open("../../etc/passwd")

		assert.Error(t, err)
	})

	t.Run("should report missing objects", func(t *testing.T) {
		s, err := New(t.TempDir(), CompressionNone, nil)
		require.NoError(t, err)

		_, err = s.Open(strings.Repeat("ab", 32))

		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should delete stored objects and ignore missing ones", func(t *testing.T) {
		s, err := New(t.TempDir(), CompressionZstd, nil)
		require.NoError(t, err)
		obj, err := s.Put(strings.NewReader(manifestCSV))
		require.NoError(t, err)

		require.NoError(t, s.Delete(obj.Digest))
		require.NoError(t, s.Delete(obj.Digest))

		_, err = s.Open(obj.Digest)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("lz4")
	require.NoError(t, err)
	assert.Equal(t, CompressionLZ4, c)

	_, err = ParseCompression("brotli")
	assert.Error(t, err)
}
