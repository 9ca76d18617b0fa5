package compression

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allAlgorithms = []Algorithm{None, Gzip, Snappy, LZ4, Zstd, S2}

func TestCodecBufferRoundTrip(t *testing.T) {
	data := []byte(strings.Repeat(`{"severity":"INFO","body":"request served"}`+"\n", 200))

	for _, algo := range allAlgorithms {
		t.Run(string(algo), func(t *testing.T) {
			codec, err := Get(algo)
			require.NoError(t, err)
			assert.Equal(t, algo, codec.Algorithm())

			compressed, err := codec.Compress(data)
			require.NoError(t, err)
			if algo != None {
				assert.Less(t, len(compressed), len(data))
			}

			out, err := codec.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}
}

func TestCodecStreams(t *testing.T) {
	data := []byte(strings.Repeat("span-", 1000))

	for _, algo := range allAlgorithms {
		t.Run(string(algo), func(t *testing.T) {
			codec, err := Get(algo)
			require.NoError(t, err)

			var buf bytes.Buffer
			w, err := codec.NewWriter(&buf)
			require.NoError(t, err)
			_, err = w.Write(data[:2000])
			require.NoError(t, err)
			_, err = w.Write(data[2000:])
			require.NoError(t, err)
			require.NoError(t, w.Close())

			r, err := codec.NewReader(&buf)
			require.NoError(t, err)
			out, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			assert.Equal(t, data, out)
		})
	}
}

func TestGetUnknownAlgorithm(t *testing.T) {
	_, err := Get("brotli")
	require.Error(t, err)

	codec, err := Get("")
	require.NoError(t, err)
	assert.Equal(t, None, codec.Algorithm())
	assert.Equal(t, ".zst", Extension(Zstd))
	assert.Equal(t, "", Extension(None))
}
