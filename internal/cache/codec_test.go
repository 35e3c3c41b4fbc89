package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecSmallPayloadStaysUncompressed(t *testing.T) {
	codec, err := NewCodec(64)
	require.NoError(t, err)

	data, compressed, err := codec.Encode(map[string]string{"name": "Ann"})
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.JSONEq(t, `{"name":"Ann"}`, string(data))
}

func TestCodecLargePayloadRoundTrip(t *testing.T) {
	codec, err := NewCodec(64)
	require.NoError(t, err)

	original := strings.Repeat("compressible payload ", 100)
	data, compressed, err := codec.Encode(original)
	require.NoError(t, err)
	assert.True(t, compressed)
	assert.Less(t, len(data), len(original))

	item := &Item{Data: data, Metadata: Metadata{Compressed: compressed}}

	var decoded string
	require.NoError(t, codec.Decode(item, &decoded))
	assert.Equal(t, original, decoded)
}

func TestCodecEncodeUnserializable(t *testing.T) {
	codec, err := NewCodec(64)
	require.NoError(t, err)

	_, _, err = codec.Encode(make(chan int))
	assert.Error(t, err)
}

func TestCodecDecodeCorruptCompressedPayload(t *testing.T) {
	codec, err := NewCodec(64)
	require.NoError(t, err)

	item := &Item{Data: []byte("not zstd"), Metadata: Metadata{Compressed: true}}

	var dest string
	assert.Error(t, codec.Decode(item, &dest))
}
