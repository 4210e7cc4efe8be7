package varint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 63, 64, 16383, 16384, 1073741823, 1073741824, Max}
	for _, v := range values {
		enc := Encode(nil, v)
		require.Equal(t, Len(v), len(enc))
		dec, n, err := Decode(enc)
		require.NoError(t, err)
		require.Equal(t, len(enc), n)
		require.Equal(t, v, dec)
	}
}

func TestDecodeIncomplete(t *testing.T) {
	enc := Encode(nil, 100000)
	require.Len(t, enc, 4)
	_, n, err := Decode(enc[:2])
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestDecodeEmpty(t *testing.T) {
	v, n, err := Decode(nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, uint64(0), v)
}

func TestDecodeNonMinimal(t *testing.T) {
	// 2-byte encoding of a value that fits in 1 byte: top bits = 0b01,
	// value = 10 (fits in 6 bits).
	buf := []byte{0x40, 0x0A}
	_, _, err := Decode(buf)
	require.ErrorIs(t, err, ErrMinimality)
}

func TestEncodeDecodeAllClasses(t *testing.T) {
	for _, v := range []uint64{0, 37, 15000, 500000, 5000000000} {
		enc := Encode(nil, v)
		dec, n, err := Decode(enc)
		require.NoError(t, err)
		require.Equal(t, len(enc), n)
		require.Equal(t, v, dec)
	}
}
