package bundle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsBundle(t *testing.T) {
	header := EncodeHeader(10, 20)
	assert.True(t, IsBundle(header))

	assert.False(t, IsBundle([]byte("FOOB0123456789AB")))
	assert.False(t, IsBundle([]byte("LMW")))
	assert.False(t, IsBundle(nil))

	// magic must match exactly
	header[3] = 'X'
	assert.False(t, IsBundle(header))
}

func TestParseHeader(t *testing.T) {
	header := EncodeHeader(0x01020304, 0xA0B0C0D0)
	appSize, fsSize := ParseHeader(header)
	assert.Equal(t, uint32(0x01020304), appSize)
	assert.Equal(t, uint32(0xA0B0C0D0), fsSize)

	// little-endian layout
	assert.Equal(t, byte(0x04), header[4])
	assert.Equal(t, byte(0x01), header[7])
	assert.Equal(t, byte(0xD0), header[8])

	// reserved bytes are ignored
	header[12] = 0xFF
	header[15] = 0xFF
	appSize, fsSize = ParseHeader(header)
	assert.Equal(t, uint32(0x01020304), appSize)
	assert.Equal(t, uint32(0xA0B0C0D0), fsSize)
}

func TestParseHeaderPure(t *testing.T) {
	header := EncodeHeader(42, 7)

	// repeated classification and parsing yields identical results
	for i := 0; i < 3; i++ {
		assert.True(t, IsBundle(header))
		appSize, fsSize := ParseHeader(header)
		assert.Equal(t, uint32(42), appSize)
		assert.Equal(t, uint32(7), fsSize)
	}
}
