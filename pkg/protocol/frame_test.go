package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{
			name: "valid frame - empty payload",
			frame: Frame{
				Version: ProtocolVersion,
				Type:    TypeLogout,
				Flags:   0,
				Payload: []byte{},
			},
			wantErr: false,
		},
		{
			name: "valid frame - with payload",
			frame: Frame{
				Version: ProtocolVersion,
				Type:    TypeCommand,
				Flags:   0,
				Payload: []byte("echo hello"),
			},
			wantErr: false,
		},
		{
			name: "max payload size",
			frame: Frame{
				Version: ProtocolVersion,
				Type:    TypeCommand,
				Flags:   0,
				Payload: make([]byte, MaxFrameSize-3), // Subtract version, type, flags
			},
			wantErr: false,
		},
		{
			name: "oversized payload (should fail)",
			frame: Frame{
				Version: ProtocolVersion,
				Type:    TypeCommand,
				Flags:   FlagCompressed, // Mark as already compressed to skip compression attempt
				Payload: make([]byte, MaxFrameSize), // Too large (exceeds with header)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			err := EncodeFrame(buf, &tt.frame)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, ErrFrameTooLarge, err)
				return
			}
			require.NoError(t, err)

			decoded, err := DecodeFrame(buf)
			require.NoError(t, err)

			assert.Equal(t, tt.frame.Version, decoded.Version)
			assert.Equal(t, tt.frame.Type, decoded.Type)
			assert.Equal(t, tt.frame.Flags, decoded.Flags)
			assert.Equal(t, tt.frame.Payload, decoded.Payload)
		})
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	t.Run("empty buffer", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader([]byte{}))
		assert.Error(t, err)
	})

	t.Run("oversized frame", func(t *testing.T) {
		// Length field indicates frame larger than MaxFrameSize
		buf := new(bytes.Buffer)
		WriteUint32(buf, MaxFrameSize+1)

		_, err := DecodeFrame(buf)
		assert.Error(t, err)
		assert.Equal(t, ErrFrameTooLarge, err)
	})

	t.Run("invalid frame length (too small)", func(t *testing.T) {
		// Length must be at least 3 (version + type + flags)
		buf := new(bytes.Buffer)
		WriteUint32(buf, 2)

		_, err := DecodeFrame(buf)
		assert.Error(t, err)
		assert.Equal(t, ErrInvalidFrameLength, err)
	})

	t.Run("incomplete frame - missing header bytes", func(t *testing.T) {
		buf := new(bytes.Buffer)
		WriteUint32(buf, 3) // Valid length
		// But no data follows

		_, err := DecodeFrame(buf)
		assert.Error(t, err)
	})

	t.Run("incomplete frame - truncated payload", func(t *testing.T) {
		buf := new(bytes.Buffer)
		WriteUint32(buf, 10) // Length indicates 7 bytes of payload
		WriteUint8(buf, ProtocolVersion)
		WriteUint8(buf, TypeCommand)
		WriteUint8(buf, 0)
		buf.Write([]byte{0x01, 0x02}) // Only 2 bytes instead of 7

		_, err := DecodeFrame(buf)
		assert.Error(t, err)
	})
}

func TestFrameStructure(t *testing.T) {
	frame := &Frame{
		Version: ProtocolVersion,
		Type:    TypeNotify,
		Flags:   0,
		Payload: []byte("Hello, operator!"),
	}

	buf := new(bytes.Buffer)
	err := EncodeFrame(buf, frame)
	require.NoError(t, err)

	data := buf.Bytes()

	// First 4 bytes: length (big-endian)
	length := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	expectedLength := uint32(1 + 1 + 1 + len(frame.Payload)) // version + type + flags + payload
	assert.Equal(t, expectedLength, length)

	assert.Equal(t, frame.Version, data[4])
	assert.Equal(t, frame.Type, data[5])
	assert.Equal(t, frame.Flags, data[6])
	assert.Equal(t, frame.Payload, data[7:])
}

func TestEncodeDecodeBytes(t *testing.T) {
	payload := []byte("test payload")
	data, err := EncodeBytes(ProtocolVersion, TypeNotify, 0, payload)
	require.NoError(t, err)

	frame, err := DecodeBytes(data)
	require.NoError(t, err)

	assert.Equal(t, uint8(ProtocolVersion), frame.Version)
	assert.Equal(t, uint8(TypeNotify), frame.Type)
	assert.Equal(t, uint8(0), frame.Flags)
	assert.Equal(t, payload, frame.Payload)
}

func TestZeroLengthPayload(t *testing.T) {
	frame := &Frame{
		Version: ProtocolVersion,
		Type:    TypeLogout,
		Flags:   0,
		Payload: nil,
	}

	buf := new(bytes.Buffer)
	err := EncodeFrame(buf, frame)
	require.NoError(t, err)

	decoded, err := DecodeFrame(buf)
	require.NoError(t, err)

	assert.Equal(t, frame.Version, decoded.Version)
	assert.Equal(t, frame.Type, decoded.Type)
	assert.Equal(t, 0, len(decoded.Payload))
}

// Compression tests

func TestCompressPayload(t *testing.T) {
	tests := []struct {
		name           string
		input          []byte
		expectCompress bool
	}{
		{
			name:           "empty data",
			input:          []byte{},
			expectCompress: false,
		},
		{
			name:           "small data - no compression benefit",
			input:          []byte("hello"),
			expectCompress: false,
		},
		{
			name:           "highly compressible data",
			input:          bytes.Repeat([]byte("a"), 1000),
			expectCompress: true,
		},
		{
			name:           "repeated pattern",
			input:          bytes.Repeat([]byte("hello world "), 100),
			expectCompress: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compressed, wasCompressed := CompressPayload(tt.input)

			if tt.expectCompress {
				assert.True(t, wasCompressed, "expected compression to succeed")
				assert.Less(t, len(compressed), len(tt.input), "compressed should be smaller")
			}

			if wasCompressed {
				decompressed, err := DecompressPayload(compressed)
				require.NoError(t, err)
				assert.Equal(t, tt.input, decompressed)
			}
		})
	}
}

func TestDecompressPayloadErrors(t *testing.T) {
	t.Run("too short data", func(t *testing.T) {
		_, err := DecompressPayload([]byte{0x01, 0x02, 0x03})
		assert.Equal(t, ErrInvalidCompressedLen, err)
	})

	t.Run("empty data", func(t *testing.T) {
		_, err := DecompressPayload([]byte{})
		assert.Equal(t, ErrInvalidCompressedLen, err)
	})

	t.Run("invalid compressed data", func(t *testing.T) {
		// Valid length header but garbage compressed data
		data := []byte{0x00, 0x00, 0x00, 0x64, 0xFF, 0xFF, 0xFF}
		_, err := DecompressPayload(data)
		assert.Equal(t, ErrDecompressionFailed, err)
	})

	t.Run("size exceeds max frame size", func(t *testing.T) {
		data := make([]byte, 8)
		data[0] = 0xFF
		data[1] = 0xFF
		data[2] = 0xFF
		data[3] = 0xFF // claims 4GB uncompressed
		_, err := DecompressPayload(data)
		assert.Equal(t, ErrFrameTooLarge, err)
	})
}

func TestEncodeFrameAutoCompression(t *testing.T) {
	t.Run("small payload - no compression", func(t *testing.T) {
		frame := &Frame{
			Version: ProtocolVersion,
			Type:    TypeNotify,
			Flags:   0,
			Payload: []byte("small"),
		}

		var buf bytes.Buffer
		err := EncodeFrame(&buf, frame)
		require.NoError(t, err)

		decoded, err := DecodeFrame(&buf)
		require.NoError(t, err)

		assert.Equal(t, frame.Payload, decoded.Payload)
		assert.Equal(t, uint8(0), decoded.Flags&FlagCompressed)
	})

	t.Run("large compressible payload - compression applied", func(t *testing.T) {
		originalPayload := bytes.Repeat([]byte("compressible data "), 100)

		frame := &Frame{
			Version: ProtocolVersion,
			Type:    TypeNotify,
			Flags:   0,
			Payload: originalPayload,
		}

		var buf bytes.Buffer
		err := EncodeFrame(&buf, frame)
		require.NoError(t, err)

		// Compression flag should be on the wire
		assert.Equal(t, uint8(FlagCompressed), buf.Bytes()[6]&FlagCompressed)

		// DecodeFrame auto-decompresses and clears the flag
		decoded, err := DecodeFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, originalPayload, decoded.Payload)
		assert.Equal(t, uint8(0), decoded.Flags&FlagCompressed)
	})

	t.Run("already compressed flag set - no double compression", func(t *testing.T) {
		original := bytes.Repeat([]byte("test "), 200)
		compressed, ok := CompressPayload(original)
		require.True(t, ok)

		frame := &Frame{
			Version: ProtocolVersion,
			Type:    TypeNotify,
			Flags:   FlagCompressed,
			Payload: compressed,
		}

		var buf bytes.Buffer
		err := EncodeFrame(&buf, frame)
		require.NoError(t, err)

		decoded, err := DecodeFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, original, decoded.Payload)
	})
}

func TestCompressionThreshold(t *testing.T) {
	t.Run("just below threshold - no compression", func(t *testing.T) {
		frame := &Frame{
			Version: ProtocolVersion,
			Type:    TypeNotify,
			Flags:   0,
			Payload: bytes.Repeat([]byte("a"), CompressionThreshold-1),
		}

		var buf bytes.Buffer
		err := EncodeFrame(&buf, frame)
		require.NoError(t, err)

		// Flags byte is at offset 6 (4 length + 1 version + 1 type)
		assert.Equal(t, uint8(0), buf.Bytes()[6]&FlagCompressed, "should not be compressed")
	})

	t.Run("at threshold - compression applied", func(t *testing.T) {
		frame := &Frame{
			Version: ProtocolVersion,
			Type:    TypeNotify,
			Flags:   0,
			Payload: bytes.Repeat([]byte("a"), CompressionThreshold),
		}

		var buf bytes.Buffer
		err := EncodeFrame(&buf, frame)
		require.NoError(t, err)

		assert.Equal(t, uint8(FlagCompressed), buf.Bytes()[6]&FlagCompressed, "should be compressed")
	})
}

func TestVersionAwareCompression(t *testing.T) {
	compressible := bytes.Repeat([]byte("compressible data "), 100)

	t.Run("v1 peer - no compression", func(t *testing.T) {
		frame := &Frame{Version: ProtocolVersion, Type: TypeNotify, Payload: compressible}

		var buf bytes.Buffer
		err := EncodeFrame(&buf, frame, 1)
		require.NoError(t, err)

		assert.Equal(t, uint8(0), buf.Bytes()[6]&FlagCompressed, "v1 peer should not receive compressed frames")

		decoded, err := DecodeFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, compressible, decoded.Payload)
	})

	t.Run("v2 peer - compression applied", func(t *testing.T) {
		frame := &Frame{Version: ProtocolVersion, Type: TypeNotify, Payload: compressible}

		var buf bytes.Buffer
		err := EncodeFrame(&buf, frame, 2)
		require.NoError(t, err)

		assert.Equal(t, uint8(FlagCompressed), buf.Bytes()[6]&FlagCompressed)
	})

	t.Run("future version peer - no compression", func(t *testing.T) {
		frame := &Frame{Version: ProtocolVersion, Type: TypeNotify, Payload: compressible}

		var buf bytes.Buffer
		err := EncodeFrame(&buf, frame, ProtocolVersion+1)
		require.NoError(t, err)

		assert.Equal(t, uint8(0), buf.Bytes()[6]&FlagCompressed, "unknown future version should not receive compressed frames")
	})
}
