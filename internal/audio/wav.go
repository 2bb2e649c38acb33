package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVHeaderSize is the size of a canonical PCM WAV header
const WAVHeaderSize = 44

// WAVHeader represents a WAV file header
type WAVHeader struct {
	// RIFF chunk descriptor
	ChunkID   [4]byte // "RIFF"
	ChunkSize uint32  // 36 + data size
	Format    [4]byte // "WAVE"

	// "fmt " sub-chunk
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample/8
	BlockAlign    uint16 // NumChannels * BitsPerSample/8
	BitsPerSample uint16

	// "data" sub-chunk
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// newWAVHeader builds the header for a 16-bit PCM payload of dataSize bytes
func newWAVHeader(sampleRate, channels int, dataSize uint32) WAVHeader {
	bitsPerSample := uint16(16)

	return WAVHeader{
		ChunkID:   [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize: 36 + dataSize,
		Format:    [4]byte{'W', 'A', 'V', 'E'},

		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * int(bitsPerSample/8)),
		BlockAlign:    uint16(channels * int(bitsPerSample/8)),
		BitsPerSample: bitsPerSample,

		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// Bytes serializes the header in little-endian order
func (h WAVHeader) Bytes() []byte {
	b := make([]byte, WAVHeaderSize)

	copy(b[0:4], h.ChunkID[:])
	binary.LittleEndian.PutUint32(b[4:8], h.ChunkSize)
	copy(b[8:12], h.Format[:])

	copy(b[12:16], h.Subchunk1ID[:])
	binary.LittleEndian.PutUint32(b[16:20], h.Subchunk1Size)
	binary.LittleEndian.PutUint16(b[20:22], h.AudioFormat)
	binary.LittleEndian.PutUint16(b[22:24], h.NumChannels)
	binary.LittleEndian.PutUint32(b[24:28], h.SampleRate)
	binary.LittleEndian.PutUint32(b[28:32], h.ByteRate)
	binary.LittleEndian.PutUint16(b[32:34], h.BlockAlign)
	binary.LittleEndian.PutUint16(b[34:36], h.BitsPerSample)

	copy(b[36:40], h.Subchunk2ID[:])
	binary.LittleEndian.PutUint32(b[40:44], h.Subchunk2Size)

	return b
}

// ParseWAVHeader decodes the first 44 bytes of a payload
func ParseWAVHeader(payload []byte) (WAVHeader, error) {
	var h WAVHeader
	if len(payload) < WAVHeaderSize {
		return h, errors.New("payload shorter than WAV header")
	}

	copy(h.ChunkID[:], payload[0:4])
	h.ChunkSize = binary.LittleEndian.Uint32(payload[4:8])
	copy(h.Format[:], payload[8:12])
	copy(h.Subchunk1ID[:], payload[12:16])
	h.Subchunk1Size = binary.LittleEndian.Uint32(payload[16:20])
	h.AudioFormat = binary.LittleEndian.Uint16(payload[20:22])
	h.NumChannels = binary.LittleEndian.Uint16(payload[22:24])
	h.SampleRate = binary.LittleEndian.Uint32(payload[24:28])
	h.ByteRate = binary.LittleEndian.Uint32(payload[28:32])
	h.BlockAlign = binary.LittleEndian.Uint16(payload[32:34])
	h.BitsPerSample = binary.LittleEndian.Uint16(payload[34:36])
	copy(h.Subchunk2ID[:], payload[36:40])
	h.Subchunk2Size = binary.LittleEndian.Uint32(payload[40:44])

	if string(h.ChunkID[:]) != "RIFF" || string(h.Format[:]) != "WAVE" {
		return h, fmt.Errorf("not a WAV payload: %q/%q", h.ChunkID[:], h.Format[:])
	}
	return h, nil
}
