package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrWAVIncomplete reports that the byte prefix handed to [ParseWAVHeader] is
// too short to locate the data chunk yet. Progressive readers accumulate more
// bytes and retry.
var ErrWAVIncomplete = errors.New("audio: incomplete WAV header")

// WAVInfo holds the format metadata extracted from a RIFF/WAVE header.
type WAVInfo struct {
	DataOffset int // byte offset of the first PCM sample
	SampleRate int // samples per second (e.g., 22050, 24000, 48000)
	Channels   int // 1 = mono, 2 = stereo
}

// ParseWAVHeader scans the RIFF/WAVE container prefix in b and returns the
// data offset and audio format from the "fmt " sub-chunk. Walking the chunks
// is more robust than hardcoding a fixed 44-byte offset because the fmt chunk
// size may vary and engines insert LIST/fact chunks.
//
// Returns [ErrWAVIncomplete] when b ends before the data chunk was found, and
// a terminal error when b is not a RIFF/WAVE container at all. It is safe to
// call repeatedly on a growing prefix of a streamed response body.
func ParseWAVHeader(b []byte) (WAVInfo, error) {
	if len(b) < 12 {
		return WAVInfo{}, ErrWAVIncomplete
	}
	if string(b[0:4]) != "RIFF" {
		return WAVInfo{}, errors.New("audio: missing RIFF header")
	}
	if string(b[8:12]) != "WAVE" {
		return WAVInfo{}, errors.New("audio: missing WAVE identifier")
	}

	var info WAVInfo
	foundFmt := false

	// Walk RIFF chunks starting immediately after the 12-byte RIFF/WAVE header.
	offset := 12
	for {
		if offset+8 > len(b) {
			return WAVInfo{}, ErrWAVIncomplete
		}
		chunkID := string(b[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(b[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return WAVInfo{}, fmt.Errorf("audio: fmt chunk too small (%d bytes)", chunkSize)
			}
			if offset+8+16 > len(b) {
				return WAVInfo{}, ErrWAVIncomplete
			}
			fmtData := b[offset+8:]
			info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
			foundFmt = true
		case "data":
			info.DataOffset = offset + 8
			if !foundFmt {
				// fmt should appear before data; assume a common engine default.
				info.SampleRate = 22050
				info.Channels = 1
			}
			return info, nil
		}

		// Advance past this chunk (chunks are word-aligned: pad by 1 if odd size).
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
}

// StreamingWAVHeader builds a RIFF/WAVE header for 16-bit PCM whose RIFF and
// data sizes are set to the 0xFFFFFFFF "unknown length" convention. Browser
// audio stacks accept such headers for progressive playback, which lets the
// gateway prepend one header per synthesized unit and stream PCM behind it.
func StreamingWAVHeader(sampleRate, channels int) []byte {
	const bitsPerSample = 16
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	h := make([]byte, 44)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], 0xFFFFFFFF)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(h[20:22], 1)  // audio format: PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], bitsPerSample)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], 0xFFFFFFFF)
	return h
}
