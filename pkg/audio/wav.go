package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// wavHeaderSize is the size of the canonical 44-byte PCM WAV header.
const wavHeaderSize = 44

// ErrNotWAV is returned by ReadWAVHeader when the data is not a RIFF/WAVE
// stream.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container, suitable for a multipart upload.
func EncodeWAV(pcm []byte, f Format) []byte {
	byteRate := f.BytesPerSecond()
	blockAlign := f.BlockAlign()
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                   // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                    // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))     // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))   // block align
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// WAVInfo locates the PCM payload inside a WAV file.
type WAVInfo struct {
	Format     Format
	DataOffset int64
	DataSize   int64
}

// ReadWAVHeader walks the RIFF sub-chunks of r until it finds "data" and
// returns where the PCM payload lives. Only 16-bit PCM is accepted. size is
// the total length of r and bounds a data chunk that claims to be longer
// (streams written without a final size fix-up).
func ReadWAVHeader(r io.ReaderAt, size int64) (WAVInfo, error) {
	var hdr [12]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return WAVInfo{}, fmt.Errorf("audio: read RIFF header: %w", err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return WAVInfo{}, ErrNotWAV
	}

	var (
		info   WAVInfo
		gotFmt bool
		off    int64 = 12
	)
	for off+8 <= size {
		var ch [8]byte
		if _, err := r.ReadAt(ch[:], off); err != nil {
			return WAVInfo{}, fmt.Errorf("audio: read chunk header at %d: %w", off, err)
		}
		id := string(ch[0:4])
		n := int64(binary.LittleEndian.Uint32(ch[4:8]))
		body := off + 8

		switch id {
		case "fmt ":
			if n < 16 {
				return WAVInfo{}, fmt.Errorf("audio: fmt chunk too short (%d bytes)", n)
			}
			var fb [16]byte
			if _, err := r.ReadAt(fb[:], body); err != nil {
				return WAVInfo{}, fmt.Errorf("audio: read fmt chunk: %w", err)
			}
			if tag := binary.LittleEndian.Uint16(fb[0:2]); tag != 1 {
				return WAVInfo{}, fmt.Errorf("audio: unsupported WAV encoding %d, want PCM", tag)
			}
			if bits := binary.LittleEndian.Uint16(fb[14:16]); bits != bitsPerSample {
				return WAVInfo{}, fmt.Errorf("audio: unsupported bit depth %d, want %d", bits, bitsPerSample)
			}
			info.Format = Format{
				Channels:   int(binary.LittleEndian.Uint16(fb[2:4])),
				SampleRate: int(binary.LittleEndian.Uint32(fb[4:8])),
			}
			gotFmt = true
		case "data":
			if !gotFmt {
				return WAVInfo{}, errors.New("audio: data chunk before fmt chunk")
			}
			info.DataOffset = body
			info.DataSize = min(n, size-body)
			return info, nil
		}
		// Sub-chunks are padded to an even length.
		off = body + n + n%2
	}
	return WAVInfo{}, errors.New("audio: no data chunk found")
}
