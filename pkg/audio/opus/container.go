package opus

import (
	"bytes"
	"strings"

	"layeh.com/gopus"

	"github.com/voxgate/voxgate/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Decoder = (*ContainerDecoder)(nil)

// EBML element IDs for the subset of WebM a browser audio recorder emits.
// IDs keep their marker bits, matching how they appear on the wire.
const (
	idSegment     = 0x18538067
	idTracks      = 0x1654AE6B
	idCluster     = 0x1F43B675
	idTrackEntry  = 0xAE
	idTrackNumber = 0xD7
	idCodecID     = 0x86
	idBlockGroup  = 0xA0
	idBlock       = 0xA1
	idSimpleBlock = 0xA3
)

// opusCodecID is the WebM codec identifier for Opus audio tracks.
const opusCodecID = "A_OPUS"

// clusterIDBytes is the on-wire byte pattern of a Cluster element ID, used to
// resynchronize after malformed input.
var clusterIDBytes = []byte{0x1F, 0x43, 0xB6, 0x75}

// maxElementSize bounds any single leaf element. Recorder chunks arrive every
// ~250 ms, so a declared size beyond this means corrupted structure, not a
// large element worth waiting for.
const maxElementSize = 1 << 24

// ContainerDecoder decodes chunks of a streaming Opus container (WebM) as
// produced by a browser recorder. The first chunk of a recording carries the
// container header (EBML header, Segment start, Tracks metadata); every later
// chunk carries only Cluster blocks. Because the recorder keeps running across
// conversation turns, turn 2 and later never resend the header.
//
// The preserved header state is the Opus track binding parsed from Tracks:
// blocks name only a track number, so without it no block can be attributed
// to audio and every later chunk would be rejected. [ContainerDecoder.Reset]
// therefore clears the partial input buffer but keeps the track binding.
//
// Decode follows the [audio.Decoder] value-result contract: incomplete
// container elements are buffered (nil, nil), malformed structure drops the
// buffer but keeps the track binding and returns [audio.ErrInvalidData], and
// the parser then resynchronizes on the next Cluster boundary.
//
// Output is 48 kHz mono PCM; the codec downmixes stereo recordings itself.
type ContainerDecoder struct {
	dec *gopus.Decoder

	// buf holds unconsumed container bytes between Decode calls.
	buf []byte

	// track is the Opus track number from the stream header. Zero until the
	// Tracks element has been parsed; retained across Reset.
	track uint64

	// resync makes Decode scan for the next Cluster ID before parsing,
	// entered after malformed input or a mid-cluster Reset.
	resync bool
}

// NewContainerDecoder creates a decoder for browser streaming-Opus chunks.
func NewContainerDecoder() (*ContainerDecoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, 1)
	if err != nil {
		return nil, wrap("create container decoder", err)
	}
	return &ContainerDecoder{dec: dec}, nil
}

// Format reports 48 kHz mono PCM.
func (d *ContainerDecoder) Format() audio.Format {
	return audio.Format{SampleRate: SampleRate, Channels: 1}
}

// Reset prepares the decoder for a new utterance on the same recorder stream.
// Buffered partial input is dropped; the track binding from the stream header
// is kept, so the next utterance's header-less Clusters still decode. Before
// any header has been observed there is nothing to keep, and the next chunk
// must begin a fresh recording.
func (d *ContainerDecoder) Reset() {
	d.buf = d.buf[:0]
	// Mid-cluster leftovers are gone, so scan to the next block boundary.
	// Without a track binding the stream must restart from its header instead,
	// and a Cluster scan would skip right past it.
	d.resync = d.track != 0
}

// Decode consumes one container chunk and returns any PCM it produced.
func (d *ContainerDecoder) Decode(chunk []byte) ([]byte, error) {
	d.buf = append(d.buf, chunk...)

	if d.resync {
		idx := bytes.Index(d.buf, clusterIDBytes)
		if idx < 0 {
			// Keep a partial-pattern tail so a Cluster ID split across
			// chunks is still found.
			if keep := len(clusterIDBytes) - 1; len(d.buf) > keep {
				d.buf = append(d.buf[:0], d.buf[len(d.buf)-keep:]...)
			}
			return nil, nil
		}
		d.buf = append(d.buf[:0], d.buf[idx:]...)
		d.resync = false
	}

	var pcm []byte
	pos := 0
	for {
		id, idLen, ok, valid := readElementID(d.buf[pos:])
		if !valid {
			d.dropBuffer()
			return pcm, audio.ErrInvalidData
		}
		if !ok {
			break
		}

		size, sizeLen, unknown, ok, valid := readElementSize(d.buf[pos+idLen:])
		if !valid {
			d.dropBuffer()
			return pcm, audio.ErrInvalidData
		}
		if !ok {
			break
		}

		// Master elements we descend into rather than skip: their children
		// carry the audio. Unknown-size elements can only be descended,
		// never skipped, which is exactly how streaming recorders write
		// Segment and Cluster.
		if id == idSegment || id == idCluster || id == idBlockGroup {
			pos += idLen + sizeLen
			continue
		}

		if unknown || size > maxElementSize {
			d.dropBuffer()
			return pcm, audio.ErrInvalidData
		}

		total := idLen + sizeLen + int(size)
		if pos+total > len(d.buf) {
			break // incomplete element, wait for more bytes
		}
		payload := d.buf[pos+idLen+sizeLen : pos+total]

		switch id {
		case idTracks:
			if track, ok := parseTracks(payload); ok {
				d.track = track
			}
		case idSimpleBlock, idBlock:
			if frame, ok := d.blockFrame(payload); ok {
				out, err := d.dec.Decode(frame, maxFrameSamples, false)
				// A packet the codec rejects is dropped on its own; the
				// container structure around it is still intact.
				if err == nil {
					pcm = append(pcm, int16sToBytes(out)...)
				}
			}
		}

		pos += total
	}

	d.buf = append(d.buf[:0], d.buf[pos:]...)
	return pcm, nil
}

// dropBuffer discards unconsumed input after malformed structure. With a
// known track binding it arms Cluster resynchronization; without one the
// stream has to restart from its header.
func (d *ContainerDecoder) dropBuffer() {
	d.buf = d.buf[:0]
	d.resync = d.track != 0
}

// blockFrame extracts the Opus packet from a SimpleBlock or Block payload:
// track number (vint), 2-byte relative timecode, flags byte, frame data.
// Blocks for other tracks — or any block before the track binding is known —
// carry no attributable audio and are skipped. Laced blocks are not produced
// by browser audio recorders and are skipped too.
func (d *ContainerDecoder) blockFrame(payload []byte) ([]byte, bool) {
	track, n, _, ok, valid := readElementSize(payload)
	if !ok || !valid {
		return nil, false
	}
	if d.track == 0 || track != d.track {
		return nil, false
	}
	if len(payload) < n+3 {
		return nil, false
	}
	flags := payload[n+2]
	if flags&0x06 != 0 { // lacing bits
		return nil, false
	}
	frame := payload[n+3:]
	if len(frame) == 0 {
		return nil, false
	}
	return frame, true
}

// parseTracks walks a Tracks payload and returns the track number of the
// first Opus audio track.
func parseTracks(payload []byte) (uint64, bool) {
	pos := 0
	for pos < len(payload) {
		id, idLen, ok, valid := readElementID(payload[pos:])
		if !ok || !valid {
			return 0, false
		}
		size, sizeLen, unknown, ok, valid := readElementSize(payload[pos+idLen:])
		if !ok || !valid || unknown {
			return 0, false
		}
		total := idLen + sizeLen + int(size)
		if pos+total > len(payload) {
			return 0, false
		}
		if id == idTrackEntry {
			if num, isOpus := parseTrackEntry(payload[pos+idLen+sizeLen : pos+total]); isOpus {
				return num, true
			}
		}
		pos += total
	}
	return 0, false
}

// parseTrackEntry reads TrackNumber and CodecID from one TrackEntry payload.
func parseTrackEntry(payload []byte) (uint64, bool) {
	var num uint64
	var isOpus bool

	pos := 0
	for pos < len(payload) {
		id, idLen, ok, valid := readElementID(payload[pos:])
		if !ok || !valid {
			return 0, false
		}
		size, sizeLen, unknown, ok, valid := readElementSize(payload[pos+idLen:])
		if !ok || !valid || unknown {
			return 0, false
		}
		total := idLen + sizeLen + int(size)
		if pos+total > len(payload) {
			return 0, false
		}
		body := payload[pos+idLen+sizeLen : pos+total]

		switch id {
		case idTrackNumber:
			num = readUintBE(body)
		case idCodecID:
			isOpus = strings.HasPrefix(string(body), opusCodecID)
		}
		pos += total
	}
	return num, isOpus && num != 0
}

// readUintBE decodes a big-endian EBML unsigned integer payload.
func readUintBE(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// readElementID parses an EBML element ID (1–4 bytes, marker bits retained).
// ok is false when b ends before the ID does; valid is false when the leading
// byte cannot start an ID at all.
func readElementID(b []byte) (id uint32, n int, ok, valid bool) {
	if len(b) == 0 {
		return 0, 0, false, true
	}
	b0 := b[0]
	switch {
	case b0&0x80 != 0:
		n = 1
	case b0&0x40 != 0:
		n = 2
	case b0&0x20 != 0:
		n = 3
	case b0&0x10 != 0:
		n = 4
	default:
		return 0, 0, false, false
	}
	if len(b) < n {
		return 0, 0, false, true
	}
	for i := range n {
		id = id<<8 | uint32(b[i])
	}
	return id, n, true, true
}

// readElementSize parses an EBML size (1–8 bytes, marker bit stripped).
// unknown reports the all-ones "unknown size" convention streaming writers
// use for Segment and Cluster.
func readElementSize(b []byte) (size uint64, n int, unknown, ok, valid bool) {
	if len(b) == 0 {
		return 0, 0, false, false, true
	}
	b0 := b[0]
	mask := byte(0x80)
	for n = 1; n <= 8; n++ {
		if b0&mask != 0 {
			break
		}
		mask >>= 1
	}
	if n > 8 {
		return 0, 0, false, false, false
	}
	if len(b) < n {
		return 0, 0, false, false, true
	}
	size = uint64(b0 &^ mask)
	allOnes := size == uint64(mask-1)
	for i := 1; i < n; i++ {
		size = size<<8 | uint64(b[i])
		if b[i] != 0xFF {
			allOnes = false
		}
	}
	return size, n, allOnes, true, true
}
