package opus

import (
	"errors"
	"testing"

	"layeh.com/gopus"

	"github.com/voxgate/voxgate/pkg/audio"
)

// ---- synthetic WebM builders ----

// encodeID serializes an EBML element ID in as many bytes as its marker demands.
func encodeID(id uint32) []byte {
	switch {
	case id <= 0xFF:
		return []byte{byte(id)}
	case id <= 0xFFFF:
		return []byte{byte(id >> 8), byte(id)}
	case id <= 0xFFFFFF:
		return []byte{byte(id >> 16), byte(id >> 8), byte(id)}
	default:
		return []byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}
	}
}

// encodeSize serializes a known EBML size (1- or 2-byte forms cover the tests).
func encodeSize(n int) []byte {
	if n < 0x7F {
		return []byte{0x80 | byte(n)}
	}
	return []byte{0x40 | byte(n>>8), byte(n)}
}

// element serializes one known-size EBML element.
func element(id uint32, payload []byte) []byte {
	out := encodeID(id)
	out = append(out, encodeSize(len(payload))...)
	return append(out, payload...)
}

// unknownSizeStart serializes an element ID followed by the one-byte
// "unknown size" marker, the form streaming recorders use for Segment
// and Cluster.
func unknownSizeStart(id uint32) []byte {
	return append(encodeID(id), 0xFF)
}

// buildStreamHeader assembles the pre-Cluster portion of a recording:
// EBML header, Segment start, and a Tracks element binding track 1 to Opus.
func buildStreamHeader() []byte {
	var out []byte
	out = append(out, element(0x1A45DFA3, []byte{0x42, 0x86, 0x81, 0x01})...)
	out = append(out, unknownSizeStart(idSegment)...)

	entry := element(idTrackNumber, []byte{0x01})
	entry = append(entry, element(idCodecID, []byte(opusCodecID))...)
	out = append(out, element(idTracks, element(idTrackEntry, entry))...)
	return out
}

// buildCluster wraps Opus packets in an unknown-size Cluster with one
// SimpleBlock per packet, all on track 1.
func buildCluster(packets ...[]byte) []byte {
	out := unknownSizeStart(idCluster)
	out = append(out, element(0xE7, []byte{0x00})...) // Timecode
	for _, pkt := range packets {
		payload := append([]byte{0x81, 0x00, 0x00, 0x00}, pkt...)
		out = append(out, element(idSimpleBlock, payload)...)
	}
	return out
}

// encodeTestPackets produces n real 20 ms mono Opus packets of a PCM ramp.
func encodeTestPackets(t *testing.T, n int) [][]byte {
	t.Helper()
	enc, err := gopus.NewEncoder(SampleRate, 1, gopus.Audio)
	if err != nil {
		t.Fatalf("create test encoder: %v", err)
	}
	pcm := make([]int16, frameSamples)
	for i := range pcm {
		pcm[i] = int16(i % 512)
	}
	packets := make([][]byte, 0, n)
	for range n {
		pkt, err := enc.Encode(pcm, frameSamples, frameSamples*2)
		if err != nil {
			t.Fatalf("encode test packet: %v", err)
		}
		packets = append(packets, pkt)
	}
	return packets
}

// pcmPerPacket is the decoded size of one 20 ms mono packet at 48 kHz.
const pcmPerPacket = frameSamples * 2

func mustContainerDecoder(t *testing.T) *ContainerDecoder {
	t.Helper()
	d, err := NewContainerDecoder()
	if err != nil {
		t.Fatalf("NewContainerDecoder: %v", err)
	}
	return d
}

// ---- first turn ----

func TestContainerDecoderDecodesFirstTurn(t *testing.T) {
	d := mustContainerDecoder(t)
	packets := encodeTestPackets(t, 2)

	chunk := append(buildStreamHeader(), buildCluster(packets...)...)
	pcm, err := d.Decode(chunk)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pcm) != 2*pcmPerPacket {
		t.Fatalf("decoded %d bytes, want %d", len(pcm), 2*pcmPerPacket)
	}

	f := d.Format()
	if f.SampleRate != 48000 || f.Channels != 1 {
		t.Errorf("Format() = %+v, want 48000 Hz mono", f)
	}
}

func TestContainerDecoderBuffersSplitChunks(t *testing.T) {
	d := mustContainerDecoder(t)
	packets := encodeTestPackets(t, 3)

	stream := append(buildStreamHeader(), buildCluster(packets...)...)

	var total int
	for i := 0; i < len(stream); i += 7 {
		end := min(i+7, len(stream))
		pcm, err := d.Decode(stream[i:end])
		if err != nil {
			t.Fatalf("Decode at offset %d: %v", i, err)
		}
		total += len(pcm)
	}
	if total != 3*pcmPerPacket {
		t.Fatalf("decoded %d bytes across split chunks, want %d", total, 3*pcmPerPacket)
	}
}

// ---- header preservation across utterances ----

func TestContainerDecoderTrackBindingSurvivesReset(t *testing.T) {
	d := mustContainerDecoder(t)
	packets := encodeTestPackets(t, 3)

	// Turn 1 carries the header.
	pcm, err := d.Decode(append(buildStreamHeader(), buildCluster(packets[0])...))
	if err != nil {
		t.Fatalf("turn 1 Decode: %v", err)
	}
	if len(pcm) != pcmPerPacket {
		t.Fatalf("turn 1 decoded %d bytes, want %d", len(pcm), pcmPerPacket)
	}

	d.Reset()

	// Turn 2 is header-less: only a new Cluster, as the still-running
	// recorder would send it.
	pcm, err = d.Decode(buildCluster(packets[1], packets[2]))
	if err != nil {
		t.Fatalf("turn 2 Decode: %v", err)
	}
	if len(pcm) != 2*pcmPerPacket {
		t.Fatalf("turn 2 decoded %d bytes, want %d", len(pcm), 2*pcmPerPacket)
	}
}

func TestContainerDecoderRejectsHeaderlessStream(t *testing.T) {
	d := mustContainerDecoder(t)
	packets := encodeTestPackets(t, 1)

	// A fresh decoder that never saw a header cannot attribute blocks to an
	// audio track, so a bare Cluster yields nothing.
	pcm, err := d.Decode(buildCluster(packets[0]))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pcm) != 0 {
		t.Fatalf("decoded %d bytes from a header-less stream, want 0", len(pcm))
	}
}

// ---- malformed input ----

func TestContainerDecoderInvalidDataKeepsTrackBinding(t *testing.T) {
	d := mustContainerDecoder(t)
	packets := encodeTestPackets(t, 2)

	if _, err := d.Decode(append(buildStreamHeader(), buildCluster(packets[0])...)); err != nil {
		t.Fatalf("turn 1 Decode: %v", err)
	}

	// A zero byte can never start an EBML element.
	if _, err := d.Decode([]byte{0x00, 0x13, 0x37}); !errors.Is(err, audio.ErrInvalidData) {
		t.Fatalf("Decode(garbage) error = %v, want ErrInvalidData", err)
	}

	// The next well-formed Cluster resynchronizes and decodes.
	pcm, err := d.Decode(buildCluster(packets[1]))
	if err != nil {
		t.Fatalf("post-garbage Decode: %v", err)
	}
	if len(pcm) != pcmPerPacket {
		t.Fatalf("post-garbage decoded %d bytes, want %d", len(pcm), pcmPerPacket)
	}
}

func TestContainerDecoderSkipsForeignTrackBlocks(t *testing.T) {
	d := mustContainerDecoder(t)
	packets := encodeTestPackets(t, 1)

	// Block on track 2 while the header binds Opus to track 1.
	cluster := unknownSizeStart(idCluster)
	payload := append([]byte{0x82, 0x00, 0x00, 0x00}, packets[0]...)
	cluster = append(cluster, element(idSimpleBlock, payload)...)

	pcm, err := d.Decode(append(buildStreamHeader(), cluster...))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pcm) != 0 {
		t.Fatalf("decoded %d bytes from a foreign track, want 0", len(pcm))
	}
}

func TestContainerDecoderResetBeforeHeader(t *testing.T) {
	d := mustContainerDecoder(t)
	d.Reset()

	packets := encodeTestPackets(t, 1)
	pcm, err := d.Decode(append(buildStreamHeader(), buildCluster(packets[0])...))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pcm) != pcmPerPacket {
		t.Fatalf("decoded %d bytes, want %d", len(pcm), pcmPerPacket)
	}
}
