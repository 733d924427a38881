package discord

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/voxgate/voxgate/internal/pipeline"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/utterance"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/audio/opus"
	"github.com/voxgate/voxgate/pkg/types"
)

// errRoomClosed aborts playback into a room that is tearing down.
var errRoomClosed = errors.New("discord: voice room closed")

// roomConfig carries the dependencies a room needs from the Bot.
type roomConfig struct {
	sup   *session.Supervisor
	agent string

	// pcm is the format of synthesized audio handed to the sinks.
	pcm audio.Format

	// send is the voice connection's outbound Opus frame channel.
	send chan<- []byte

	// userName resolves a user id to a display name.
	userName func(userID string) string

	// setTalk toggles the platform speaking indicator.
	setTalk func(on bool)
}

// room bridges one voice channel to per-speaker sessions. Inbound Opus
// packets are demultiplexed by SSRC and pushed to the owning speaker's
// session; outbound responses are serialized onto the single channel voice
// stream, one whole response at a time.
type room struct {
	ctx context.Context
	cfg roomConfig

	mu       sync.Mutex
	ssrcUser map[uint32]string
	speakers map[string]*speaker
	closed   bool

	// playMu is held for the duration of one response's playback. A voice
	// channel has a single audio stream, so responses to different speakers
	// must not interleave; the holder also owns enc and conv.
	playMu sync.Mutex
	enc    *opus.Encoder
	conv   audio.FormatConverter

	done chan struct{}
}

// speaker is one channel participant with a live session.
type speaker struct {
	userID string
	sess   *session.Session
}

func newRoom(ctx context.Context, cfg roomConfig) (*room, error) {
	enc, err := opus.NewEncoder()
	if err != nil {
		return nil, err
	}
	return &room{
		ctx:      ctx,
		cfg:      cfg,
		ssrcUser: make(map[uint32]string),
		speakers: make(map[string]*speaker),
		enc:      enc,
		conv:     audio.FormatConverter{Target: audio.Format{SampleRate: opus.SampleRate, Channels: opus.Channels}},
		done:     make(chan struct{}),
	}, nil
}

// speakingUpdate maps the SSRC to its user and forwards the speaking edge to
// the user's session, attaching one on first sight. Discord always sends a
// speaking notification before a user's first audio packet, so the SSRC map
// is populated by the time recvLoop needs it.
func (r *room) speakingUpdate(userID string, ssrc uint32, speaking bool) {
	sp := r.speakerFor(userID, ssrc)
	if sp == nil {
		return
	}
	if speaking {
		sp.sess.SpeakerStart(userID)
	} else {
		sp.sess.SpeakerEnd(userID)
	}
}

// recvLoop demultiplexes inbound voice packets to speaker sessions. Frames
// for an SSRC with no speaking notification yet carry no identity and are
// dropped; the platform resends audio only while the user keeps talking.
func (r *room) recvLoop(recv <-chan *discordgo.Packet) {
	for {
		select {
		case <-r.done:
			return
		case <-r.ctx.Done():
			return
		case pkt, ok := <-recv:
			if !ok {
				return
			}
			if pkt == nil || len(pkt.Opus) == 0 {
				continue
			}
			r.mu.Lock()
			userID := r.ssrcUser[pkt.SSRC]
			sp := r.speakers[userID]
			r.mu.Unlock()
			if sp == nil {
				continue
			}
			sp.sess.PushAudio(sp.userID, pkt.Opus)
		}
	}
}

// speakerFor returns the speaker for userID, attaching a session on first
// sight and recording the SSRC mapping.
func (r *room) speakerFor(userID string, ssrc uint32) *speaker {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.ssrcUser[ssrc] = userID
	if sp, ok := r.speakers[userID]; ok {
		r.mu.Unlock()
		return sp
	}
	r.mu.Unlock()

	log := slog.With("user_id", userID, "ingress", types.IngressChat)
	dec, err := opus.NewFrameDecoder()
	if err != nil {
		log.Error("opus decoder unavailable", "error", err)
		return nil
	}
	sess, err := r.cfg.sup.Attach(r.ctx, session.AttachRequest{
		UserID:      userID,
		Agent:       r.cfg.agent,
		Ingress:     types.IngressChat,
		Sink:        &roomSink{room: r},
		Format:      types.FormatPCM,
		Decoder:     audio.ConvertTo(dec, audio.STT16kMono),
		SampleRate:  audio.STT16kMono.SampleRate,
		SpeakerName: r.cfg.userName,
		Hooks: utterance.Hooks{
			OnError: func(err error) { log.Warn("capture error", "error", err) },
		},
		Events: session.Events{
			OnTurnError: func(err error) { log.Warn("turn failed", "error", err) },
		},
		PlaybackEvents: pipeline.Events{
			PlaybackStarted:  r.playbackStarted,
			PlaybackFinished: r.playbackFinished,
			UnitSkipped: func(_ context.Context, text string, err error) {
				log.Warn("response unit skipped", "error", err, "text_len", len(text))
			},
		},
	})
	if err != nil {
		log.Error("session attach failed", "error", err)
		return nil
	}

	sp := &speaker{userID: userID, sess: sess}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.detach(sp)
		return nil
	}
	// A concurrent notification for the same user may have won the race.
	if cur, ok := r.speakers[userID]; ok {
		r.mu.Unlock()
		r.detach(sp)
		return cur
	}
	r.speakers[userID] = sp
	r.mu.Unlock()

	log.Info("speaker joined", "session_id", sess.ID())
	return sp
}

// playbackStarted claims the channel voice stream for one response. Blocking
// here holds the owning pipeline's serializer until the previous response
// finishes, which is the intended cross-speaker ordering.
func (r *room) playbackStarted(context.Context) {
	r.playMu.Lock()
	r.cfg.setTalk(true)
}

// playbackFinished flushes the encoder tail and releases the voice stream.
func (r *room) playbackFinished(context.Context, bool) {
	if tail, err := r.enc.Flush(); err == nil && tail != nil {
		r.sendFrame(tail)
	}
	r.cfg.setTalk(false)
	r.playMu.Unlock()
}

// sendFrame delivers one encoded Opus frame to the voice connection.
func (r *room) sendFrame(frame []byte) bool {
	select {
	case r.cfg.send <- frame:
		return true
	case <-r.done:
	case <-r.ctx.Done():
	}
	return false
}

// userLeft tears down the speaker's live session. Their stored conversation
// stays active, so rejoining the channel resumes it.
func (r *room) userLeft(userID string) {
	r.mu.Lock()
	sp, ok := r.speakers[userID]
	if ok {
		delete(r.speakers, userID)
		for ssrc, id := range r.ssrcUser {
			if id == userID {
				delete(r.ssrcUser, ssrc)
			}
		}
	}
	r.mu.Unlock()
	if ok {
		r.detach(sp)
		slog.Info("speaker left", "user_id", userID)
	}
}

// close detaches every speaker and stops the receive loop.
func (r *room) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	list := make([]*speaker, 0, len(r.speakers))
	for _, sp := range r.speakers {
		list = append(list, sp)
	}
	r.speakers = make(map[string]*speaker)
	r.ssrcUser = make(map[uint32]string)
	r.mu.Unlock()

	close(r.done)
	for _, sp := range list {
		r.detach(sp)
	}
}

func (r *room) detach(sp *speaker) {
	if err := r.cfg.sup.Detach(sp.sess.ID()); err != nil && !errors.Is(err, session.ErrNotAttached) {
		slog.Warn("speaker detach failed", "user_id", sp.userID, "error", err)
	}
}

// roomSink adapts the room's voice stream to [pipeline.Sink]. The pipeline
// serializer calls Play only between PlaybackStarted and PlaybackFinished,
// so the holder of playMu has exclusive use of the shared encoder.
type roomSink struct {
	room *room
}

var _ pipeline.Sink = (*roomSink)(nil)

// Play converts one synthesized PCM chunk to the platform format, encodes
// complete 20 ms Opus frames, and queues them on the voice connection.
func (s *roomSink) Play(ctx context.Context, pcm []byte) error {
	r := s.room
	frame := r.conv.Convert(audio.AudioFrame{
		Data:       pcm,
		SampleRate: r.cfg.pcm.SampleRate,
		Channels:   r.cfg.pcm.Channels,
	})
	if len(frame.Data) == 0 {
		return nil
	}
	frames, err := r.enc.Encode(frame.Data)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if !r.sendFrame(f) {
			return errRoomClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}
