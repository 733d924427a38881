// Package discord provides the chat-platform voice ingress: the bot joins
// one voice channel and bridges every speaker in it to their own VoxGate
// session.
//
// Discord delivers audio as raw 48 kHz stereo Opus frames demultiplexed by
// SSRC, with speaking notifications mapping SSRCs to user ids. Each speaker
// gets their own frame decoder, so inbound packets reach STT as mono PCM;
// the platform only transmits while a user actually speaks, so every frame
// refreshes the silence clock and no VAD gate is needed. Synthesized
// responses come back
// as raw PCM, are converted to 48 kHz stereo, encoded to 20 ms Opus frames,
// and sent on the shared voice connection.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/pkg/audio"
)

// Config holds the chat ingress configuration.
type Config struct {
	// Token is the bot token, without the "Bot " prefix.
	Token string

	// GuildID is the guild hosting the voice channel.
	GuildID string

	// ChannelID is the voice channel the bot joins on startup.
	ChannelID string

	// Agent names the agent serving this channel. Empty selects the
	// supervisor default.
	Agent string

	// PCMFormat describes the synthesized audio handed to the sink by the
	// response pipeline. Defaults to mono at 24 kHz, the synthesis engine's
	// native output.
	PCMFormat audio.Format
}

// defaultPCMFormat matches the synthesis engine's native mono output.
var defaultPCMFormat = audio.Format{SampleRate: 24000, Channels: 1}

// Bot owns the platform connection and the per-speaker session bridge.
type Bot struct {
	cfg Config
	sup *session.Supervisor

	dg *discordgo.Session

	mu        sync.Mutex
	vc        *discordgo.VoiceConnection
	room      *room
	closeOnce sync.Once
}

// New creates a Bot and opens the platform gateway connection. The voice
// channel is joined in Run.
func New(cfg Config, sup *session.Supervisor) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: bot token required")
	}
	if cfg.GuildID == "" || cfg.ChannelID == "" {
		return nil, errors.New("discord: guild_id and channel_id required")
	}
	if cfg.PCMFormat.SampleRate == 0 {
		cfg.PCMFormat = defaultPCMFormat
	}

	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	if err := dg.Open(); err != nil {
		return nil, fmt.Errorf("discord: open gateway: %w", err)
	}

	return &Bot{cfg: cfg, sup: sup, dg: dg}, nil
}

// Run joins the configured voice channel and serves it until ctx is
// cancelled. Speakers are attached lazily on their first speaking
// notification and detached when they leave the channel.
func (b *Bot) Run(ctx context.Context) error {
	vc, err := b.dg.ChannelVoiceJoin(b.cfg.GuildID, b.cfg.ChannelID, false, false)
	if err != nil {
		return fmt.Errorf("discord: join voice channel %s: %w", b.cfg.ChannelID, err)
	}

	r, err := newRoom(ctx, roomConfig{
		sup:      b.sup,
		agent:    b.cfg.Agent,
		pcm:      b.cfg.PCMFormat,
		send:     vc.OpusSend,
		userName: b.memberName,
		setTalk:  func(on bool) { logOnErr(vc.Speaking(on), "speaking notification") },
	})
	if err != nil {
		logOnErr(vc.Disconnect(), "voice disconnect")
		return fmt.Errorf("discord: start room: %w", err)
	}

	b.mu.Lock()
	b.vc = vc
	b.room = r
	b.mu.Unlock()

	vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		r.speakingUpdate(su.UserID, uint32(su.SSRC), su.Speaking)
	})
	removeVSU := b.dg.AddHandler(b.handleVoiceState)
	defer removeVSU()

	go r.recvLoop(vc.OpusRecv)

	slog.Info("voice channel joined",
		"guild_id", b.cfg.GuildID, "channel_id", b.cfg.ChannelID, "agent", b.cfg.Agent)

	<-ctx.Done()
	r.close()
	return ctx.Err()
}

// handleVoiceState detaches a speaker's session when they leave the channel.
func (b *Bot) handleVoiceState(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != b.cfg.GuildID {
		return
	}
	left := vsu.BeforeUpdate != nil &&
		vsu.BeforeUpdate.ChannelID == b.cfg.ChannelID &&
		vsu.ChannelID != b.cfg.ChannelID
	if !left {
		return
	}
	b.mu.Lock()
	r := b.room
	b.mu.Unlock()
	if r != nil {
		r.userLeft(vsu.UserID)
	}
}

// memberName resolves a user id to a display name, preferring the state
// cache over a REST round-trip.
func (b *Bot) memberName(userID string) string {
	if m, err := b.dg.State.Member(b.cfg.GuildID, userID); err == nil {
		if m.Nick != "" {
			return m.Nick
		}
		if m.User != nil {
			return m.User.Username
		}
	}
	if u, err := b.dg.User(userID); err == nil {
		return u.Username
	}
	return userID
}

// Close leaves the voice channel and closes the gateway connection.
func (b *Bot) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		vc, r := b.vc, b.room
		b.mu.Unlock()

		if r != nil {
			r.close()
		}
		if vc != nil {
			logOnErr(vc.Disconnect(), "voice disconnect")
		}
		if cerr := b.dg.Close(); cerr != nil {
			err = fmt.Errorf("discord: close gateway: %w", cerr)
		}
		slog.Info("chat ingress closed")
	})
	return err
}

func logOnErr(err error, what string) {
	if err != nil {
		slog.Warn("discord: "+what+" failed", "error", err)
	}
}
