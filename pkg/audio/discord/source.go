// Package discord provides an [audio.Source] backed by a Discord voice
// channel via the bwmarrin/discordgo library.
//
// The bot joins the channel muted and listens. Discord delivers one Opus
// stream per speaking participant; the source follows a single speaker at a
// time (the first SSRC heard) and hands over to the next speaker once the
// followed one has been silent for the hand-over gap. Decoded audio is 48 kHz
// stereo PCM; the capture manager converts it for recognition.
package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/babelcast/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// DefaultHandoverGap is how long the followed speaker must be silent before
// another speaker is followed.
const DefaultHandoverGap = 2 * time.Second

// voiceLink is the part of a joined voice connection the stream consumes.
type voiceLink struct {
	packets    <-chan *discordgo.Packet
	disconnect func() error
}

// Option configures a [Source].
type Option func(*Source)

// WithHandoverGap overrides [DefaultHandoverGap]. Values <= 0 are ignored.
func WithHandoverGap(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.handoverGap = d
		}
	}
}

// Source joins one voice channel per Open.
//
// Source is safe for concurrent use.
type Source struct {
	session   *discordgo.Session
	guildID   string
	channelID string

	handoverGap time.Duration

	// Both default to the discordgo session; overridden in tests.
	checkPermission func(channelID string) error
	join            func(guildID, channelID string) (*voiceLink, error)
}

// New returns a Source for the voice channel channelID in guildID. session
// must already be open.
func New(session *discordgo.Session, guildID, channelID string, opts ...Option) *Source {
	s := &Source{
		session:     session,
		guildID:     guildID,
		channelID:   channelID,
		handoverGap: DefaultHandoverGap,
	}
	s.checkPermission = s.sessionPermission
	s.join = s.sessionJoin
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open joins the voice channel. Missing connect permission is reported as
// [audio.ErrPermissionDenied]. Discord has no video for voice channels, so
// opts.WantVideo is ignored and the stream carries a single audio track.
func (s *Source) Open(ctx context.Context, _ audio.OpenOptions) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discord: open: %w", err)
	}
	if err := s.checkPermission(s.channelID); err != nil {
		return nil, fmt.Errorf("discord: open channel %q: %w", s.channelID, err)
	}
	link, err := s.join(s.guildID, s.channelID)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", s.channelID, err)
	}
	return newStream(link, s.handoverGap), nil
}

func (s *Source) sessionPermission(channelID string) error {
	if s.session == nil || s.session.State == nil || s.session.State.User == nil {
		return errors.New("discord: session not ready")
	}
	perms, err := s.session.State.UserChannelPermissions(s.session.State.User.ID, channelID)
	if err != nil {
		return fmt.Errorf("discord: resolve permissions: %w", err)
	}
	if perms&discordgo.PermissionVoiceConnect == 0 {
		return audio.ErrPermissionDenied
	}
	return nil
}

func (s *Source) sessionJoin(guildID, channelID string) (*voiceLink, error) {
	// mute=true (listen only), deaf=false (we need to receive audio).
	vc, err := s.session.ChannelVoiceJoin(guildID, channelID, true, false)
	if err != nil {
		return nil, err
	}
	return &voiceLink{packets: vc.OpusRecv, disconnect: vc.Disconnect}, nil
}
