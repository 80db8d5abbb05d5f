package webrtcnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/tactilerobotics/teleop/pkg/logging"
)

// DialConfig describes an operator connection to one robot-side node.
type DialConfig struct {
	// LocalID is the operator's participant id. Subscribers only answer
	// ids on their allow-list.
	LocalID string
	// RemoteID is the node id being dialled.
	RemoteID string

	Signaler   Signaler
	ICEServers []webrtc.ICEServer

	// ReceiveVideo offers a receive-only video transceiver so a publisher
	// can attach its camera track.
	ReceiveVideo bool
	OnTrack      func(track *webrtc.TrackRemote)

	// OnMessage receives payloads the remote sends on the data channel.
	OnMessage func(data []byte)

	PollInterval  time.Duration
	GatherTimeout time.Duration
	Logger        *slog.Logger
}

// Conn is an established operator connection.
type Conn struct {
	remote string
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
}

// Dial offers a connection to cfg.RemoteID and waits for its answer and for
// the data channel to open. ctx bounds the whole exchange; an unanswered
// offer blocks until it expires.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	if cfg.LocalID == "" || cfg.RemoteID == "" {
		return nil, errors.New("dial needs a local and a remote id")
	}
	if cfg.Signaler == nil {
		return nil, errors.New("dial needs a signaler")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = DefaultGatherTimeout
	}
	log := logging.OrDefault(cfg.Logger).With("local", cfg.LocalID, "remote", cfg.RemoteID)

	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	fail := func(err error) (*Conn, error) {
		pc.Close()
		return nil, err
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debug("ICE connection state changed", "state", state.String())
	})

	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return fail(fmt.Errorf("creating data channel: %w", err))
	}
	opened := make(chan struct{})
	var once sync.Once
	dc.OnOpen(func() { once.Do(func() { close(opened) }) })
	if cfg.OnMessage != nil {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) { cfg.OnMessage(msg.Data) })
	}

	if cfg.ReceiveVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fail(fmt.Errorf("adding video transceiver: %w", err))
		}
	}
	if cfg.OnTrack != nil {
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			log.Info("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
			cfg.OnTrack(track)
		})
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("creating offer: %w", err))
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("setting local description: %w", err))
	}
	if err := waitGathering(ctx, gatherComplete, cfg.GatherTimeout); err != nil {
		return fail(err)
	}
	if err := cfg.Signaler.PublishOffer(ctx, cfg.LocalID, cfg.RemoteID, pc.LocalDescription().SDP); err != nil {
		return fail(fmt.Errorf("publishing offer: %w", err))
	}
	log.Debug("offer published")

	answer, err := awaitAnswer(ctx, cfg.Signaler, cfg.LocalID, cfg.RemoteID, cfg.PollInterval)
	if err != nil {
		return fail(err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fail(fmt.Errorf("setting remote description: %w", err))
	}

	select {
	case <-opened:
	case <-ctx.Done():
		return fail(fmt.Errorf("waiting for data channel: %w", ctx.Err()))
	}
	log.Info("connected")
	return &Conn{remote: cfg.RemoteID, pc: pc, dc: dc}, nil
}

func awaitAnswer(ctx context.Context, signaler Signaler, local, remote string, interval time.Duration) (string, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		answers, err := signaler.PollAnswers(ctx, local)
		if err != nil {
			return "", fmt.Errorf("polling answers: %w", err)
		}
		for _, a := range answers {
			if a.From == remote {
				return a.SDP, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for answer from %s: %w", remote, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Remote returns the dialled node id.
func (c *Conn) Remote() string { return c.remote }

// Send writes raw bytes on the data channel.
func (c *Conn) Send(data []byte) error {
	return c.dc.Send(data)
}

// SendJSON encodes v and sends it.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	return c.dc.Send(data)
}

// Close tears the connection down.
func (c *Conn) Close() error {
	return c.pc.Close()
}
