package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/tactilerobotics/teleop/pkg/auth"
	"github.com/tactilerobotics/teleop/pkg/node"
	"github.com/tactilerobotics/teleop/pkg/node/natsnode"
	"github.com/tactilerobotics/teleop/pkg/node/webrtcnode"
	"github.com/tactilerobotics/teleop/pkg/tactile"
)

type SimulateCommand struct {
	NodeID    string        `long:"node-id" default:"operator" description:"Operator participant id"`
	Target    string        `long:"target" default:"control_subscriber" description:"Robot control node to dial (webrtc)"`
	Hz        int           `long:"hz" default:"30" description:"Frame rate of synthetic controller frames"`
	Duration  time.Duration `long:"duration" description:"Stop after this long; zero runs until interrupted"`
	Hand      string        `long:"hand" default:"right" choice:"left" choice:"right" description:"Controller to animate"`
	Radius    float64       `long:"radius" default:"0.1" description:"Radius of the traced circle in metres"`
	Period    time.Duration `long:"period" default:"6s" description:"Length of one grip, trigger, release cycle"`
	Cameras   []string      `long:"camera" value-name:"NODE_ID" description:"Also receive video from this camera publisher (webrtc, repeatable)"`
	Telemetry string        `long:"telemetry" value-name:"NODE_ID" description:"Also receive data from this robot publisher (webrtc)"`
}

// sender delivers one encoded frame to the robot.
type sender func(ctx context.Context, data []byte) error

func (c *SimulateCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	if c.Hz <= 0 || c.Period <= 0 {
		return errors.New("--hz and --period must be positive")
	}
	logger, closeLog, err := newLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if c.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.Duration)
		defer cancel()
	}

	opts := tactile.OptionsFromConfig(cfg)
	gw := auth.NewGateway(opts.Auth)
	cred, err := gw.Authenticate(ctx, c.NodeID, string(node.RolePublisher))
	if err != nil {
		return err
	}
	session := node.Session{
		Protocol:  cfg.Protocol.Name,
		RoomName:  cred.RoomName,
		Token:     cred.Token,
		ServerURL: cred.ServerURL,
		ExpiresAt: cred.ExpiresAt,
	}
	logger.Info("operator authenticated", "room", cred.RoomName, "protocol", session.Protocol)

	var send sender
	switch cfg.Protocol.Name {
	case webrtcnode.ProtocolName:
		s, closeAll, err := c.dialWebRTC(ctx, session, opts.WebRTC, logger)
		if err != nil {
			return err
		}
		defer closeAll()
		send = s
	case natsnode.ProtocolName:
		pub, err := natsnode.NewPublisher(node.PublisherConfig{NodeID: c.NodeID, Session: session, Logger: logger}, opts.NATS)
		if err != nil {
			return err
		}
		if err := pub.Connect(ctx); err != nil {
			return err
		}
		defer pub.Disconnect(context.Background())
		send = pub.SendData
	default:
		return fmt.Errorf("simulate does not support protocol %q", cfg.Protocol.Name)
	}

	return c.stream(ctx, send, logger)
}

func (c *SimulateCommand) dialWebRTC(ctx context.Context, session node.Session, wopts webrtcnode.Options, logger *slog.Logger) (sender, func(), error) {
	sig, err := webrtcnode.NewHTTPSignaler(session, nil)
	if err != nil {
		return nil, nil, err
	}
	dial := func(remote string, video bool, onTrack func(*webrtc.TrackRemote), onMessage func([]byte)) (*webrtcnode.Conn, error) {
		dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		logger.Info("dialling robot node", "remote", remote)
		return webrtcnode.Dial(dctx, webrtcnode.DialConfig{
			LocalID:       c.NodeID,
			RemoteID:      remote,
			Signaler:      sig,
			ICEServers:    wopts.ICEServers,
			ReceiveVideo:  video,
			OnTrack:       onTrack,
			OnMessage:     onMessage,
			PollInterval:  wopts.PollInterval,
			GatherTimeout: wopts.GatherTimeout,
			Logger:        logger,
		})
	}

	var conns []*webrtcnode.Conn
	closeAll := func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}

	control, err := dial(c.Target, false, nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", c.Target, err)
	}
	conns = append(conns, control)

	for _, cam := range c.Cameras {
		conn, err := dial(cam, true, func(track *webrtc.TrackRemote) {
			go countVideo(ctx, cam, track, logger)
		}, nil)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("dial camera %s: %w", cam, err)
		}
		conns = append(conns, conn)
	}

	if c.Telemetry != "" {
		conn, err := dial(c.Telemetry, false, nil, func(data []byte) {
			logger.Debug("telemetry", "node_id", c.Telemetry, "payload", string(data))
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("dial telemetry %s: %w", c.Telemetry, err)
		}
		conns = append(conns, conn)
	}

	return func(ctx context.Context, data []byte) error { return control.Send(data) }, closeAll, nil
}

// countVideo drains a remote video track and logs throughput every few
// seconds.
func countVideo(ctx context.Context, camera string, track *webrtc.TrackRemote, logger *slog.Logger) {
	var packets, bytes atomic.Int64
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("video received", "camera", camera,
					"codec", track.Codec().MimeType, "packets", packets.Load(), "bytes", bytes.Load())
			}
		}
	}()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		packets.Add(1)
		bytes.Add(int64(len(pkt.Payload)))
	}
}

func (c *SimulateCommand) stream(ctx context.Context, send sender, logger *slog.Logger) error {
	ticker := time.NewTicker(time.Second / time.Duration(c.Hz))
	defer ticker.Stop()

	start := time.Now()
	logger.Info("streaming synthetic frames", "hand", c.Hand, "hz", c.Hz, "period", c.Period)
	var sent int
	for {
		select {
		case <-ctx.Done():
			logger.Info("simulation stopped", "frames", sent)
			return nil
		case now := <-ticker.C:
			frame := syntheticFrame(c.Hand, now.Sub(start), c.Period, c.Radius)
			data, err := json.Marshal(frame)
			if err != nil {
				return err
			}
			if err := send(ctx, data); err != nil {
				return fmt.Errorf("send frame: %w", err)
			}
			sent++
		}
	}
}

// syntheticFrame is the controller frame at elapsed time t. Each period the
// hand grips for the first two thirds while tracing a circle, squeezes the
// trigger during the middle third, then releases.
func syntheticFrame(hand string, t, period time.Duration, radius float64) map[string]any {
	phase := float64(t%period) / float64(period)
	gripping := phase < 2.0/3
	trigger := 0.0
	if phase >= 1.0/3 && phase < 2.0/3 {
		trigger = 1
	}
	angle := 2 * math.Pi * phase * 1.5
	x, z := 0.0, -0.3
	if gripping {
		x += radius * math.Sin(angle)
		z += radius * (1 - math.Cos(angle))
	}
	return map[string]any{
		hand + "Controller": map[string]any{
			"position":   map[string]any{"x": x, "y": 1.2, "z": z},
			"quaternion": map[string]any{"x": 0.0, "y": 0.0, "z": 0.0, "w": 1.0},
			"gripActive": gripping,
			"trigger":    trigger,
		},
	}
}
