package tactile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/tactilerobotics/teleop/pkg/config"
	"github.com/tactilerobotics/teleop/pkg/metrics"
	"github.com/tactilerobotics/teleop/pkg/node"
)

// CameraPublisherConfig describes a camera stream to the operator. Frames
// are expected H.264 encoded; sizes and rates are advertised, not enforced.
type CameraPublisherConfig struct {
	NodeID       string
	FrameWidth   int
	FrameHeight  int
	MaxFramerate int
	MaxBitrate   int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// CameraConfigFromConfig maps one cameras entry onto a descriptor.
func CameraConfigFromConfig(c config.CameraConfig) CameraPublisherConfig {
	return CameraPublisherConfig{
		NodeID:       c.NodeID,
		FrameWidth:   c.Width,
		FrameHeight:  c.Height,
		MaxFramerate: c.FPS,
		MaxBitrate:   c.Bitrate,
	}
}

func (c CameraPublisherConfig) withDefaults() CameraPublisherConfig {
	if c.NodeID == "" {
		c.NodeID = config.DefaultCameraNodeID
	}
	if c.FrameWidth <= 0 {
		c.FrameWidth = config.DefaultCameraWidth
	}
	if c.FrameHeight <= 0 {
		c.FrameHeight = config.DefaultCameraHeight
	}
	if c.MaxFramerate <= 0 {
		c.MaxFramerate = config.DefaultCameraFPS
	}
	if c.MaxBitrate <= 0 {
		c.MaxBitrate = config.DefaultCameraBPS
	}
	return c
}

func (c CameraPublisherConfig) ID() string { return c.withDefaults().NodeID }

// CreateNode builds a publisher carrying one H.264 video track.
func (c CameraPublisherConfig) CreateNode(reg *node.Registry, session node.Session, role node.Role) (node.Node, error) {
	if role != node.RolePublisher {
		return nil, fmt.Errorf("camera publisher %q requested as %s", c.ID(), role)
	}
	c = c.withDefaults()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video", c.NodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("creating video track: %w", err)
	}
	pub, err := reg.NewPublisher(node.PublisherConfig{
		NodeID:  c.NodeID,
		Session: session,
		Tracks:  []node.Track{track},
		Logger:  c.Logger,
		Metrics: c.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &CameraPublisher{Publisher: pub, track: track, settings: c}, nil
}

// CameraPublisher is a publisher node with a video track.
type CameraPublisher struct {
	node.Publisher
	track    *webrtc.TrackLocalStaticSample
	settings CameraPublisherConfig
}

// Settings returns the resolved camera settings.
func (c *CameraPublisher) Settings() CameraPublisherConfig { return c.settings }

// WriteSample sends one encoded frame to every connected viewer.
func (c *CameraPublisher) WriteSample(s media.Sample) error {
	if c.State() != node.StateConnected {
		return node.ErrNotConnected
	}
	return c.track.WriteSample(s)
}

// FrameSource produces encoded frames. Capture, rectification and encoding
// happen behind it.
type FrameSource interface {
	Init(ctx context.Context) error
	// CaptureFrame returns the next frame; ok is false when none is ready.
	CaptureFrame() (sample media.Sample, ok bool, err error)
	Stop() error
}

// ConnectCamera connects the camera publisher described by cfg.
func (a *API) ConnectCamera(ctx context.Context, cfg CameraPublisherConfig) (*CameraPublisher, error) {
	if cfg.Logger == nil {
		cfg.Logger = a.logger
	}
	cfg.Metrics = a.metrics
	n, err := a.manager.EnsureConnected(ctx, cfg, node.RolePublisher)
	if err != nil {
		return nil, err
	}
	cam, ok := n.(*CameraPublisher)
	if !ok {
		return nil, fmt.Errorf("node %q is a %T, not a camera publisher", cfg.ID(), n)
	}
	return cam, nil
}

// StreamCamera pumps frames from src into cam at the camera's frame rate
// until ctx ends. The source is stopped on return.
func (a *API) StreamCamera(ctx context.Context, cam *CameraPublisher, src FrameSource) (err error) {
	if err := src.Init(ctx); err != nil {
		return fmt.Errorf("init frame source: %w", err)
	}
	defer func() {
		if stopErr := src.Stop(); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("stop frame source: %w", stopErr))
		}
	}()

	fps := cam.Settings().MaxFramerate
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	log := a.logger.With("node_id", cam.ID())
	log.Info("camera streaming", "fps", fps,
		"width", cam.Settings().FrameWidth, "height", cam.Settings().FrameHeight)

	for {
		select {
		case <-ctx.Done():
			log.Info("camera streaming stopped")
			return nil
		case <-ticker.C:
		}
		sample, ok, err := src.CaptureFrame()
		if err != nil {
			return fmt.Errorf("capture frame: %w", err)
		}
		if !ok {
			continue
		}
		if sample.Duration == 0 {
			sample.Duration = time.Second / time.Duration(fps)
		}
		if err := cam.WriteSample(sample); err != nil {
			if errors.Is(err, node.ErrNotConnected) {
				return err
			}
			log.Warn("dropping frame", "error", err)
		}
	}
}

// SourceFromConfig returns the file source configured for a camera, or nil.
func SourceFromConfig(c config.CameraConfig) FrameSource {
	if c.Source == "" {
		return nil
	}
	return &H264FileSource{Path: c.Source, FPS: c.FPS}
}
