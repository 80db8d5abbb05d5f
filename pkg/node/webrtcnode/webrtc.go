// Package webrtcnode implements the "webrtc" node protocol on pion/webrtc.
//
// Robot-side nodes are answerers: they poll the room's Signaler for offers
// addressed to their node id and answer those from allowed sources, one
// PeerConnection per remote participant. Payloads travel on data channels.
// Publishers also attach their media tracks to every answered connection.
// Operators reach a node with Dial.
package webrtcnode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/tactilerobotics/teleop/pkg/logging"
	"github.com/tactilerobotics/teleop/pkg/node"
)

// ProtocolName is the registry name of this protocol.
const ProtocolName = "webrtc"

// DataChannelLabel is the label of the channel operators open for payloads.
const DataChannelLabel = "data"

const (
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultGatherTimeout = 15 * time.Second
)

// Options configures every node built by the protocol.
type Options struct {
	ICEServers []webrtc.ICEServer

	// PollInterval is how often answerers poll for new offers.
	PollInterval time.Duration

	// GatherTimeout bounds vanilla ICE candidate gathering.
	GatherTimeout time.Duration

	// NewSignaler returns the signaler for a session's room. Nil uses an
	// HTTPSignaler against the session's server url.
	NewSignaler func(session node.Session) (Signaler, error)
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.GatherTimeout <= 0 {
		o.GatherTimeout = DefaultGatherTimeout
	}
	if o.NewSignaler == nil {
		o.NewSignaler = func(session node.Session) (Signaler, error) {
			return NewHTTPSignaler(session, &http.Client{Timeout: httpSignalerTimeout})
		}
	}
	return o
}

// NewProtocol returns the webrtc protocol for a node.Registry.
func NewProtocol(opts Options) node.Protocol {
	return node.ProtocolFuncs{
		ProtocolName: ProtocolName,
		Publisher: func(cfg node.PublisherConfig) (node.Publisher, error) {
			return NewPublisher(cfg, opts)
		},
		Subscriber: func(cfg node.SubscriberConfig) (node.Subscriber, error) {
			return NewSubscriber(cfg, opts)
		},
	}
}

// newAPI returns a pion API with the default codecs registered and loopback
// candidates enabled, so peers on one host can reach each other.
func newAPI() (*webrtc.API, error) {
	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	return webrtc.NewAPI(webrtc.WithMediaEngine(media), webrtc.WithSettingEngine(settingEngine)), nil
}

func waitGathering(ctx context.Context, done <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("ICE gathering timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// peer is one answered PeerConnection.
type peer struct {
	remote string
	pc     *webrtc.PeerConnection

	mu       sync.Mutex
	channels map[*webrtc.DataChannel]struct{}
}

func (p *peer) addChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channels == nil {
		p.channels = make(map[*webrtc.DataChannel]struct{})
	}
	p.channels[dc] = struct{}{}
}

func (p *peer) removeChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.channels, dc)
}

func (p *peer) openChannels() []*webrtc.DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*webrtc.DataChannel, 0, len(p.channels))
	for dc := range p.channels {
		if dc.ReadyState() == webrtc.DataChannelStateOpen {
			out = append(out, dc)
		}
	}
	return out
}

// answerer is the connection half shared by Publisher and Subscriber.
type answerer struct {
	id      string
	role    node.Role
	session node.Session
	opts    Options
	filter  node.SourceFilter
	tracks  []webrtc.TrackLocal
	logger  *slog.Logger
	api     *webrtc.API

	// onMessage receives every data channel message from an allowed peer.
	onMessage func(remote string, data []byte)

	mu     sync.Mutex
	state  node.State
	peers  map[string]*peer
	cancel context.CancelFunc
	done   chan struct{}
	// abort cancels a connect in progress; settled closes when it returns.
	abort   context.CancelFunc
	settled chan struct{}
}

func newAnswerer(id string, role node.Role, session node.Session, opts Options, logger *slog.Logger) (*answerer, error) {
	if id == "" {
		return nil, errors.New("node id is required")
	}
	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	return &answerer{
		id:      id,
		role:    role,
		session: session,
		opts:    opts.withDefaults(),
		logger:  logging.OrDefault(logger).With("node_id", id, "role", role, "protocol", ProtocolName),
		api:     api,
		peers:   make(map[string]*peer),
	}, nil
}

func (a *answerer) ID() string      { return a.id }
func (a *answerer) Role() node.Role { return a.role }

func (a *answerer) State() node.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Peers returns the remote participants with a live PeerConnection.
func (a *answerer) Peers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.peers))
	for remote := range a.peers {
		out = append(out, remote)
	}
	return out
}

func (a *answerer) connect(ctx context.Context) error {
	a.mu.Lock()
	if a.state != node.StateDisconnected {
		a.mu.Unlock()
		return node.ErrAlreadyConnected
	}
	a.state = node.StateConnecting
	ctx, abort := context.WithCancel(ctx)
	settled := make(chan struct{})
	a.abort, a.settled = abort, settled
	a.mu.Unlock()
	defer func() {
		abort()
		close(settled)
	}()

	fail := func(err error) error {
		a.mu.Lock()
		a.state = node.StateDisconnected
		peers := a.takePeersLocked()
		a.mu.Unlock()
		closePeers(peers)
		return &node.ConnectionError{NodeID: a.id, Protocol: ProtocolName, Err: err}
	}

	signaler, err := a.opts.NewSignaler(a.session)
	if err != nil {
		return fail(fmt.Errorf("signaler: %w", err))
	}
	if err := a.poll(ctx, signaler); err != nil {
		return fail(err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.mu.Lock()
	if err := ctx.Err(); err != nil {
		a.mu.Unlock()
		cancel()
		return fail(fmt.Errorf("connect aborted: %w", err))
	}
	a.cancel = cancel
	a.done = done
	a.state = node.StateConnected
	a.mu.Unlock()

	go a.pollLoop(loopCtx, signaler, done)
	a.logger.Info("node connected", "room", a.session.RoomName, "sources", a.filter.Sources())
	return nil
}

// disconnect tears the node down. A connect still in progress is aborted and
// waited for, so the node is disconnected when this returns.
func (a *answerer) disconnect() error {
	a.mu.Lock()
	switch a.state {
	case node.StateConnecting:
		abort, settled := a.abort, a.settled
		abort()
		a.mu.Unlock()
		<-settled
		a.logger.Info("connect aborted by disconnect")
		return nil
	case node.StateDisconnected:
		a.mu.Unlock()
		return nil
	}
	a.state = node.StateDisconnected
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	cancel()
	<-done

	a.mu.Lock()
	peers := a.takePeersLocked()
	a.mu.Unlock()

	err := closePeers(peers)
	a.logger.Info("node disconnected", "peers", len(peers))
	return err
}

func (a *answerer) takePeersLocked() []*peer {
	peers := make([]*peer, 0, len(a.peers))
	for _, p := range a.peers {
		peers = append(peers, p)
	}
	a.peers = make(map[string]*peer)
	return peers
}

func closePeers(peers []*peer) error {
	var errs []error
	for _, p := range peers {
		if err := p.pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer %s: %w", p.remote, err))
		}
	}
	return errors.Join(errs...)
}

func (a *answerer) pollLoop(ctx context.Context, signaler Signaler, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.poll(ctx, signaler); err != nil && ctx.Err() == nil {
				a.logger.Warn("polling offers failed", "error", err)
			}
		}
	}
}

// poll answers every new offer addressed to this node. Only a failure to
// poll is returned; a failed answer is logged and the offerer may retry.
func (a *answerer) poll(ctx context.Context, signaler Signaler) error {
	offers, err := signaler.PollOffers(ctx, a.id)
	if err != nil {
		return fmt.Errorf("polling offers: %w", err)
	}
	for _, offer := range offers {
		if !a.filter.Allows(offer.From) {
			a.logger.Debug("ignoring offer from source outside allow-list", "remote", offer.From)
			continue
		}
		if err := a.answer(ctx, signaler, offer); err != nil {
			a.logger.Warn("answering offer failed", "remote", offer.From, "error", err)
		}
	}
	return nil
}

func (a *answerer) answer(ctx context.Context, signaler Signaler, offer SignalMessage) error {
	pc, err := a.api.NewPeerConnection(webrtc.Configuration{ICEServers: a.opts.ICEServers})
	if err != nil {
		return fmt.Errorf("creating peer connection: %w", err)
	}
	p := &peer{remote: offer.From, pc: pc}
	log := a.logger.With("remote", offer.From)

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debug("ICE connection state changed", "state", state.String())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			log.Info("peer connected")
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if a.dropPeer(p) {
				log.Info("peer gone", "state", state.String())
				go p.pc.Close()
			}
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			p.addChannel(dc)
			log.Debug("data channel open", "label", dc.Label())
		})
		dc.OnClose(func() { p.removeChannel(dc) })
		if a.onMessage != nil {
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				a.onMessage(offer.From, msg.Data)
			})
		}
	})

	fail := func(err error) error {
		pc.Close()
		return err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return fail(fmt.Errorf("setting remote description: %w", err))
	}
	for _, track := range a.tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fail(fmt.Errorf("adding track %s: %w", track.ID(), err))
		}
		go drainRTCP(sender)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("creating answer: %w", err))
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("setting local description: %w", err))
	}
	if err := waitGathering(ctx, gatherComplete, a.opts.GatherTimeout); err != nil {
		return fail(err)
	}
	if err := signaler.PublishAnswer(ctx, offer.From, a.id, pc.LocalDescription().SDP); err != nil {
		return fail(fmt.Errorf("publishing answer: %w", err))
	}

	a.mu.Lock()
	if a.state == node.StateDisconnected {
		a.mu.Unlock()
		return fail(node.ErrNotConnected)
	}
	old := a.peers[offer.From]
	a.peers[offer.From] = p
	a.mu.Unlock()

	if old != nil {
		log.Debug("replacing previous peer connection")
		old.pc.Close()
	}
	log.Debug("answered offer")
	return nil
}

// dropPeer forgets p if it is still the current connection of its remote.
func (a *answerer) dropPeer(p *peer) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.peers[p.remote] != p {
		return false
	}
	delete(a.peers, p.remote)
	return true
}

func (a *answerer) openChannels() []*webrtc.DataChannel {
	a.mu.Lock()
	peers := make([]*peer, 0, len(a.peers))
	for _, p := range a.peers {
		peers = append(peers, p)
	}
	a.mu.Unlock()

	var out []*webrtc.DataChannel
	for _, p := range peers {
		out = append(out, p.openChannels()...)
	}
	return out
}

// drainRTCP reads RTCP for a sender until it closes. pion needs the reads to
// run interceptors such as NACK handling.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

var (
	_ node.Subscriber = (*Subscriber)(nil)
	_ node.Publisher  = (*Publisher)(nil)
)

// Subscriber receives payloads over data channels opened by allowed
// sources.
type Subscriber struct {
	*answerer
	dispatcher *node.Dispatcher
}

// NewSubscriber builds a disconnected subscriber.
func NewSubscriber(cfg node.SubscriberConfig, opts Options) (*Subscriber, error) {
	a, err := newAnswerer(cfg.NodeID, node.RoleSubscriber, cfg.Session, opts, cfg.Logger)
	if err != nil {
		return nil, err
	}
	a.filter = node.NewSourceFilter(cfg.Sources)
	s := &Subscriber{
		answerer:   a,
		dispatcher: node.NewDispatcher(cfg.NodeID, a.logger, cfg.Metrics),
	}
	a.onMessage = s.receive
	return s, nil
}

func (s *Subscriber) RegisterDataCallback(cb node.DataCallback) {
	s.dispatcher.SetCallback(cb)
}

func (s *Subscriber) Connect(ctx context.Context) error {
	if s.State() != node.StateDisconnected {
		return node.ErrAlreadyConnected
	}
	s.dispatcher.Start()
	if err := s.connect(ctx); err != nil {
		if !errors.Is(err, node.ErrAlreadyConnected) {
			s.dispatcher.Stop()
		}
		return err
	}
	return nil
}

// Disconnect stops accepting messages and waits for running callbacks before
// closing the peer connections.
func (s *Subscriber) Disconnect(ctx context.Context) error {
	if failed := s.dispatcher.Stop(); failed > 0 {
		s.logger.Warn("data callbacks failed during session", "failed", failed)
	}
	return s.disconnect()
}

func (s *Subscriber) receive(remote string, data []byte) {
	if !s.filter.Allows(remote) {
		return
	}
	s.dispatcher.Dispatch(remote, data)
}

// Publisher sends payloads on every open data channel and carries its media
// tracks to every answered peer.
type Publisher struct {
	*answerer
}

// NewPublisher builds a disconnected publisher. Every track must be a
// webrtc.TrackLocal.
func NewPublisher(cfg node.PublisherConfig, opts Options) (*Publisher, error) {
	a, err := newAnswerer(cfg.NodeID, node.RolePublisher, cfg.Session, opts, cfg.Logger)
	if err != nil {
		return nil, err
	}
	for _, t := range cfg.Tracks {
		local, ok := t.(webrtc.TrackLocal)
		if !ok {
			return nil, fmt.Errorf("track %s: %T is not a webrtc.TrackLocal", t.ID(), t)
		}
		a.tracks = append(a.tracks, local)
	}
	return &Publisher{answerer: a}, nil
}

func (p *Publisher) Connect(ctx context.Context) error {
	return p.connect(ctx)
}

func (p *Publisher) Disconnect(ctx context.Context) error {
	return p.disconnect()
}

// SendData writes payload to every open data channel. With no peer
// listening it is a no-op.
func (p *Publisher) SendData(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.State() != node.StateConnected {
		return node.ErrNotConnected
	}
	var errs []error
	for _, dc := range p.openChannels() {
		if err := dc.Send(payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
