package webrtcnode

import (
	"context"
	"sync"
)

// Signaler exchanges complete SDP descriptions between the participants of
// one room. ICE is vanilla: candidates are gathered before a description is
// published, so one offer and one answer establish a connection.
type Signaler interface {
	// PublishOffer stores an offer from participant from to participant to.
	PublishOffer(ctx context.Context, from, to, sdp string) error

	// PublishAnswer stores the answer of answerer to offerer's offer.
	PublishAnswer(ctx context.Context, offerer, answerer, sdp string) error

	// PollOffers returns offers addressed to target that target has not
	// seen yet.
	PollOffers(ctx context.Context, target string) ([]SignalMessage, error)

	// PollAnswers returns answers to offers made by offerer that offerer
	// has not seen yet.
	PollAnswers(ctx context.Context, offerer string) ([]SignalMessage, error)
}

// SignalMessage is one stored offer or answer.
type SignalMessage struct {
	// From is the participant that published the description.
	From string `json:"from"`
	// To is the participant the description is addressed to.
	To  string `json:"to"`
	SDP string `json:"sdp"`
	// Seq increases with every publish in the room.
	Seq uint64 `json:"seq"`
}

var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is an in-process Signaler. Participants sharing one
// instance are in the same room.
type MemorySignaler struct {
	mu       sync.Mutex
	seq      uint64
	offers   map[string]SignalMessage // key: from|to
	answers  map[string]SignalMessage // key: from|to
	lastSeen map[string]uint64
}

// NewMemorySignaler returns an empty room.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:   make(map[string]SignalMessage),
		answers:  make(map[string]SignalMessage),
		lastSeen: make(map[string]uint64),
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, from, to, sdp string) error {
	s.store(s.offers, from, to, sdp)
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offerer, answerer, sdp string) error {
	s.store(s.answers, answerer, offerer, sdp)
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, target string) ([]SignalMessage, error) {
	return s.poll(s.offers, "offers", target), nil
}

func (s *MemorySignaler) PollAnswers(_ context.Context, offerer string) ([]SignalMessage, error) {
	return s.poll(s.answers, "answers", offerer), nil
}

func (s *MemorySignaler) store(m map[string]SignalMessage, from, to, sdp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	m[from+"|"+to] = SignalMessage{From: from, To: to, SDP: sdp, Seq: s.seq}
}

func (s *MemorySignaler) poll(m map[string]SignalMessage, label, to string) []SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return unseen(s.lastSeen, label, to, m)
}

// unseen returns the messages in m addressed to to that are newer than the
// last one consumed for the same sender, updating lastSeen.
func unseen(lastSeen map[string]uint64, label, to string, m map[string]SignalMessage) []SignalMessage {
	var out []SignalMessage
	for _, msg := range m {
		if msg.To != to {
			continue
		}
		key := label + ":" + msg.From + "|" + msg.To
		if msg.Seq <= lastSeen[key] {
			continue
		}
		lastSeen[key] = msg.Seq
		out = append(out, msg)
	}
	return out
}
