package webrtcnode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tactilerobotics/teleop/pkg/node"
)

const httpSignalerTimeout = 10 * time.Second

var _ Signaler = (*HTTPSignaler)(nil)

// HTTPSignaler talks to the backend signaling endpoints of one room:
//
//	POST {server}/signal/rooms/{room}/offers    {"from","to","sdp"}
//	GET  {server}/signal/rooms/{room}/offers?to={participant}
//	POST {server}/signal/rooms/{room}/answers   {"from","to","sdp"}
//	GET  {server}/signal/rooms/{room}/answers?to={participant}
//
// Every request carries the session token as a bearer credential.
type HTTPSignaler struct {
	base   string
	token  string
	client *http.Client

	mu       sync.Mutex
	lastSeen map[string]uint64
}

// NewHTTPSignaler returns a signaler for the room of session.
func NewHTTPSignaler(session node.Session, client *http.Client) (*HTTPSignaler, error) {
	if session.ServerURL == "" {
		return nil, fmt.Errorf("session has no server url")
	}
	if session.RoomName == "" {
		return nil, fmt.Errorf("session has no room")
	}
	if client == nil {
		client = &http.Client{Timeout: httpSignalerTimeout}
	}
	base := strings.TrimRight(session.ServerURL, "/") + "/signal/rooms/" + url.PathEscape(session.RoomName)
	return &HTTPSignaler{
		base:     base,
		token:    session.Token,
		client:   client,
		lastSeen: make(map[string]uint64),
	}, nil
}

type signalList struct {
	Messages []SignalMessage `json:"messages"`
}

func (s *HTTPSignaler) PublishOffer(ctx context.Context, from, to, sdp string) error {
	return s.post(ctx, "offers", SignalMessage{From: from, To: to, SDP: sdp})
}

func (s *HTTPSignaler) PublishAnswer(ctx context.Context, offerer, answerer, sdp string) error {
	return s.post(ctx, "answers", SignalMessage{From: answerer, To: offerer, SDP: sdp})
}

func (s *HTTPSignaler) PollOffers(ctx context.Context, target string) ([]SignalMessage, error) {
	return s.poll(ctx, "offers", target)
}

func (s *HTTPSignaler) PollAnswers(ctx context.Context, offerer string) ([]SignalMessage, error) {
	return s.poll(ctx, "answers", offerer)
}

func (s *HTTPSignaler) post(ctx context.Context, kind string, msg SignalMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/"+kind, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = s.do(req)
	return err
}

func (s *HTTPSignaler) poll(ctx context.Context, kind, to string) ([]SignalMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/"+kind+"?to="+url.QueryEscape(to), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	body, err := s.do(req)
	if err != nil {
		return nil, err
	}
	var list signalList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}

	stored := make(map[string]SignalMessage, len(list.Messages))
	for _, msg := range list.Messages {
		stored[msg.From+"|"+msg.To] = msg
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return unseen(s.lastSeen, kind, to, stored), nil
}

func (s *HTTPSignaler) do(req *http.Request) ([]byte, error) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signaling request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read signaling response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("signaling %s %s: status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
