package camera

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
)

// WebRTCDevice receives a remote camera from a GStreamer webrtcsink producer
// through its JSON signalling protocol.
type WebRTCDevice struct {
	SignallingURL string
	// Producer is the meta "name" of the producer to consume. Empty picks the first.
	Producer string
	// DecodeInterval bounds how often H264 is decoded into frames.
	DecodeInterval time.Duration

	Logger *slog.Logger
}

// NewWebRTCDevice creates a remote camera device.
func NewWebRTCDevice(signallingURL, producer string, logger *slog.Logger) *WebRTCDevice {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebRTCDevice{
		SignallingURL:  signallingURL,
		Producer:       producer,
		DecodeInterval: 50 * time.Millisecond,
		Logger:         logger,
	}
}

// Open connects to the producer and waits for the video track.
func (d *WebRTCDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	s := &webrtcStream{
		size:     image.Pt(c.Width, c.Height),
		producer: d.Producer,
		decoder:  newH264Decoder(d.DecodeInterval),
		trackUp:  make(chan struct{}, 1),
		logger:   d.Logger.With("signalling", d.SignallingURL),
	}
	if err := s.connect(ctx, d.SignallingURL); err != nil {
		s.Stop()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return s, nil
}

type webrtcStream struct {
	size     image.Point
	producer string
	logger   *slog.Logger

	ws      *websocket.Conn
	wsMutex sync.Mutex
	pc      *webrtc.PeerConnection

	myPeerID   string
	producerID string
	sessionID  string

	decoder *h264Decoder
	trackUp chan struct{}

	mu       sync.RWMutex
	latest   *image.RGBA
	closed   bool
	stopOnce sync.Once
}

func (s *webrtcStream) connect(ctx context.Context, url string) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	var err error
	s.ws, _, err = dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("signalling connect failed: %w", err)
	}

	if err := s.waitForWelcome(); err != nil {
		return fmt.Errorf("welcome failed: %w", err)
	}
	if err := s.findProducer(); err != nil {
		return fmt.Errorf("find producer failed: %w", err)
	}
	if err := s.createPeerConnection(); err != nil {
		return fmt.Errorf("peer connection failed: %w", err)
	}
	if err := s.send(map[string]string{"type": "startSession", "peerId": s.producerID}); err != nil {
		return fmt.Errorf("start session failed: %w", err)
	}

	go s.handleSignalling()

	select {
	case <-s.trackUp:
		s.logger.Info("remote camera connected", "producer", s.producerID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(15 * time.Second):
		return fmt.Errorf("timeout waiting for video")
	}
}

func (s *webrtcStream) waitForWelcome() error {
	s.ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, msg, err := s.ws.ReadMessage()
	s.ws.SetReadDeadline(time.Time{})
	if err != nil {
		return err
	}

	var welcome struct {
		Type   string `json:"type"`
		PeerID string `json:"peerId"`
	}
	if err := json.Unmarshal(msg, &welcome); err != nil {
		return err
	}
	if welcome.Type != "welcome" {
		return fmt.Errorf("expected welcome, got %s", welcome.Type)
	}
	s.myPeerID = welcome.PeerID
	return nil
}

func (s *webrtcStream) findProducer() error {
	if err := s.send(map[string]string{"type": "list"}); err != nil {
		return err
	}

	s.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := s.ws.ReadMessage()
	s.ws.SetReadDeadline(time.Time{})
	if err != nil {
		return err
	}

	var listResp struct {
		Type      string `json:"type"`
		Producers []struct {
			ID   string            `json:"id"`
			Meta map[string]string `json:"meta"`
		} `json:"producers"`
	}
	if err := json.Unmarshal(msg, &listResp); err != nil {
		return err
	}

	for _, p := range listResp.Producers {
		if s.producer == "" || p.Meta["name"] == s.producer {
			s.producerID = p.ID
			return nil
		}
	}
	return fmt.Errorf("producer %q not found in %d producers", s.producer, len(listResp.Producers))
}

func (s *webrtcStream) createPeerConnection() error {
	var err error
	s.pc, err = webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return err
	}

	if _, err = s.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return err
	}

	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.logger.Debug("track received", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go s.handleVideoTrack(track)
		}
	})

	s.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate != nil {
			s.sendICECandidate(candidate)
		}
	})

	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug("peer connection state", "state", state.String())
	})

	return nil
}

func (s *webrtcStream) handleSignalling() {
	for !s.isClosed() {
		_, msg, err := s.ws.ReadMessage()
		if err != nil {
			if !s.isClosed() {
				s.logger.Warn("signalling error", "error", err)
			}
			return
		}

		var base struct {
			Type      string                   `json:"type"`
			SessionID string                   `json:"sessionId"`
			SDP       *sdpMessage              `json:"sdp"`
			ICE       *webrtc.ICECandidateInit `json:"ice"`
		}
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		switch base.Type {
		case "sessionStarted":
			s.sessionID = base.SessionID
		case "peer":
			s.handlePeerMessage(base.SDP, base.ICE)
		case "endSession":
			return
		}
	}
}

type sdpMessage struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (s *webrtcStream) handlePeerMessage(sdp *sdpMessage, ice *webrtc.ICECandidateInit) {
	if sdp != nil && sdp.Type == "offer" {
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp.SDP}
		if err := s.pc.SetRemoteDescription(offer); err != nil {
			s.logger.Warn("set remote description failed", "error", err)
			return
		}
		answer, err := s.pc.CreateAnswer(nil)
		if err != nil {
			s.logger.Warn("create answer failed", "error", err)
			return
		}
		if err := s.pc.SetLocalDescription(answer); err != nil {
			s.logger.Warn("set local description failed", "error", err)
			return
		}
		_ = s.send(map[string]interface{}{
			"type":      "peer",
			"sessionId": s.sessionID,
			"sdp":       sdpMessage{Type: answer.Type.String(), SDP: answer.SDP},
		})
	}

	if ice != nil {
		if err := s.pc.AddICECandidate(*ice); err != nil {
			s.logger.Debug("add ICE candidate failed", "error", err)
		}
	}
}

func (s *webrtcStream) sendICECandidate(candidate *webrtc.ICECandidate) {
	if s.sessionID == "" {
		return
	}
	_ = s.send(map[string]interface{}{
		"type":      "peer",
		"sessionId": s.sessionID,
		"ice":       candidate.ToJSON(),
	})
}

func (s *webrtcStream) send(v interface{}) error {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	return s.ws.WriteJSON(v)
}

// handleVideoTrack depacketizes H264 into Annex-B access units and feeds the decoder.
func (s *webrtcStream) handleVideoTrack(track *webrtc.TrackRemote) {
	select {
	case s.trackUp <- struct{}{}:
	default:
	}

	depacketizer := &codecs.H264Packet{}
	var pkt *rtp.Packet

	for !s.isClosed() {
		var err error
		if pkt, _, err = track.ReadRTP(); err != nil {
			return
		}
		nal, err := depacketizer.Unmarshal(pkt.Payload)
		if err != nil || len(nal) == 0 {
			continue
		}
		s.decoder.Write(nal)

		// Marker bit ends an access unit.
		if !pkt.Marker {
			continue
		}
		img, err := s.decoder.Decode()
		if err != nil {
			s.logger.Debug("h264 decode failed", "error", err)
			continue
		}
		if img != nil {
			s.mu.Lock()
			s.latest = img
			s.mu.Unlock()
		}
	}
}

func (s *webrtcStream) Frame() (*image.RGBA, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.latest != nil
}

func (s *webrtcStream) Size() image.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest != nil {
		return s.latest.Rect.Size()
	}
	return s.size
}

func (s *webrtcStream) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *webrtcStream) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.pc != nil {
			s.pc.Close()
		}
		if s.ws != nil {
			s.ws.Close()
		}
	})
	return nil
}
