package media

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/meshchat/internal/models"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	videoMTU = 1400
	audioMTU = 1200
)

// Endpoint is where an external encoder (gst-launch, ffmpeg) sends RTP for
// one stream type. An empty address disables that track.
type Endpoint struct {
	VideoAddr string
	AudioAddr string
}

// RTPSource captures streams by listening for RTP datagrams: VP8 on the
// video address and Opus on the audio address.
type RTPSource struct {
	endpoints map[models.StreamType]Endpoint
	logger    *zap.Logger
}

// NewRTPSource returns a source reading camera input from mediaEP and screen
// input from displayEP.
func NewRTPSource(mediaEP, displayEP Endpoint, logger *zap.Logger) *RTPSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RTPSource{
		endpoints: map[models.StreamType]Endpoint{
			models.StreamTypeMedia:   mediaEP,
			models.StreamTypeDisplay: displayEP,
		},
		logger: logger,
	}
}

type input struct {
	addr     string
	mime     string
	kind     string
	mtu      int
	listener *net.UDPConn
	track    *webrtc.TrackLocalStaticRTP
}

func (s *RTPSource) Capture(ctx context.Context, t models.StreamType, c Constraints) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ep := s.endpoints[t]
	var inputs []*input
	if c.Video && ep.VideoAddr != "" {
		inputs = append(inputs, &input{addr: ep.VideoAddr, mime: webrtc.MimeTypeVP8, kind: "video", mtu: videoMTU})
	}
	if c.Audio && ep.AudioAddr != "" {
		inputs = append(inputs, &input{addr: ep.AudioAddr, mime: webrtc.MimeTypeOpus, kind: "audio", mtu: audioMTU})
	}
	if len(inputs) == 0 {
		return nil, ErrNoTracks
	}

	streamID := uuid.NewString()
	closeAll := func() {
		for _, in := range inputs {
			if in.listener != nil {
				_ = in.listener.Close()
			}
		}
	}
	tracks := make([]webrtc.TrackLocal, 0, len(inputs))
	for _, in := range inputs {
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: in.mime}, in.kind+"-"+uuid.NewString()[:8], streamID)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("%s track: %w", in.kind, err)
		}
		udpAddr, err := net.ResolveUDPAddr("udp", in.addr)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("resolve %s: %w", in.addr, err)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("listen %s: %w", in.addr, err)
		}
		in.listener = conn
		in.track = track
		tracks = append(tracks, track)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	log := s.logger.With(zap.String("stream", streamID), zap.String("type", string(t)))
	for _, in := range inputs {
		go pump(pumpCtx, in.listener, in.track, in.mtu, log.With(zap.String("kind", in.kind)))
	}
	log.Info("capture started", zap.Int("tracks", len(tracks)))

	return NewLocalStream(streamID, t, tracks, func() {
		cancel()
		closeAll()
		log.Info("capture stopped")
	}), nil
}

// pump forwards RTP packets read from conn into track until ctx ends or the
// listener is closed.
func pump(ctx context.Context, conn *net.UDPConn, track *webrtc.TrackLocalStaticRTP, mtu int, logger *zap.Logger) {
	buf := make([]byte, mtu)
	for {
		// keep the read unblocked with a short timeout
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				select {
				case <-ctx.Done():
					return
				default:
					continue
				}
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Error("udp read failed", zap.Error(err))
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			// ignore non-RTP
			continue
		}
		if err := track.WriteRTP(&pkt); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("track write failed", zap.Error(err))
		}
	}
}
