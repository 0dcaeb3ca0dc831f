// Command meshconf-peer is a headless conference participant. It joins a
// room, negotiates a peer connection with every other participant and feeds
// silent audio, which makes it useful for soak tests and as a reference for
// embedding the conference client.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/meshconf/meshconf/internal/capture"
	"github.com/meshconf/meshconf/internal/conference"
	"github.com/meshconf/meshconf/internal/peersession"
	"github.com/meshconf/meshconf/internal/protocol"
)

func main() {
	var (
		server = flag.String("server", "http://127.0.0.1:8080", "base URL of the meshconf server")
		room   = flag.String("room", "lobby", "room to join")
		name   = flag.String("name", "meshconf-peer", "display name")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger, *server, *room, *name); err != nil {
		logger.Error("peer exited", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, server, room, name string) error {
	iceServers, err := fetchICEServers(server)
	if err != nil {
		return fmt.Errorf("fetch ice servers: %w", err)
	}

	wsURL, err := websocketURL(server)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := conference.Dial(ctx, conference.Config{
		ServerURL:  wsURL,
		Room:       room,
		Name:       name,
		ICEServers: iceServers,
		Devices:    capture.StaticDevices{},
		OnPeerState: func(remoteID string, st peersession.State) {
			logger.Info("peer state", "remote", remoteID, "state", st.String())
		},
		OnRemoteTrack: func(remoteID string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			logger.Info("remote track", "remote", remoteID, "kind", track.Kind().String())
			go drainTrack(track)
		},
		OnChat: func(msg conference.ChatMessage) {
			logger.Info("chat", "name", msg.Name, "text", msg.Text, "at", msg.At.Format(time.RFC3339))
		},
		OnPresence: func(ev conference.PresenceEvent) {
			logger.Info("presence", "type", string(ev.Type), "id", ev.ID, "count", ev.Count)
		},
		OnServerError: func(code, message string) {
			logger.Error("server rejected request", "code", code, "message", message)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer client.Leave()

	go feedSilence(client)

	select {
	case <-ctx.Done():
		logger.Info("leaving room")
	case <-client.Done():
		logger.Info("connection closed by server")
	}
	return nil
}

// feedSilence writes empty audio samples at a voice-frame cadence so the
// outbound track carries RTP while the microphone is enabled.
func feedSilence(client *conference.Client) {
	writer, ok := client.Media().AudioTrack().(interface {
		WriteSample(media.Sample) error
	})
	if !ok {
		return
	}

	const frame = 20 * time.Millisecond
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	for {
		select {
		case <-client.Done():
			return
		case <-ticker.C:
			if !client.Media().Enabled(protocol.MediaKindMic) {
				continue
			}
			if err := writer.WriteSample(media.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: frame}); err != nil {
				return
			}
		}
	}
}

func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func fetchICEServers(server string) ([]webrtc.ICEServer, error) {
	resp, err := http.Get(strings.TrimRight(server, "/") + "/webrtc/ice")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.ICEServers, nil
}

func websocketURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
