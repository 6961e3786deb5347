package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"github.com/nfnt/resize"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/net/proxy"
	"google.golang.org/protobuf/proto"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

type SessionEventKind int

const (
	EventChallenge SessionEventKind = iota
	EventAuthenticated
	EventReady
	EventAuthFailure
	EventDisconnected
)

func (k SessionEventKind) String() string {
	switch k {
	case EventChallenge:
		return "challenge"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventAuthFailure:
		return "authFailure"
	case EventDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// SessionEvent is the typed union delivered by an automation session. The
// controller consumes these in emission order through a single loop.
type SessionEvent struct {
	Kind SessionEventKind
	Code string
	Err  error
}

type LaunchMode int

const (
	// LaunchResume reuses the stored device identity; no challenge is
	// expected on this path.
	LaunchResume LaunchMode = iota
	// LaunchFresh bootstraps a brand new device and surfaces challenge
	// tokens until one is scanned.
	LaunchFresh
)

func (m LaunchMode) String() string {
	if m == LaunchFresh {
		return "fresh"
	}
	return "resume"
}

// AutomationSession wraps the browser-driven WhatsApp client. It is owned
// exclusively by the lifecycle controller; nothing else calls into it.
type AutomationSession interface {
	Events() <-chan SessionEvent
	SendText(ctx context.Context, to string, text string) (string, error)
	SendImage(ctx context.Context, to string, caption string, data []byte, mimeType string) (string, error)
	ExportCredentials(ctx context.Context) ([]CredentialRecord, error)
	Connected() bool
	Close()
}

// SessionFactory builds one automation session in the given launch mode.
type SessionFactory func(ctx context.Context, mode LaunchMode) (AutomationSession, error)

// storedCreds is the payload of the primary credential record: just enough
// to find the resumable device again. The heavy cryptographic state stays
// inside the automation layer's own tables.
type storedCreds struct {
	JID      string `json:"jid"`
	PushName string `json:"pushName"`
	Platform string `json:"platform"`
}

type whatsmeowFactory struct {
	container *sqlstore.Container
	creds     CredentialStore
	clientID  string
	osName    string
	proxyURL  string
	debug     string
	terminal  bool
}

func newWhatsmeowFactory(container *sqlstore.Container, creds CredentialStore, clientID, osName, proxyURL, debug string, terminal bool) *whatsmeowFactory {
	store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_DESKTOP.Enum()
	store.DeviceProps.Os = proto.String(osName)
	return &whatsmeowFactory{
		container: container,
		creds:     creds,
		clientID:  clientID,
		osName:    osName,
		proxyURL:  proxyURL,
		debug:     debug,
		terminal:  terminal,
	}
}

func parseJID(arg string) (types.JID, bool) {
	if arg == "" {
		return types.JID{}, false
	}
	if arg[0] == '+' {
		arg = arg[1:]
	}
	if !strings.ContainsRune(arg, '@') {
		return types.NewJID(arg, types.DefaultUserServer), true
	}
	recipient, err := types.ParseJID(arg)
	if err != nil {
		log.Error().Err(err).Msg("Invalid JID")
		return recipient, false
	} else if recipient.User == "" {
		log.Error().Msg("Invalid JID no server specified")
		return recipient, false
	}
	return recipient, true
}

// NewSession implements SessionFactory over whatsmeow.
func (f *whatsmeowFactory) NewSession(ctx context.Context, mode LaunchMode) (AutomationSession, error) {
	var deviceStore *store.Device

	if mode == LaunchResume {
		rec, err := f.creds.GetCredential(ctx, f.clientID)
		if err != nil {
			return nil, fmt.Errorf("read credential record: %w", err)
		}
		var sc storedCreds
		if err := json.Unmarshal(rec.Payload, &sc); err != nil {
			return nil, fmt.Errorf("decode credential record: %w", err)
		}
		jid, ok := parseJID(sc.JID)
		if !ok {
			return nil, fmt.Errorf("credential record holds unusable jid %q", sc.JID)
		}
		deviceStore, err = f.container.GetDevice(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("get device %s: %w", jid, err)
		}
		if deviceStore == nil {
			return nil, fmt.Errorf("device %s not found in automation store", jid)
		}
	} else {
		log.Warn().Msg("No usable credential record. Creating new device")
		deviceStore = f.container.NewDevice()
	}

	var clientLog waLog.Logger
	if f.debug != "" {
		clientLog = waLog.Stdout("Client", f.debug, f.terminal)
	}
	client := whatsmeow.NewClient(deviceStore, clientLog)
	// The controller owns reconnection; the client must not race it with
	// its own relaunch attempts.
	client.EnableAutoReconnect = false

	if f.proxyURL != "" {
		f.configureProxy(client)
	}

	s := &waSession{
		client: client,
		events: make(chan SessionEvent, 32),
	}
	s.handlerID = client.AddEventHandler(s.handleEvent)

	if mode == LaunchFresh || client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			if !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
				s.Close()
				return nil, fmt.Errorf("get challenge channel: %w", err)
			}
			// Store already carries an ID, fall through to a plain connect.
			if err := client.Connect(); err != nil {
				s.Close()
				return nil, fmt.Errorf("connect: %w", err)
			}
			return s, nil
		}
		// Must connect before challenge codes are produced.
		if err := client.Connect(); err != nil {
			s.Close()
			return nil, fmt.Errorf("connect: %w", err)
		}
		go s.pumpChallenges(qrChan, f.terminal)
		return s, nil
	}

	if err := client.Connect(); err != nil {
		s.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return s, nil
}

func (f *whatsmeowFactory) configureProxy(client *whatsmeow.Client) {
	parsed, err := url.Parse(f.proxyURL)
	if err != nil {
		log.Warn().Err(err).Str("proxy", f.proxyURL).Msg("Invalid proxy URL, skipping proxy setup")
		return
	}
	if parsed.Scheme == "socks5" || parsed.Scheme == "socks5h" {
		dialer, derr := proxy.FromURL(parsed, nil)
		if derr != nil {
			log.Warn().Err(derr).Str("proxy", f.proxyURL).Msg("Failed to build SOCKS proxy dialer, skipping proxy setup")
			return
		}
		client.SetSOCKSProxy(dialer, whatsmeow.SetProxyOptions{})
		log.Info().Msg("SOCKS proxy configured")
		return
	}
	client.SetProxyAddress(parsed.String(), whatsmeow.SetProxyOptions{})
	log.Info().Msg("HTTP/HTTPS proxy configured")
}

type waSession struct {
	client    *whatsmeow.Client
	events    chan SessionEvent
	handlerID uint32

	mu     sync.Mutex
	closed bool
}

func (s *waSession) Events() <-chan SessionEvent {
	return s.events
}

func (s *waSession) emit(ev SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		log.Warn().Str("kind", ev.Kind.String()).Msg("Session event buffer full, event dropped")
	}
}

func (s *waSession) pumpChallenges(qrChan <-chan whatsmeow.QRChannelItem, terminal bool) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if terminal {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
			}
			s.emit(SessionEvent{Kind: EventChallenge, Code: evt.Code})
		case "success":
			log.Info().Msg("Challenge scan ok, pairing complete")
			s.emit(SessionEvent{Kind: EventAuthenticated})
		case "timeout":
			log.Warn().Msg("Challenge timed out before being scanned")
			s.emit(SessionEvent{Kind: EventAuthFailure, Err: errors.New("challenge timeout")})
		default:
			log.Info().Str("event", evt.Event).Msg("Login event")
		}
	}
}

func (s *waSession) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Connected, *events.PushNameSetting:
		if len(s.client.Store.PushName) > 0 {
			// Outgoing messages carry the right pushname only after we
			// announce ourselves as available.
			if err := s.client.SendPresence(context.Background(), types.PresenceAvailable); err != nil {
				log.Warn().Err(err).Msg("Failed to send available presence")
			}
		}
		s.emit(SessionEvent{Kind: EventReady})
	case *events.PairSuccess:
		log.Info().Str("jid", evt.ID.String()).Str("platform", evt.Platform).Msg("Pair success")
		s.emit(SessionEvent{Kind: EventAuthenticated})
	case *events.LoggedOut:
		s.emit(SessionEvent{Kind: EventAuthFailure, Err: fmt.Errorf("logged out: %v", evt.Reason)})
	case *events.StreamReplaced:
		s.emit(SessionEvent{Kind: EventDisconnected, Err: errors.New("stream replaced")})
	case *events.Disconnected:
		s.emit(SessionEvent{Kind: EventDisconnected})
	}
}

func (s *waSession) Connected() bool {
	return s.client.IsConnected()
}

func (s *waSession) SendText(ctx context.Context, to string, text string) (string, error) {
	recipient, ok := parseJID(to)
	if !ok {
		return "", errors.New("could not parse destination")
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	if link := firstURL(text); link != "" {
		if preview := fetchLinkPreview(ctx, link); preview != nil {
			ext := &waE2E.ExtendedTextMessage{
				Text:        proto.String(text),
				MatchedText: proto.String(link),
			}
			if preview.Title != "" {
				ext.Title = proto.String(preview.Title)
			}
			if preview.Description != "" {
				ext.Description = proto.String(preview.Description)
			}
			if len(preview.Thumbnail) > 0 {
				ext.JPEGThumbnail = preview.Thumbnail
			}
			msg = &waE2E.Message{ExtendedTextMessage: ext}
		}
	}

	msgid := s.client.GenerateMessageID()
	resp, err := s.client.SendMessage(ctx, recipient, msg, whatsmeow.SendRequestExtra{ID: msgid})
	if err != nil {
		return "", err
	}
	log.Info().Str("timestamp", fmt.Sprintf("%v", resp.Timestamp)).Str("id", msgid).Msg("Message sent")
	return msgid, nil
}

func (s *waSession) SendImage(ctx context.Context, to string, caption string, data []byte, mimeType string) (string, error) {
	recipient, ok := parseJID(to)
	if !ok {
		return "", errors.New("could not parse destination")
	}

	uploaded, err := s.client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	thumbnail, err := makeJPEGThumbnail(data)
	if err != nil {
		log.Warn().Err(err).Msg("Could not build thumbnail, sending without one")
	}

	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	msg := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		Caption:       proto.String(caption),
		URL:           proto.String(uploaded.URL),
		DirectPath:    proto.String(uploaded.DirectPath),
		MediaKey:      uploaded.MediaKey,
		Mimetype:      proto.String(mimeType),
		FileEncSHA256: uploaded.FileEncSHA256,
		FileSHA256:    uploaded.FileSHA256,
		FileLength:    proto.Uint64(uint64(len(data))),
		JPEGThumbnail: thumbnail,
	}}

	msgid := s.client.GenerateMessageID()
	resp, err := s.client.SendMessage(ctx, recipient, msg, whatsmeow.SendRequestExtra{ID: msgid})
	if err != nil {
		return "", err
	}
	log.Info().Str("timestamp", fmt.Sprintf("%v", resp.Timestamp)).Str("id", msgid).Msg("Image sent")
	return msgid, nil
}

func (s *waSession) ExportCredentials(ctx context.Context) ([]CredentialRecord, error) {
	if s.client.Store == nil || s.client.Store.ID == nil {
		return nil, errors.New("no device identity to export yet")
	}
	sc := storedCreds{
		JID:      s.client.Store.ID.String(),
		PushName: s.client.Store.PushName,
		Platform: s.client.Store.Platform,
	}
	payload, err := json.Marshal(sc)
	if err != nil {
		return nil, err
	}
	props, err := json.Marshal(map[string]string{"os": store.DeviceProps.GetOs()})
	if err != nil {
		return nil, err
	}
	return []CredentialRecord{
		{Key: credentialRecordKey, Payload: payload},
		{Key: devicePropsRecordKey, Payload: props},
	}, nil
}

// Close releases the underlying client completely. Safe to call more than
// once; replacement sessions must never share resources with a closed one.
func (s *waSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.client.RemoveEventHandler(s.handlerID)
	s.client.Disconnect()
	close(s.events)
}

// makeJPEGThumbnail resizes to fit 72x72 with Lanczos resampling and
// preserves aspect ratio.
func makeJPEGThumbnail(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	m := resize.Thumbnail(72, 72, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, m, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
