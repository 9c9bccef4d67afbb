// Package server hosts the relay HTTP/WebSocket process.
//
// Every connected client shares one broadcast stream: messages accepted from
// any session are fanned out to all sessions in a single global order.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/websocket"
	"google.golang.org/grpc/codes"

	apperrors "github.com/karashiiro/mogmog/internal/errors"
	"github.com/karashiiro/mogmog/internal/platform/timeouts"
	"github.com/karashiiro/mogmog/internal/relay/hub"
	"github.com/karashiiro/mogmog/internal/relay/identity"
	"github.com/karashiiro/mogmog/internal/relay/moderation"
	"github.com/karashiiro/mogmog/internal/relay/registry"
	"github.com/karashiiro/mogmog/internal/relay/storage/sqlite"
	"github.com/karashiiro/mogmog/internal/relay/telemetry"
	"github.com/karashiiro/mogmog/internal/relay/worlds"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxContentRunes     = 500
	maxDisplayNameRunes = 64

	defaultOutboundBuffer = 64
)

// Config defines the inputs for the relay transport boundary.
type Config struct {
	HTTPAddr string

	// DataDir holds the moderation snapshot files.
	DataDir string
	// AuditDBPath enables the SQLite moderation audit log. Empty disables it.
	AuditDBPath string

	ProviderClientID     string
	ProviderClientSecret string
	ProviderTokenURL     string
	ProviderUserInfoURL  string
	ProviderRedirectURL  string

	// RequireAuthorizationCode advertises and enforces the capability bit
	// that makes every connecting client exchange a code with the provider.
	RequireAuthorizationCode bool
	BypassCode               string
	BypassAccountID          uint64

	StateKeySecret string
	StateKeyTTL    time.Duration

	OutboundBufferSize int
	ReadHeaderTimeout  time.Duration
	ShutdownTimeout    time.Duration
}

// Server hosts the relay HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	core            *core
	audit           *sqlite.Store
}

// core bundles the relay components the frame handlers operate on.
type core struct {
	catalog       *worlds.Catalog
	authenticator *identity.Authenticator
	stateKeys     *identity.StateKeys
	store         *moderation.Store
	registry      *registry.Registry
	hub           *hub.Hub

	outboundBuffer int
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type connectPayload struct {
	DisplayName       string `json:"display_name"`
	WorldID           int    `json:"world_id"`
	AuthorizationCode string `json:"authorization_code,omitempty"`
}

type connectedPayload struct {
	SessionID    string `json:"session_id"`
	Capabilities uint32 `json:"capabilities"`
	WorldName    string `json:"world_name"`
	StateKey     string `json:"state_key,omitempty"`
	ServerTime   string `json:"server_time"`
}

type sendPayload struct {
	Content   string `json:"content"`
	WorldID   int    `json:"world_id,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Flags     uint32 `json:"flags,omitempty"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status     string `json:"status"`
	SequenceID uint64 `json:"sequence_id,omitempty"`
	AccountID  uint64 `json:"account_id,omitempty"`
}

type infoPayload struct {
	Capabilities              uint32 `json:"capabilities"`
	AuthorizationCodeRequired bool   `json:"authorization_code_required"`
	Worlds                    int    `json:"worlds"`
	ServerTime                string `json:"server_time"`
}

func newCore(catalog *worlds.Catalog, authenticator *identity.Authenticator, stateKeys *identity.StateKeys, store *moderation.Store, reg *registry.Registry, outboundBuffer int) *core {
	if outboundBuffer <= 0 {
		outboundBuffer = defaultOutboundBuffer
	}
	c := &core{
		catalog:        catalog,
		authenticator:  authenticator,
		stateKeys:      stateKeys,
		store:          store,
		registry:       reg,
		outboundBuffer: outboundBuffer,
	}
	c.hub = hub.New(reg)
	store.SetDisconnector(func(accountID uint64) {
		reg.Disconnect(accountID)
	})
	return c
}

func (c *core) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		caps := c.authenticator.Capabilities()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(infoPayload{
			Capabilities:              uint32(caps),
			AuthorizationCodeRequired: caps.Has(identity.CapAuthorizationCodeRequired),
			Worlds:                    c.catalog.Len(),
			ServerTime:                time.Now().UTC().Format(time.RFC3339),
		})
	})
	mux.Handle("/metrics", promhttp.Handler())

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		c.handleWSConn(conn)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})
	return mux
}

func (c *core) handleWSConn(conn *websocket.Conn) {
	peer := newWSPeer(json.NewEncoder(conn))
	session := newChatSession(peer, conn, c.registry, c.outboundBuffer)
	defer session.close("connection closed")

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case <-session.done:
				return
			default:
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload", nil)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large", nil)
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded", nil)
			return
		}

		switch frame.Type {
		case "chat.connect":
			if !c.handleConnect(ctx, session, frame) {
				return
			}
		case "chat.send":
			c.handleSend(ctx, session, frame)
		case "chat.ban", "chat.unban", "chat.kick", "chat.mute", "chat.unmute", "chat.tempban", "chat.untempban":
			c.handleAdminFrame(ctx, session, frame)
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type", nil)
		}
	}
}

// handleConnect authenticates the stream's first frame. Returning false
// closes the connection: a failed connect leaves no partial registration
// behind. A duplicate connect on an active stream keeps the session alive
// and only fails the frame.
func (c *core) handleConnect(ctx context.Context, session *chatSession, frame wsFrame) bool {
	if !session.beginAuthentication() {
		_ = writeDomainError(session.peer, frame.RequestID,
			apperrors.New(apperrors.CodeAlreadyConnected, "session is already connected"))
		return session.currentState() == stateActive
	}

	var payload connectPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeDomainError(session.peer, frame.RequestID,
			apperrors.New(apperrors.CodeInvalidFrame, "invalid connect payload"))
		return false
	}
	if utf8.RuneCountInString(payload.DisplayName) > maxDisplayNameRunes {
		_ = writeDomainError(session.peer, frame.RequestID,
			apperrors.New(apperrors.CodeEmptyDisplayName, "display name must be at most 64 characters"))
		return false
	}

	id, err := c.authenticator.Authenticate(ctx, payload.DisplayName, payload.WorldID, payload.AuthorizationCode)
	if err != nil {
		telemetry.Inc(telemetry.SessionsRejected)
		log.Printf("relay: session %s authentication rejected: %v", session.id, err)
		_ = writeDomainError(session.peer, frame.RequestID, err)
		return false
	}

	if id.HasAuthToken() {
		accountID, err := id.AccountID(ctx)
		if err != nil {
			telemetry.Inc(telemetry.SessionsRejected)
			_ = writeDomainError(session.peer, frame.RequestID, err)
			return false
		}
		if c.store.IsBanned(accountID) {
			telemetry.Inc(telemetry.SessionsRejected)
			log.Printf("relay: session %s rejected: account %d is banned", session.id, accountID)
			_ = writeDomainError(session.peer, frame.RequestID,
				apperrors.New(apperrors.CodeBanned, "account is banned"))
			return false
		}
	}

	worldName, err := c.catalog.Resolve(id.HomeWorldID)
	if err != nil {
		_ = writeDomainError(session.peer, frame.RequestID, err)
		return false
	}

	stateKey := ""
	if accountID, ok := id.PeekAccountID(); ok && c.stateKeys != nil {
		key, err := c.stateKeys.Issue(accountID)
		if err != nil {
			log.Printf("relay: session %s state key issue failed: %v", session.id, err)
		} else {
			stateKey = key
		}
	}

	if !session.activate(id) {
		return false
	}
	c.registry.Add(session)
	log.Printf("relay: session %s connected: %s@%s", session.id, id.DisplayName, worldName)

	// The reply goes out before the write loop starts so chat.connected is
	// always the first frame on the wire; broadcasts delivered in between
	// queue in the outbound buffer.
	_ = session.peer.writeFrame(wsFrame{
		Type:      "chat.connected",
		RequestID: frame.RequestID,
		Payload: mustJSON(connectedPayload{
			SessionID:    session.id,
			Capabilities: uint32(c.authenticator.Capabilities()),
			WorldName:    worldName,
			StateKey:     stateKey,
			ServerTime:   time.Now().UTC().Format(time.RFC3339),
		}),
	})
	go session.writeLoop()
	return true
}

// handleSend validates one inbound message and publishes it to the hub.
// Failures fail the frame, never the session.
func (c *core) handleSend(ctx context.Context, session *chatSession, frame wsFrame) {
	id := session.Identity()
	if id == nil {
		_ = writeDomainError(session.peer, frame.RequestID,
			apperrors.New(apperrors.CodeNoAuthentication, "must connect before sending"))
		return
	}

	var payload sendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeDomainError(session.peer, frame.RequestID,
			apperrors.New(apperrors.CodeInvalidFrame, "invalid send payload"))
		return
	}

	content := strings.TrimSpace(payload.Content)
	if content == "" {
		_ = writeDomainError(session.peer, frame.RequestID,
			apperrors.New(apperrors.CodeEmptyContent, "content is required"))
		return
	}
	if utf8.RuneCountInString(content) > maxContentRunes {
		_ = writeDomainError(session.peer, frame.RequestID,
			apperrors.New(apperrors.CodeEmptyContent, "content must be at most 500 characters"))
		return
	}

	worldID := payload.WorldID
	if worldID == 0 {
		worldID = id.HomeWorldID
	}
	worldName, err := c.catalog.Resolve(worldID)
	if err != nil {
		_ = writeDomainError(session.peer, frame.RequestID, err)
		return
	}

	var accountID uint64
	if id.HasAuthToken() {
		resolved, err := id.AccountID(ctx)
		if err == nil {
			accountID = resolved
			if c.store.IsMuted(accountID) {
				telemetry.Inc(telemetry.MessagesMuted)
				_ = session.peer.writeFrame(wsFrame{
					Type:      "chat.ack",
					RequestID: frame.RequestID,
					Payload:   mustJSON(ackEnvelope{Result: ackResult{Status: "ok"}}),
				})
				return
			}
		}
	}

	sequenceID := c.hub.Publish(hub.Message{
		Content:           content,
		AuthorDisplayName: id.DisplayName,
		AuthorAccountID:   accountID,
		AvatarURL:         payload.AvatarURL,
		WorldID:           worldID,
		WorldName:         worldName,
		Flags:             payload.Flags,
	})

	_ = session.peer.writeFrame(wsFrame{
		Type:      "chat.ack",
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackEnvelope{Result: ackResult{Status: "ok", SequenceID: sequenceID}}),
	})
}

func writeDomainError(peer *wsPeer, requestID string, err error) error {
	code := apperrors.GetCode(err)
	details := map[string]any{"domain_code": string(code)}
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		for key, value := range domainErr.Metadata {
			details[key] = value
		}
	}
	return writeWSError(peer, requestID, wireCodeName(code.GRPCCode()), err.Error(), details)
}

func writeWSError(peer *wsPeer, requestID string, code string, message string, details map[string]any) error {
	return peer.writeFrame(wsFrame{
		Type:      "chat.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:    code,
				Message: message,
				Details: details,
			},
		}),
	})
}

func wireCodeName(code codes.Code) string {
	switch code {
	case codes.Unauthenticated:
		return "UNAUTHENTICATED"
	case codes.PermissionDenied:
		return "PERMISSION_DENIED"
	case codes.InvalidArgument:
		return "INVALID_ARGUMENT"
	case codes.NotFound:
		return "NOT_FOUND"
	case codes.FailedPrecondition:
		return "FAILED_PRECONDITION"
	case codes.Unavailable:
		return "UNAVAILABLE"
	case codes.ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	default:
		return "INTERNAL"
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("relay: failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

// NewServer builds a configured relay server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.DataDir) == "" {
		return nil, errors.New("data directory is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	telemetry.Init()

	catalog, err := worlds.Load()
	if err != nil {
		return nil, fmt.Errorf("load world catalog: %w", err)
	}

	var provider identity.Provider
	if oauth := identity.NewOAuthProvider(identity.OAuthConfig{
		ClientID:     config.ProviderClientID,
		ClientSecret: config.ProviderClientSecret,
		TokenURL:     config.ProviderTokenURL,
		UserInfoURL:  config.ProviderUserInfoURL,
		RedirectURL:  config.ProviderRedirectURL,
	}); oauth != nil {
		provider = oauth
	}

	var caps identity.Capabilities
	if config.RequireAuthorizationCode {
		caps |= identity.CapAuthorizationCodeRequired
	}
	authenticator := identity.NewAuthenticator(catalog, provider, identity.AuthenticatorConfig{
		Capabilities:    caps,
		BypassCode:      config.BypassCode,
		BypassAccountID: config.BypassAccountID,
	})
	stateKeys := identity.NewStateKeys(config.StateKeySecret, config.StateKeyTTL)

	var audit *sqlite.Store
	var auditLog moderation.AuditLog
	if path := strings.TrimSpace(config.AuditDBPath); path != "" {
		audit, err = sqlite.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		auditLog = audit
	}

	store, err := moderation.Open(moderation.Config{
		Dir:   config.DataDir,
		Audit: auditLog,
	})
	if err != nil {
		if audit != nil {
			_ = audit.Close()
		}
		return nil, fmt.Errorf("open moderation store: %w", err)
	}

	core := newCore(catalog, authenticator, stateKeys, store, registry.New(), config.OutboundBufferSize)

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           core.handler(),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		core:            core,
		audit:           audit,
	}, nil
}

// Run creates and serves a relay server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init relay server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server, the hub dispatcher and the moderation
// background tasks until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("relay server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.core.hub.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		s.core.store.Run(runCtx)
	}()

	serveErr := make(chan error, 1)
	log.Printf("relay server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		shutdownCancel()
		cancel()
		wg.Wait()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		cancel()
		wg.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			log.Printf("relay: close audit store: %v", err)
		}
	}
}
