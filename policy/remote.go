package policy

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fosrl/verdict/logger"
)

const (
	MsgVerdict     = "policy/verdict"
	MsgReauthorize = "policy/reauthorize"
	MsgSubscribe   = "policy/subscribe"
	MsgPing        = "policy/ping"

	clientType = "verdict"
)

// AuthError represents an authentication/authorization error (401/403)
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication error (status %d): %s", e.StatusCode, e.Message)
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

type tokenResponse struct {
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// WSMessage is the envelope of every message on the authority connection
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// VerdictData is the payload of a policy/verdict message
type VerdictData struct {
	Permit bool `json:"permit"`
}

type RemoteConfig struct {
	ID       string
	Secret   string
	Endpoint string
	TLS      TLSConfig

	PingInterval time.Duration
	PingTimeout  time.Duration
	// Fallback is served until the first verdict arrives
	Fallback bool
}

// Remote caches the verdict pushed by a remote authority. The worker only
// ever reads the cache; the connection lives in its own goroutines.
type Remote struct {
	notifier
	cfg RemoteConfig

	permitted atomic.Bool
	received  atomic.Bool
	connected atomic.Bool

	connMu   sync.Mutex
	conn     *websocket.Conn
	writeMux sync.Mutex

	token         string
	forceNewToken bool
	tokenMux      sync.Mutex

	reconnectInterval time.Duration
	httpClient        *http.Client
	done              chan struct{}
	closeOnce         sync.Once

	onAuthError func(statusCode int, message string)
}

func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("policy: remote endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("policy: invalid endpoint: %w", err)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 3 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}

	r := &Remote{
		cfg:               cfg,
		reconnectInterval: 3 * time.Second,
		done:              make(chan struct{}),
	}
	r.permitted.Store(cfg.Fallback)
	return r, nil
}

func (r *Remote) OnAuthError(callback func(statusCode int, message string)) {
	r.onAuthError = callback
}

func (r *Remote) Name() string {
	return "remote"
}

func (r *Remote) TrafficPermitted() bool {
	return r.permitted.Load()
}

// Received reports whether the authority has sent a verdict yet
func (r *Remote) Received() bool {
	return r.received.Load()
}

func (r *Remote) Connected() bool {
	return r.connected.Load()
}

// Start connects in the background and keeps reconnecting until Close
func (r *Remote) Start() error {
	tlsConfig, err := r.cfg.TLS.build()
	if err != nil {
		return err
	}
	r.httpClient = &http.Client{Timeout: 10 * time.Second}
	if tlsConfig != nil {
		r.httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	go r.connectWithRetry(tlsConfig)
	return nil
}

// Close shuts the connection down gracefully
func (r *Remote) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.connected.Store(false)

		r.connMu.Lock()
		conn := r.conn
		r.conn = nil
		r.connMu.Unlock()
		if conn == nil {
			return
		}
		r.writeMux.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		r.writeMux.Unlock()
		err = conn.Close()
	})
	return err
}

func (r *Remote) closing() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// SendMessage writes one message on the current connection
func (r *Remote) SendMessage(messageType string, data interface{}) error {
	r.connMu.Lock()
	conn := r.conn
	r.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	logger.Debug("policy: sending message %s", messageType)

	r.writeMux.Lock()
	defer r.writeMux.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(r.cfg.PingTimeout))
	return conn.WriteJSON(WSMessage{Type: messageType, Data: data})
}

func (r *Remote) getToken() (string, error) {
	baseEndpoint := strings.TrimRight(r.cfg.Endpoint, "/")

	jsonData, err := json.Marshal(map[string]interface{}{
		"id":     r.cfg.ID,
		"secret": r.cfg.Secret,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request data: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, baseEndpoint+"/api/v1/auth/"+clientType+"/get-token", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", "x-csrf-protection")

	logger.Debug("policy: requesting token from %s", req.URL.String())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request new token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return "", &AuthError{StatusCode: resp.StatusCode, Message: string(body)}
		}
		return "", fmt.Errorf("failed to get token with status code: %d, body: %s", resp.StatusCode, string(body))
	}

	var tokenResp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if !tokenResp.Success {
		return "", fmt.Errorf("failed to get token: %s", tokenResp.Message)
	}
	if tokenResp.Data.Token == "" {
		return "", fmt.Errorf("received empty token from server")
	}
	return tokenResp.Data.Token, nil
}

func (r *Remote) connectWithRetry(tlsConfig *tls.Config) {
	for !r.closing() {
		err := r.establishConnection(tlsConfig)
		if err == nil {
			return
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			logger.Error("policy: authentication failed: %v", authErr)
			if r.onAuthError != nil {
				r.onAuthError(authErr.StatusCode, authErr.Message)
			}
		} else {
			logger.Error("policy: failed to connect: %v. Retrying in %v...", err, r.reconnectInterval)
		}

		select {
		case <-r.done:
			return
		case <-time.After(r.reconnectInterval):
		}
	}
}

func (r *Remote) establishConnection(tlsConfig *tls.Config) error {
	r.tokenMux.Lock()
	if r.token == "" || r.forceNewToken {
		token, err := r.getToken()
		if err != nil {
			r.tokenMux.Unlock()
			return fmt.Errorf("failed to get token: %w", err)
		}
		r.token = token
		r.forceNewToken = false
	}
	token := r.token
	r.tokenMux.Unlock()

	baseURL, err := url.Parse(r.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to parse base URL: %w", err)
	}
	wsProtocol := "wss"
	if baseURL.Scheme == "http" {
		wsProtocol = "ws"
	}
	u := &url.URL{Scheme: wsProtocol, Host: baseURL.Host, Path: "/api/v1/ws"}
	q := u.Query()
	q.Set("token", token)
	q.Set("clientType", clientType)
	u.RawQuery = q.Encode()

	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = tlsConfig

	conn, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			r.tokenMux.Lock()
			r.forceNewToken = true
			r.tokenMux.Unlock()
			return &AuthError{StatusCode: http.StatusUnauthorized, Message: "websocket connection unauthorized"}
		}
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}

	r.connMu.Lock()
	if r.closing() {
		r.connMu.Unlock()
		conn.Close()
		return nil
	}
	r.conn = conn
	r.connMu.Unlock()
	r.connected.Store(true)
	logger.Info("policy: connected to verdict authority %s", baseURL.Host)

	go r.pingMonitor(conn)
	go r.readPump(conn, tlsConfig)

	if err := r.SendMessage(MsgSubscribe, map[string]interface{}{"id": r.cfg.ID}); err != nil {
		logger.Warn("policy: subscribe failed: %v", err)
	}
	return nil
}

func (r *Remote) pingMonitor(conn *websocket.Conn) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if !r.isCurrent(conn) {
				return
			}
			err := r.SendMessage(MsgPing, map[string]interface{}{
				"timestamp":  time.Now().Unix(),
				"generation": r.Generation(),
			})
			if err != nil {
				if !r.closing() {
					logger.Error("policy: ping failed: %v", err)
					// the read pump sees the closed connection and reconnects
					conn.Close()
				}
				return
			}
		}
	}
}

func (r *Remote) isCurrent(conn *websocket.Conn) bool {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return r.conn == conn
}

func (r *Remote) readPump(conn *websocket.Conn, tlsConfig *tls.Config) {
	defer func() {
		conn.Close()
		r.connMu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		r.connMu.Unlock()
		r.connected.Store(false)

		if !r.closing() {
			go r.connectWithRetry(tlsConfig)
		}
	}()

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if r.closing() {
				logger.Debug("policy: connection closed during shutdown")
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Error("policy: read error: %v", err)
			} else {
				logger.Debug("policy: connection closed: %v", err)
			}
			return
		}
		r.handle(msg)
	}
}

func (r *Remote) handle(msg WSMessage) {
	switch msg.Type {
	case MsgVerdict:
		jsonData, err := json.Marshal(msg.Data)
		if err != nil {
			logger.Error("policy: error marshaling verdict data: %v", err)
			return
		}
		var v VerdictData
		if err := json.Unmarshal(jsonData, &v); err != nil {
			logger.Error("policy: error unmarshaling verdict data: %v", err)
			return
		}
		r.apply(v.Permit)
	case MsgReauthorize:
		gen := r.bump(r.permitted.Load())
		logger.Info("policy: authority requested re-authorization (generation %d)", gen)
	default:
		logger.Debug("policy: ignoring message %s", msg.Type)
	}
}

// apply records a verdict. The first verdict always advances the generation
// since flows may have been authorized under the fallback.
func (r *Remote) apply(permitted bool) {
	first := r.received.CompareAndSwap(false, true)
	if prev := r.permitted.Swap(permitted); prev == permitted && !first {
		return
	}
	gen := r.bump(permitted)
	logger.Info("policy: authority verdict %s (generation %d)", verdictName(permitted), gen)
}
