package zumi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/zumilabs/zumi-go-sdk/crypto"
)

// AccountClient is the bundled REST AccountManager. It works
// independently of the gateway connection: login is plain HTTPS with
// the signed, encrypted parameter envelope the backend expects.
type AccountClient struct {
	baseURL string
	apiType int
	apiVer  string
	creds   CredentialSource
	httpc   *http.Client
	log     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	states   map[string]AccountState
	ciphers  map[string]*crypto.SessionCipher
}

var _ AccountManager = (*AccountClient)(nil)

// CredentialSource supplies the cleartext login parameters for an
// account (phone, password hash, device imei and the like). The client
// signs and encrypts them before they leave the process.
type CredentialSource interface {
	LoginParams(account string) (map[string]string, error)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(account string) (map[string]string, error)

func (f CredentialFunc) LoginParams(account string) (map[string]string, error) {
	return f(account)
}

// AccountClientConfig configures an AccountClient. BaseURL and
// Credentials are required.
type AccountClientConfig struct {
	BaseURL     string
	APIType     int    // defaults to 4
	APIVersion  string // defaults to "1"
	Credentials CredentialSource
	Timeout     time.Duration // defaults to 30s
	HTTPClient  *http.Client  // overrides Timeout when set
	Logger      *slog.Logger
}

// NewAccountClient creates a REST account client.
func NewAccountClient(cfg AccountClientConfig) (*AccountClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url not configured")
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("credential source not configured")
	}
	if cfg.APIType == 0 {
		cfg.APIType = 4
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "1"
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpc = &http.Client{Timeout: timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &AccountClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiType:  cfg.APIType,
		apiVer:   cfg.APIVersion,
		creds:    cfg.Credentials,
		httpc:    httpc,
		log:      log,
		sessions: make(map[string]*Session),
		states:   make(map[string]AccountState),
		ciphers:  make(map[string]*crypto.SessionCipher),
	}, nil
}

// --------------------------------------------------------------------------
// AccountManager
// --------------------------------------------------------------------------

// Login authenticates the account and caches the returned session,
// replacing any previous one.
func (c *AccountClient) Login(ctx context.Context, account string) (*Session, error) {
	c.setState(account, AccountLoggingIn)
	s, err := c.login(ctx, account)
	if err != nil {
		c.setState(account, AccountLoggedOut)
		return nil, err
	}
	c.mu.Lock()
	c.sessions[account] = s
	c.states[account] = AccountLoggedIn
	delete(c.ciphers, account)
	c.mu.Unlock()
	c.log.Info("account logged in", "account", account, "uid", s.UID)
	return s, nil
}

// Session returns the cached session, nil when logged out.
func (c *AccountClient) Session(account string) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[account]
}

// State reports the client's view of the account.
func (c *AccountClient) State(account string) AccountState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[account]
}

// Logout drops the cached session without calling the backend.
func (c *AccountClient) Logout(account string) {
	c.mu.Lock()
	delete(c.sessions, account)
	delete(c.ciphers, account)
	c.states[account] = AccountLoggedOut
	c.mu.Unlock()
}

// --------------------------------------------------------------------------
// Login request
// --------------------------------------------------------------------------

type loginRequest struct {
	Ext        string `json:"ext"`
	Signature  string `json:"signkey"`
	Params     string `json:"params"`
	APIType    int    `json:"apiType"`
	APIVersion string `json:"apiVersion"`
}

type loginResponse struct {
	UID         string            `json:"uid"`
	SecretKey   string            `json:"secret_key"`
	APIType     int               `json:"api_type"`
	APIVersion  string            `json:"api_version"`
	Services    map[string]string `json:"services"`
	WSEndpoints []string          `json:"ws_endpoints"`
}

func (c *AccountClient) login(ctx context.Context, account string) (*Session, error) {
	params, err := c.creds.LoginParams(account)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	lp, err := crypto.BuildLoginParams(c.apiType, params)
	if err != nil {
		return nil, &CryptoError{Op: "login params", Err: err}
	}

	var lr loginResponse
	err = c.postJSON(ctx, "/api/login", loginRequest{
		Ext:        lp.Ext,
		Signature:  lp.Signature,
		Params:     lp.Encrypted,
		APIType:    c.apiType,
		APIVersion: c.apiVer,
	}, &lr)
	if err != nil {
		return nil, err
	}

	if lr.UID == "" {
		return nil, &ProtocolError{Op: "login", Err: fmt.Errorf("response missing uid")}
	}
	if _, err := crypto.NewSessionCipher(lr.SecretKey); err != nil {
		return nil, &CryptoError{Op: "secret key", Err: err}
	}
	if len(lr.WSEndpoints) == 0 {
		return nil, &ProtocolError{Op: "login", Err: fmt.Errorf("response missing ws endpoints")}
	}

	apiVer := lr.APIVersion
	if apiVer == "" {
		apiVer = c.apiVer
	}
	return &Session{
		UID:         lr.UID,
		SecretKey:   lr.SecretKey,
		APIType:     lr.APIType,
		APIVersion:  apiVer,
		Services:    lr.Services,
		WSEndpoints: lr.WSEndpoints,
	}, nil
}

// --------------------------------------------------------------------------
// Authenticated calls
// --------------------------------------------------------------------------

type callRequest struct {
	UID        string `json:"uid"`
	Params     string `json:"params"`
	Signature  string `json:"signkey"`
	APIType    int    `json:"apiType"`
	APIVersion string `json:"apiVersion"`
}

// Call performs an authenticated API request for a logged-in account.
// Params are encrypted with the session's secret key and signed the
// same way login parameters are. When the response carries an encrypted
// "data" string it is decrypted in place; the parsed body is returned.
func (c *AccountClient) Call(ctx context.Context, account, path string, params map[string]string) (gjson.Result, error) {
	c.mu.RLock()
	s := c.sessions[account]
	ci := c.ciphers[account]
	c.mu.RUnlock()
	if s == nil {
		return gjson.Result{}, &AuthError{Reason: "not logged in"}
	}
	if ci == nil {
		var err error
		ci, err = crypto.NewSessionCipher(s.SecretKey)
		if err != nil {
			return gjson.Result{}, &CryptoError{Op: "session cipher", Err: err}
		}
		c.mu.Lock()
		c.ciphers[account] = ci
		c.mu.Unlock()
	}

	blob, err := json.Marshal(params)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshal params: %w", err)
	}
	sealed, err := ci.Encrypt(blob)
	if err != nil {
		return gjson.Result{}, &CryptoError{Op: "seal params", Err: err}
	}

	var raw json.RawMessage
	err = c.postJSON(ctx, path, callRequest{
		UID:        s.UID,
		Params:     sealed,
		Signature:  crypto.SignRequest(c.apiType, params),
		APIType:    c.apiType,
		APIVersion: c.apiVer,
	}, &raw)
	if err != nil {
		return gjson.Result{}, err
	}

	body := gjson.ParseBytes(raw)
	data := body.Get("data")
	if data.Type != gjson.String {
		return body, nil
	}
	plain, err := ci.Decrypt(data.String())
	if err != nil {
		return gjson.Result{}, &CryptoError{Op: "open response", Err: err}
	}
	return gjson.ParseBytes(plain), nil
}

// --------------------------------------------------------------------------
// HTTP plumbing
// --------------------------------------------------------------------------

// postJSON sends a JSON POST and decodes the response into dest. Status
// codes map onto the sdk error types: 503 means the backend is
// restarting, 401 and 403 mean the credentials were rejected.
func (c *AccountClient) postJSON(ctx context.Context, path string, reqBody, dest any) error {
	b, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &NetworkError{Op: "post " + path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &NetworkError{Op: "read " + path, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return ErrLoginUnavailable
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &AuthError{Reason: apiMessage(body, resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &APIError{Code: resp.StatusCode, Message: apiMessage(body, resp.StatusCode)}
	}

	if dest != nil {
		if err := json.Unmarshal(body, dest); err != nil {
			return &ProtocolError{Op: "decode response", Err: err}
		}
	}
	return nil
}

// apiMessage digs a human-readable message out of an error body.
func apiMessage(body []byte, code int) string {
	for _, key := range []string{"error", "message"} {
		if v := gjson.GetBytes(body, key); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" && len(s) <= 200 {
		return s
	}
	return http.StatusText(code)
}

func (c *AccountClient) setState(account string, st AccountState) {
	c.mu.Lock()
	c.states[account] = st
	c.mu.Unlock()
}
