package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mkalnins/einvoice-dispatch/internal/credentials"
)

// AccessPointConfig configures the REST access-point client.
type AccessPointConfig struct {
	BaseURL        string
	TokenURL       string
	ClientID       string
	RequestTimeout time.Duration
}

// AccessPoint delivers invoices through a commercial access-point REST API.
// Authentication is either a static API key or an OAuth2 client-credentials
// exchange; with OAuth2 the token is cached and refreshed near expiry by the
// token source, so a long-running worker never submits with a stale token.
type AccessPoint struct {
	cfg        AccessPointConfig
	httpClient *http.Client
	logger     *slog.Logger
}

type AccessPointOption func(*AccessPoint)

// WithAccessPointHTTPClient replaces the HTTP client, bypassing the
// credential wiring. Test hook.
func WithAccessPointHTTPClient(c *http.Client) AccessPointOption {
	return func(ap *AccessPoint) { ap.httpClient = c }
}

// NewAccessPoint builds the client, resolving credentials once at startup.
// An API key secret wins over OAuth2 when both are present.
func NewAccessPoint(cfg AccessPointConfig, creds credentials.Provider, logger *slog.Logger, opts ...AccessPointOption) (*AccessPoint, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	ap := &AccessPoint{cfg: cfg, logger: logger}
	for _, o := range opts {
		o(ap)
	}
	if ap.httpClient != nil {
		return ap, nil
	}

	if key, err := creds.Secret(credentials.SecretAccessPointAPIKey); err == nil {
		logger.Info("access point using API key auth")
		ap.httpClient = &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: &staticBearer{token: key, base: http.DefaultTransport},
		}
		return ap, nil
	}

	secret, err := creds.Secret(credentials.SecretAccessPointClientSecret)
	if err != nil {
		return nil, fmt.Errorf("access point credentials: %w", err)
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = strings.TrimRight(cfg.BaseURL, "/") + "/oauth/token"
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: secret,
		TokenURL:     tokenURL,
	}
	// Bound the token exchange with the same timeout as API calls.
	base := context.WithValue(context.Background(), oauth2.HTTPClient,
		&http.Client{Timeout: cfg.RequestTimeout})
	ap.httpClient = cc.Client(base)
	ap.httpClient.Timeout = cfg.RequestTimeout
	logger.Info("access point using OAuth2 client-credentials auth", "token_url", tokenURL)
	return ap, nil
}

type staticBearer struct {
	token string
	base  http.RoundTripper
}

func (t *staticBearer) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(clone)
}

type submitRequest struct {
	Document     string `json:"document"`
	SenderID     string `json:"sender_id"`
	ReceiverID   string `json:"receiver_id"`
	DocumentType string `json:"document_type"`
}

type submitResponse struct {
	TransmissionID string `json:"transmission_id"`
	Status         string `json:"status,omitempty"`
}

type statusResponse struct {
	TransmissionID string `json:"transmission_id"`
	State          string `json:"state"`
	Message        string `json:"message,omitempty"`
}

func (ap *AccessPoint) Submit(ctx context.Context, document []byte, sender, receiver, profile string) (string, error) {
	payload := submitRequest{
		Document:     string(document),
		SenderID:     sender,
		ReceiverID:   receiver,
		DocumentType: profile,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", SerializationFailure("encoding submit request", err)
	}

	url := strings.TrimRight(ap.cfg.BaseURL, "/") + "/api/v1/peppol/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", SerializationFailure("building submit request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ap.httpClient.Do(req)
	if err != nil {
		return "", classifyTransport("access point submit", err)
	}
	defer closeBody(resp.Body, ap.logger)

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if httpErr := httpStatusError(resp.StatusCode, raw); httpErr != nil {
		return "", httpErr
	}
	if readErr != nil {
		return "", Transient("reading submit response", readErr)
	}

	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", Transient("parsing submit response", err)
	}
	if out.TransmissionID == "" {
		return "", Transient("submit response carried no transmission id", nil)
	}

	ap.logger.Info("access point accepted invoice", "transmission_id", out.TransmissionID, "receiver", receiver)
	return out.TransmissionID, nil
}

func (ap *AccessPoint) Status(ctx context.Context, transmissionID string) (Status, error) {
	url := strings.TrimRight(ap.cfg.BaseURL, "/") + "/api/v1/peppol/status/" + transmissionID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Status{}, SerializationFailure("building status request", err)
	}

	resp, err := ap.httpClient.Do(req)
	if err != nil {
		return Status{}, classifyTransport("access point status", err)
	}
	defer closeBody(resp.Body, ap.logger)

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if httpErr := httpStatusError(resp.StatusCode, raw); httpErr != nil {
		return Status{}, httpErr
	}
	if readErr != nil {
		return Status{}, Transient("reading status response", readErr)
	}

	var out statusResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Status{}, Transient("parsing status response", err)
	}

	st := Status{TransmissionID: transmissionID, Message: out.Message}
	switch strings.ToLower(out.State) {
	case "delivered":
		st.State = StateDelivered
	case "accepted":
		st.State = StateAccepted
	case "rejected", "failed":
		st.State = StateRejected
	default:
		// in_transit, sending, pending and anything the provider adds later
		st.State = StateInFlight
	}
	return st, nil
}

// classifyTransport separates token-retrieval failures (an authentication
// problem) from plain transport failures (retryable by backoff).
func classifyTransport(op string, err error) *Error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		code := ""
		if rerr.Response != nil {
			code = rerr.Response.Status
		}
		return &Error{Kind: KindAuth, Code: code, Message: op + ": token exchange rejected", Cause: err}
	}
	return Transient(op+" transport failure", err)
}

func httpStatusError(status int, body []byte) *Error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, Code: http.StatusText(status), Message: "access point refused credentials: " + snippet(body)}
	case status >= 400 && status < 500:
		return Rejected(http.StatusText(status), snippet(body))
	default:
		return &Error{Kind: KindTransient, Code: http.StatusText(status), Message: "access point unavailable: " + snippet(body)}
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}

func closeBody(rc io.Closer, logger *slog.Logger) {
	if err := rc.Close(); err != nil {
		logger.Error("closing response body", "error", err)
	}
}
