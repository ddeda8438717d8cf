package backend

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mkalnins/einvoice-dispatch/internal/credentials"
	"github.com/mkalnins/einvoice-dispatch/internal/ubl"
)

// GovServiceConfig configures the government messaging service client.
type GovServiceConfig struct {
	BaseURL        string
	SenderEAddress string
	SenderTitle    string
	RequestTimeout time.Duration
	Delivery       DeliveryOptions
}

// GovService submits invoices to the state unified messaging interface over
// SOAP. The client certificate authenticates the TLS handshake; its private
// key additionally produces a detached RSA-SHA256 signature over the
// document digest, carried inside the envelope.
type GovService struct {
	cfg        GovServiceConfig
	httpClient *http.Client
	signer     *rsa.PrivateKey
	logger     *slog.Logger
}

type GovServiceOption func(*GovService)

// WithGovHTTPClient replaces the TLS-configured HTTP client. Test hook.
func WithGovHTTPClient(c *http.Client) GovServiceOption {
	return func(g *GovService) { g.httpClient = c }
}

// NewGovService loads the client certificate and key from the credential
// provider and builds the mutually-authenticated HTTP client.
func NewGovService(cfg GovServiceConfig, creds credentials.Provider, logger *slog.Logger, opts ...GovServiceOption) (*GovService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	certPEM, err := creds.Secret(credentials.SecretGovServiceCertificate)
	if err != nil {
		return nil, fmt.Errorf("government service certificate: %w", err)
	}
	keyPEM, err := creds.Secret(credentials.SecretGovServicePrivateKey)
	if err != nil {
		return nil, fmt.Errorf("government service private key: %w", err)
	}
	pair, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}
	signer, ok := pair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("client certificate key is %T, need RSA for envelope signing", pair.PrivateKey)
	}

	g := &GovService{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{pair}},
			},
		},
		signer: signer,
		logger: logger,
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

const (
	actionSendMessage         = "http://vraa.gov.lv/div/uui/2011/11/UnifiedServiceInterface/SendMessage"
	actionGetNotificationList = "http://vraa.gov.lv/div/uui/2011/11/UnifiedServiceInterface/GetNotificationList"
	operationNamespace        = "http://vraa.gov.lv/xmlschemas/div/uui/2011/11"
)

type soapRequest struct {
	XMLName   xml.Name   `xml:"s:Envelope"`
	NSSoap    string     `xml:"xmlns:s,attr"`
	NSAddress string     `xml:"xmlns:a,attr"`
	Header    soapHeader `xml:"s:Header"`
	Body      soapBody   `xml:"s:Body"`
}

type soapHeader struct {
	Action mustUnderstand `xml:"a:Action"`
	To     mustUnderstand `xml:"a:To"`
}

type mustUnderstand struct {
	MustUnderstand string `xml:"s:mustUnderstand,attr"`
	Value          string `xml:",chardata"`
}

type soapBody struct {
	Payload any `xml:",omitempty"`
}

type sendMessageInput struct {
	XMLName  xml.Name  `xml:"SendMessageInput"`
	NS       string    `xml:"xmlns,attr"`
	Envelope *Envelope `xml:"Envelope"`
}

type notificationListInput struct {
	XMLName        xml.Name `xml:"GetNotificationListInput"`
	NS             string   `xml:"xmlns,attr"`
	MaxResultCount int      `xml:"MaxResultCount"`
}

// Response side. Tags are namespace-agnostic on purpose: the service mixes
// SOAP 1.1 and 1.2 prefixes depending on the deployment.
type soapFault struct {
	// SOAP 1.1
	FaultCode   string `xml:"faultcode"`
	FaultString string `xml:"faultstring"`
	// SOAP 1.2
	Code struct {
		Value string `xml:"Value"`
	} `xml:"Code"`
	Reason struct {
		Text string `xml:"Text"`
	} `xml:"Reason"`
}

func (f *soapFault) code() string {
	if f.FaultCode != "" {
		return f.FaultCode
	}
	return f.Code.Value
}

func (f *soapFault) text() string {
	if f.FaultString != "" {
		return f.FaultString
	}
	return f.Reason.Text
}

type sendMessageOutput struct {
	XMLName   xml.Name `xml:"SendMessageOutput"`
	MessageID string   `xml:"MessageId"`
}

type notificationListOutput struct {
	XMLName       xml.Name `xml:"GetNotificationListOutput"`
	Notifications struct {
		Entries []notification `xml:"Notification"`
	} `xml:"Notifications"`
	HasMoreData bool `xml:"HasMoreData"`
}

type notification struct {
	ID            int64  `xml:"Id"`
	Type          string `xml:"Type"`
	CreatedOn     string `xml:"CreatedOn"`
	MessageID     string `xml:"MessageId"`
	MessageStatus string `xml:"MessageStatus"`
	StatusCode    string `xml:"StatusCode"`
	StatusText    string `xml:"StatusText"`
}

func (g *GovService) Submit(ctx context.Context, document []byte, sender, receiver, profile string) (string, error) {
	inv, err := ubl.Parse(document)
	if err != nil {
		return "", SerializationFailure("parsing invoice for envelope metadata", err)
	}

	senderTitle := g.cfg.SenderTitle
	if senderTitle == "" {
		senderTitle = inv.SupplierName
	}
	senderEAddress := g.cfg.SenderEAddress
	if senderEAddress == "" {
		senderEAddress = sender
	}

	env, senderRef := buildEnvelope(inv, document, senderEAddress, senderTitle, receiver, g.cfg.Delivery)
	if err := g.sign(env, document); err != nil {
		return "", SerializationFailure("signing envelope digest", err)
	}

	raw, err := g.call(ctx, actionSendMessage, sendMessageInput{NS: operationNamespace, Envelope: env})
	if err != nil {
		return "", err
	}

	var out struct {
		Body struct {
			Fault  *soapFault        `xml:"Fault"`
			Output sendMessageOutput `xml:"SendMessageOutput"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(raw, &out); err != nil {
		return "", Transient("parsing SendMessage response", err)
	}
	if out.Body.Fault != nil {
		return "", faultError(out.Body.Fault)
	}

	messageID := out.Body.Output.MessageID
	if messageID == "" {
		// Some deployments acknowledge without echoing an id; the sender
		// reference is the correlation key the notification feed matches on.
		messageID = senderRef
	}
	g.logger.Info("government service accepted message", "message_id", messageID, "sender_ref", senderRef, "receiver", receiver)
	return messageID, nil
}

func (g *GovService) Status(ctx context.Context, transmissionID string) (Status, error) {
	raw, err := g.call(ctx, actionGetNotificationList, notificationListInput{NS: operationNamespace, MaxResultCount: 100})
	if err != nil {
		return Status{}, err
	}

	var out struct {
		Body struct {
			Fault  *soapFault             `xml:"Fault"`
			Output notificationListOutput `xml:"GetNotificationListOutput"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(raw, &out); err != nil {
		return Status{}, Transient("parsing notification list", err)
	}
	if out.Body.Fault != nil {
		return Status{}, faultError(out.Body.Fault)
	}

	// Walk newest-last so the latest notification for the message wins.
	st := Status{TransmissionID: transmissionID, State: StateInFlight}
	for _, n := range out.Body.Output.Notifications.Entries {
		if n.MessageID != transmissionID {
			continue
		}
		st = mapNotification(transmissionID, n)
	}
	return st, nil
}

func mapNotification(transmissionID string, n notification) Status {
	msg := n.StatusText
	if msg == "" {
		msg = n.StatusCode
	}
	st := Status{TransmissionID: transmissionID, Message: msg}
	switch n.MessageStatus {
	case "Accepted":
		st.State = StateAccepted
	case "RecipientAccepted":
		st.State = StateDelivered
	case "Rejected", "RecipientRejected":
		st.State = StateRejected
		if st.Message == "" {
			st.Message = "recipient rejected the message"
		}
	default:
		// New, Sent, DeliveryDelayed
		st.State = StateInFlight
	}
	if n.Type == "MessageDelivered" && st.State != StateRejected {
		st.State = StateDelivered
	}
	return st
}

// sign produces the detached signature over the document digest. Transport
// authentication already happens at the TLS layer with the same key pair.
func (g *GovService) sign(env *Envelope, document []byte) error {
	digest := sha256.Sum256(document)
	sig, err := rsa.SignPKCS1v15(rand.Reader, g.signer, crypto.SHA256, digest[:])
	if err != nil {
		return err
	}
	env.SenderDocument.DocumentMetadata.PayloadReference.Files[0].Content.SignatureValue =
		base64.StdEncoding.EncodeToString(sig)
	return nil
}

func (g *GovService) call(ctx context.Context, action string, payload any) ([]byte, error) {
	req := soapRequest{
		NSSoap:    "http://www.w3.org/2003/05/soap-envelope",
		NSAddress: "http://www.w3.org/2005/08/addressing",
		Header: soapHeader{
			Action: mustUnderstand{MustUnderstand: "1", Value: action},
			To:     mustUnderstand{MustUnderstand: "1", Value: g.cfg.BaseURL},
		},
		Body: soapBody{Payload: payload},
	}
	body, err := xml.Marshal(req)
	if err != nil {
		return nil, SerializationFailure("encoding SOAP request", err)
	}
	body = append([]byte(xml.Header), body...)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, SerializationFailure("building SOAP request", err)
	}
	httpReq.Header.Set("Content-Type", `application/soap+xml; charset=utf-8; action="`+action+`"`)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTLSTransport(err)
	}
	defer closeBody(resp.Body, g.logger)

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if readErr != nil {
		return nil, Transient("reading SOAP response", readErr)
	}
	// Faults arrive with 500; parse the body before judging the status so
	// the fault code and text reach the job's last_error verbatim.
	if resp.StatusCode >= 300 && !bytes.Contains(raw, []byte("Fault")) {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, &Error{Kind: KindAuth, Code: http.StatusText(resp.StatusCode), Message: "government service refused client certificate: " + snippet(raw)}
		}
		return nil, &Error{Kind: KindTransient, Code: http.StatusText(resp.StatusCode), Message: "government service unavailable: " + snippet(raw)}
	}
	return raw, nil
}

func classifyTLSTransport(err error) *Error {
	msg := err.Error()
	if strings.Contains(msg, "tls:") || strings.Contains(msg, "certificate") {
		return AuthFailure("TLS client authentication failed", err)
	}
	return Transient("government service transport failure", err)
}

func faultError(f *soapFault) *Error {
	code := f.code()
	lower := strings.ToLower(code)
	if strings.Contains(lower, "security") || strings.Contains(lower, "authentication") {
		return &Error{Kind: KindAuth, Code: code, Message: f.text()}
	}
	return Rejected(code, f.text())
}
