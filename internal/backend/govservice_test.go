package backend

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkalnins/einvoice-dispatch/internal/credentials"
)

// testKeyPair generates a throwaway self-signed certificate for client
// authentication and envelope signing.
func testKeyPair(t *testing.T) credentials.Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-sender"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	return credentials.NewStaticProvider(map[string]string{
		credentials.SecretGovServiceCertificate: string(certPEM),
		credentials.SecretGovServicePrivateKey:  string(keyPEM),
	})
}

func newTestGovService(t *testing.T, handler http.Handler) *GovService {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := NewGovService(GovServiceConfig{
		BaseURL:        srv.URL,
		SenderEAddress: "_DEFAULT@90000000000",
		SenderTitle:    "Test SIA",
	}, testKeyPair(t), nil, WithGovHTTPClient(srv.Client()))
	require.NoError(t, err)
	return g
}

const soapEnvelope = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"><s:Body>%s</s:Body></s:Envelope>`

const testInvoice = `<?xml version="1.0"?>
<Invoice xmlns="urn:oasis:names:specification:ubl:schema:xsd:Invoice-2"
         xmlns:cbc="urn:oasis:names:specification:ubl:schema:xsd:CommonBasicComponents-2">
  <cbc:ID>INV-2026-001</cbc:ID>
  <cbc:IssueDate>2026-08-01</cbc:IssueDate>
</Invoice>`

func TestGovServiceSubmit(t *testing.T) {
	var gotBody, gotContentType string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		gotContentType = r.Header.Get("Content-Type")
		fmt.Fprintf(w, soapEnvelope,
			`<SendMessageOutput xmlns="http://vraa.gov.lv/xmlschemas/div/uui/2011/11"><MessageId>DIV-100</MessageId></SendMessageOutput>`)
	})

	g := newTestGovService(t, handler)
	id, err := g.Submit(context.Background(), []byte(testInvoice), "90000000000", "40003000000", "div")
	require.NoError(t, err)
	assert.Equal(t, "DIV-100", id)

	assert.Contains(t, gotContentType, "application/soap+xml")
	assert.Contains(t, gotContentType, actionSendMessage)
	assert.Contains(t, gotBody, "SendMessageInput")
	assert.Contains(t, gotBody, "<DigestValue>")
	assert.Contains(t, gotBody, "<SignatureValue>")
	assert.Contains(t, gotBody, "_DEFAULT@90000000000")
	assert.Contains(t, gotBody, "INV-2026-001")
}

func TestGovServiceSubmitWithoutEchoedID(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, soapEnvelope,
			`<SendMessageOutput xmlns="http://vraa.gov.lv/xmlschemas/div/uui/2011/11"></SendMessageOutput>`)
	})

	g := newTestGovService(t, handler)
	id, err := g.Submit(context.Background(), []byte(testInvoice), "90000000000", "40003000000", "div")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "ref-"), "falls back to the sender reference, got %q", id)
}

func TestGovServiceFaultIsRejected(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, soapEnvelope,
			`<s:Fault xmlns:s="http://www.w3.org/2003/05/soap-envelope"><Code><Value>Receiver</Value></Code><Reason><Text>recipient e-address not found</Text></Reason></s:Fault>`)
	})

	g := newTestGovService(t, handler)
	_, err := g.Submit(context.Background(), []byte(testInvoice), "90000000000", "40003000000", "div")
	require.Error(t, err)
	assert.Equal(t, KindRejected, KindOf(err))
	assert.Contains(t, err.Error(), "recipient e-address not found")
}

func TestGovServiceSecurityFaultIsAuth(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, soapEnvelope,
			`<s:Fault xmlns:s="http://www.w3.org/2003/05/soap-envelope"><Code><Value>InvalidSecurity</Value></Code><Reason><Text>certificate not registered</Text></Reason></s:Fault>`)
	})

	g := newTestGovService(t, handler)
	_, err := g.Submit(context.Background(), []byte(testInvoice), "90000000000", "40003000000", "div")
	require.Error(t, err)
	assert.Equal(t, KindAuth, KindOf(err))
	assert.True(t, Retryable(err))
}

func TestGovServiceStatusMapsNotifications(t *testing.T) {
	cases := []struct {
		status string
		want   State
	}{
		{"New", StateInFlight},
		{"Sent", StateInFlight},
		{"DeliveryDelayed", StateInFlight},
		{"Accepted", StateAccepted},
		{"RecipientAccepted", StateDelivered},
		{"Rejected", StateRejected},
		{"RecipientRejected", StateRejected},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintf(w, soapEnvelope, fmt.Sprintf(
					`<GetNotificationListOutput xmlns="http://vraa.gov.lv/xmlschemas/div/uui/2011/11">
					   <Notifications>
					     <Notification><Id>1</Id><MessageId>DIV-7</MessageId><MessageStatus>%s</MessageStatus></Notification>
					     <Notification><Id>2</Id><MessageId>DIV-other</MessageId><MessageStatus>Rejected</MessageStatus></Notification>
					   </Notifications>
					 </GetNotificationListOutput>`, tc.status))
			})

			g := newTestGovService(t, handler)
			st, err := g.Status(context.Background(), "DIV-7")
			require.NoError(t, err)
			assert.Equal(t, tc.want, st.State)
		})
	}
}

func TestGovServiceStatusLatestNotificationWins(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, soapEnvelope,
			`<GetNotificationListOutput xmlns="http://vraa.gov.lv/xmlschemas/div/uui/2011/11">
			   <Notifications>
			     <Notification><Id>1</Id><MessageId>DIV-8</MessageId><MessageStatus>Sent</MessageStatus></Notification>
			     <Notification><Id>2</Id><MessageId>DIV-8</MessageId><MessageStatus>Accepted</MessageStatus></Notification>
			     <Notification><Id>3</Id><MessageId>DIV-8</MessageId><MessageStatus>RecipientAccepted</MessageStatus></Notification>
			   </Notifications>
			 </GetNotificationListOutput>`)
	})

	g := newTestGovService(t, handler)
	st, err := g.Status(context.Background(), "DIV-8")
	require.NoError(t, err)
	assert.Equal(t, StateDelivered, st.State)
}

func TestGovServiceStatusUnknownMessageStaysInFlight(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, soapEnvelope,
			`<GetNotificationListOutput xmlns="http://vraa.gov.lv/xmlschemas/div/uui/2011/11"><Notifications></Notifications></GetNotificationListOutput>`)
	})

	g := newTestGovService(t, handler)
	st, err := g.Status(context.Background(), "DIV-9")
	require.NoError(t, err)
	assert.Equal(t, StateInFlight, st.State)
}
