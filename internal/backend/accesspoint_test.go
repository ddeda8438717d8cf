package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkalnins/einvoice-dispatch/internal/credentials"
)

func newTestAccessPoint(t *testing.T, handler http.Handler) *AccessPoint {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ap, err := NewAccessPoint(AccessPointConfig{BaseURL: srv.URL}, credentials.Chain{},
		nil, WithAccessPointHTTPClient(srv.Client()))
	require.NoError(t, err)
	return ap
}

func TestAccessPointSubmit(t *testing.T) {
	var gotReq submitRequest
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/peppol/send", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(submitResponse{TransmissionID: "AP-123", Status: "sending"})
	})

	ap := newTestAccessPoint(t, handler)
	id, err := ap.Submit(context.Background(), []byte("<Invoice/>"), "0088:send", "0088:recv", "peppol-bis-3")
	require.NoError(t, err)
	assert.Equal(t, "AP-123", id)
	assert.Equal(t, "<Invoice/>", gotReq.Document)
	assert.Equal(t, "0088:send", gotReq.SenderID)
	assert.Equal(t, "0088:recv", gotReq.ReceiverID)
	assert.Equal(t, "peppol-bis-3", gotReq.DocumentType)
}

func TestAccessPointSubmitErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		wantKind  ErrorKind
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"invalid_token"}`, KindAuth, true},
		{"forbidden", http.StatusForbidden, `{"error":"scope"}`, KindAuth, true},
		{"validation", http.StatusUnprocessableEntity, `{"error":"missing BT-1"}`, KindRejected, false},
		{"server error", http.StatusBadGateway, "upstream down", KindTransient, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ap := newTestAccessPoint(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))

			_, err := ap.Submit(context.Background(), []byte("<Invoice/>"), "s", "r", "p")
			require.Error(t, err)
			assert.Equal(t, tc.wantKind, KindOf(err))
			assert.Equal(t, tc.retryable, Retryable(err))
		})
	}
}

func TestAccessPointStatusMapping(t *testing.T) {
	cases := []struct {
		apiState string
		want     State
	}{
		{"delivered", StateDelivered},
		{"accepted", StateAccepted},
		{"rejected", StateRejected},
		{"failed", StateRejected},
		{"in_transit", StateInFlight},
		{"sending", StateInFlight},
		{"some_future_state", StateInFlight},
	}
	for _, tc := range cases {
		t.Run(tc.apiState, func(t *testing.T) {
			ap := newTestAccessPoint(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.True(t, strings.HasPrefix(r.URL.Path, "/api/v1/peppol/status/"))
				_ = json.NewEncoder(w).Encode(statusResponse{TransmissionID: "AP-9", State: tc.apiState})
			}))

			st, err := ap.Status(context.Background(), "AP-9")
			require.NoError(t, err)
			assert.Equal(t, tc.want, st.State)
			assert.Equal(t, "AP-9", st.TransmissionID)
		})
	}
}

func TestAccessPointOAuth2Flow(t *testing.T) {
	var tokenCalls, sendCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/api/v1/peppol/send", func(w http.ResponseWriter, r *http.Request) {
		sendCalls++
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(submitResponse{TransmissionID: "AP-42"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	creds := credentials.NewStaticProvider(map[string]string{
		credentials.SecretAccessPointClientSecret: "s3cret",
	})
	ap, err := NewAccessPoint(AccessPointConfig{
		BaseURL:  srv.URL,
		ClientID: "client-1",
	}, creds, nil)
	require.NoError(t, err)

	id, err := ap.Submit(context.Background(), []byte("<Invoice/>"), "s", "r", "p")
	require.NoError(t, err)
	assert.Equal(t, "AP-42", id)
	assert.Equal(t, 1, tokenCalls)

	// The cached token is reused, not re-fetched per call.
	_, err = ap.Submit(context.Background(), []byte("<Invoice/>"), "s", "r", "p")
	require.NoError(t, err)
	assert.Equal(t, 1, tokenCalls)
	assert.Equal(t, 2, sendCalls)
}

func TestAccessPointTokenRejection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid_client"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	creds := credentials.NewStaticProvider(map[string]string{
		credentials.SecretAccessPointClientSecret: "wrong",
	})
	ap, err := NewAccessPoint(AccessPointConfig{BaseURL: srv.URL, ClientID: "client-1"}, creds, nil)
	require.NoError(t, err)

	_, err = ap.Submit(context.Background(), []byte("<Invoice/>"), "s", "r", "p")
	require.Error(t, err)
	assert.Equal(t, KindAuth, KindOf(err))
	assert.True(t, Retryable(err), "bad credentials may be rotated; keep retrying to the attempt cap")
}

func TestAccessPointAPIKeyWinsOverOAuth(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/peppol/send", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(submitResponse{TransmissionID: "AP-7"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	creds := credentials.NewStaticProvider(map[string]string{
		credentials.SecretAccessPointAPIKey:       "key-abc",
		credentials.SecretAccessPointClientSecret: "unused",
	})
	ap, err := NewAccessPoint(AccessPointConfig{BaseURL: srv.URL}, creds, nil)
	require.NoError(t, err)

	_, err = ap.Submit(context.Background(), []byte("<Invoice/>"), "s", "r", "p")
	require.NoError(t, err)
	assert.Equal(t, "Bearer key-abc", gotAuth)
}
