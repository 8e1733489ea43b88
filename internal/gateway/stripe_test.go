package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tripwise/backend-billing/internal/gateway"
)

func TestCreateIntent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.Equal(t, "Bearer sk_test_1", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		require.Equal(t, "1000", r.PostForm.Get("amount"))
		require.Equal(t, "eur", r.PostForm.Get("currency"))
		require.Equal(t, "premium", r.PostForm.Get("metadata[plan]"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","client_secret":"pi_123_secret","status":"requires_payment_method","amount":1000,"currency":"eur"}`))
	}))
	defer server.Close()

	client := gateway.NewStripeClient(gateway.Config{BaseURL: server.URL, SecretKey: "sk_test_1", Timeout: time.Second}, nil)
	intent, err := client.CreateIntent(context.Background(), gateway.CreateIntentParams{
		AmountCents: 1000,
		Currency:    "EUR",
		Metadata:    map[string]string{"plan": "premium"},
	})
	require.NoError(t, err)
	require.Equal(t, "pi_123", intent.ID)
	require.Equal(t, "pi_123_secret", intent.ClientSecret)
	require.Equal(t, gateway.IntentStatusRequiresAction, intent.Status)
	require.Equal(t, int64(1000), intent.AmountCents)
	require.Equal(t, "EUR", intent.Currency)
}

func TestRetrieveIntentStatuses(t *testing.T) {
	status := "succeeded"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents/pi_9", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_9","status":"` + status + `"}`))
	}))
	defer server.Close()

	client := gateway.NewStripeClient(gateway.Config{BaseURL: server.URL, SecretKey: "sk", Timeout: time.Second}, nil)

	intent, err := client.RetrieveIntent(context.Background(), "pi_9")
	require.NoError(t, err)
	require.Equal(t, gateway.IntentStatusSucceeded, intent.Status)

	status = "canceled"
	intent, err = client.RetrieveIntent(context.Background(), "pi_9")
	require.NoError(t, err)
	require.Equal(t, gateway.IntentStatusCanceled, intent.Status)
}

func TestServerErrorSurfacesAsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := gateway.NewStripeClient(gateway.Config{BaseURL: server.URL, SecretKey: "sk", Timeout: time.Second}, nil)
	_, err := client.RetrieveIntent(context.Background(), "pi_1")
	require.ErrorIs(t, err, gateway.ErrUnavailable)
}

func TestTimeoutSurfacesAsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := gateway.NewStripeClient(gateway.Config{BaseURL: server.URL, SecretKey: "sk", Timeout: 20 * time.Millisecond}, nil)
	_, err := client.RetrieveIntent(context.Background(), "pi_1")
	require.ErrorIs(t, err, gateway.ErrUnavailable)
}

func TestNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := gateway.NewStripeClient(gateway.Config{BaseURL: server.URL, SecretKey: "sk", Timeout: time.Second}, nil)
	_, err := client.RetrieveIntent(context.Background(), "pi_missing")
	require.ErrorIs(t, err, gateway.ErrIntentNotFound)
}
