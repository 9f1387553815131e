package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumi-retreat/lumi/pkg/api"
)

type countingMailer struct {
	mu   sync.Mutex
	sent []Message
}

func (m *countingMailer) Send(ctx context.Context, msg Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return "id", nil
}

func TestResend_SendsJSONRequest(t *testing.T) {
	var got resend.SendEmailRequest
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"email-123"}`))
	}))
	defer srv.Close()

	m, err := NewResend("re_key", "Lumi <lumi@example.com>", WithEndpoint(srv.URL))
	require.NoError(t, err)

	id, err := m.Send(context.Background(), Message{
		To:      "guest@example.com",
		Subject: "Hello",
		Text:    "Body",
		Tags:    map[string]string{"template": "default", "source": "lumi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "email-123", id)
	assert.Equal(t, "Bearer re_key", auth)
	assert.Equal(t, "/emails", path)
	assert.Equal(t, "Lumi <lumi@example.com>", got.From)
	assert.Equal(t, []string{"guest@example.com"}, got.To)
	assert.Equal(t, "Body", got.Text)
	assert.Equal(t, []resend.Tag{{Name: "source", Value: "lumi"}, {Name: "template", Value: "default"}}, got.Tags)
}

func TestResend_ClassifiesFailures(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusUnprocessableEntity)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"message":"invalid to"}`))
	}))
	defer srv.Close()

	m, err := NewResend("re_key", "lumi@example.com", WithEndpoint(srv.URL))
	require.NoError(t, err)

	_, err = m.Send(context.Background(), Message{To: "x@example.com", Subject: "s", Text: "b"})
	require.Error(t, err)
	assert.False(t, api.IsRetryable(err))
	assert.Contains(t, err.Error(), "invalid to")

	status.Store(http.StatusServiceUnavailable)
	_, err = m.Send(context.Background(), Message{To: "x@example.com", Subject: "s", Text: "b"})
	require.Error(t, err)
	assert.True(t, api.IsRetryable(err))

	status.Store(http.StatusTooManyRequests)
	_, err = m.Send(context.Background(), Message{To: "x@example.com", Subject: "s", Text: "b"})
	require.Error(t, err)
	assert.True(t, api.IsRetryable(err))
	assert.ErrorIs(t, err, resend.ErrRateLimit)

	status.Store(http.StatusUnauthorized)
	_, err = m.Send(context.Background(), Message{To: "x@example.com", Subject: "s", Text: "b"})
	require.Error(t, err)
	assert.False(t, api.IsRetryable(err))
}

func TestResend_TransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	m, err := NewResend("re_key", "lumi@example.com", WithEndpoint(base))
	require.NoError(t, err)

	_, err = m.Send(context.Background(), Message{To: "x@example.com", Subject: "s", Text: "b"})
	require.Error(t, err)
	assert.True(t, api.IsRetryable(err))
}

func TestNewResend_RequiresKey(t *testing.T) {
	_, err := NewResend("", "lumi@example.com")
	var cerr *api.ConfigError
	assert.ErrorAs(t, err, &cerr)
}

func TestLogMailer(t *testing.T) {
	m := NewLogMailer(nil)

	id, err := m.Send(context.Background(), Message{To: "guest@example.com", Subject: "Hi"})
	require.NoError(t, err)
	assert.Contains(t, id, "log-")

	_, err = m.Send(context.Background(), Message{Subject: "Hi"})
	assert.ErrorIs(t, err, ErrNoRecipient)
}

func TestThrottled_LimitsRate(t *testing.T) {
	inner := &countingMailer{}
	m := NewThrottled(inner, 60)

	_, err := m.Send(context.Background(), Message{To: "a@example.com"})
	require.NoError(t, err)

	// The next token is a second away, past this deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Send(ctx, Message{To: "b@example.com"})
	require.Error(t, err)

	assert.Len(t, inner.sent, 1)
}

func TestThrottled_Disabled(t *testing.T) {
	inner := &countingMailer{}
	m := NewThrottled(inner, 0)

	for i := 0; i < 5; i++ {
		_, err := m.Send(context.Background(), Message{To: "a@example.com"})
		require.NoError(t, err)
	}
	assert.Len(t, inner.sent, 5)
}
