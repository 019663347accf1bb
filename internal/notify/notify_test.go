package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"quizmaster/internal/models"
	"quizmaster/internal/store"
)

var testEmail = models.Email{
	To:      "alice@example.com",
	Subject: "Your QuizMaster Verification Code",
	Type:    models.EmailVerification,
	Data:    map[string]any{"otp": "123456"},
}

func TestHTTPMailer(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	m := NewHTTPMailer(srv.URL, "key", "noreply@quizmaster.test", time.Second)
	require.NoError(t, m.Send(context.Background(), testEmail))
	assert.Equal(t, "alice@example.com", got.To)
	assert.Equal(t, "noreply@quizmaster.test", got.From)
	assert.Equal(t, models.EmailVerification, got.Type)
	assert.Equal(t, "123456", got.Data["otp"])
}

func TestHTTPMailer_Failures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
		"reply": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":false,"error":"quota exceeded"}`))
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			assert.Error(t, NewHTTPMailer(srv.URL, "", "", time.Second).Send(context.Background(), testEmail))
		})
	}
}

type fakeRequester struct {
	subject string
	body    []byte
	reply   string
	err     error
}

func (f *fakeRequester) RequestWithContext(_ context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.subject, f.body = subj, data
	if f.err != nil {
		return nil, f.err
	}
	return &nats.Msg{Subject: subj, Data: []byte(f.reply)}, nil
}

func TestNATSMailer(t *testing.T) {
	conn := &fakeRequester{reply: `{"success":true}`}
	m := NewNATSMailer(conn, "mail.send", "noreply@quizmaster.test", time.Second)

	require.NoError(t, m.Send(context.Background(), testEmail))
	assert.Equal(t, "mail.send", conn.subject)
	var req sendRequest
	require.NoError(t, json.Unmarshal(conn.body, &req))
	assert.Equal(t, testEmail.To, req.To)

	conn.reply = `{"success":false}`
	assert.Error(t, m.Send(context.Background(), testEmail))

	conn.err = nats.ErrNoResponders
	assert.ErrorIs(t, m.Send(context.Background(), testEmail), nats.ErrNoResponders)
}

type flakyMailer struct {
	failures int
	calls    int
}

func (f *flakyMailer) Send(context.Context, models.Email) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("temporarily unavailable")
	}
	return nil
}

func TestNotifier_EnqueueDelivers(t *testing.T) {
	n := NewNotifier(store.NewMemory(), &flakyMailer{}, 0, zap.NewNop())

	note, err := n.Enqueue(context.Background(), testEmail)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationSent, note.Status)
	assert.Equal(t, 1, note.Attempts)
	assert.NotNil(t, note.SentAt)
}

func TestNotifier_RetryPending(t *testing.T) {
	ctx := context.Background()
	mailer := &flakyMailer{failures: 2}
	n := NewNotifier(store.NewMemory(), mailer, 5, zap.NewNop())

	note, err := n.Enqueue(ctx, testEmail)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationPending, note.Status)
	assert.Equal(t, "temporarily unavailable", note.LastError)

	delivered, err := n.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)

	delivered, err = n.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	all, err := n.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.NotificationSent, all[0].Status)
	assert.Equal(t, 3, all[0].Attempts)

	delivered, err = n.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 3, mailer.calls)
}

func TestNotifier_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	mailer := &flakyMailer{failures: 100}
	n := NewNotifier(store.NewMemory(), mailer, 3, zap.NewNop())

	_, err := n.Enqueue(ctx, testEmail)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := n.RetryPending(ctx)
		require.NoError(t, err)
	}

	all, err := n.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.NotificationFailed, all[0].Status)
	assert.Equal(t, 3, all[0].Attempts)
	assert.Equal(t, 3, mailer.calls)
}
