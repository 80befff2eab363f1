package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent_Variants(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Event
	}{
		{
			name: "delivered",
			body: `{"type":"email.delivered","created_at":"2024-01-01T00:00:00Z","data":{"email_id":"re_1"}}`,
			want: DeliveredEvent{EventMeta{ResendID: "re_1", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}},
		},
		{
			name: "bounced with message",
			body: `{"type":"email.bounced","data":{"email_id":"re_2","bounce":{"message":"mailbox full"}}}`,
			want: BouncedEvent{EventMeta: EventMeta{ResendID: "re_2"}, Message: "mailbox full"},
		},
		{
			name: "bounced without sub-object",
			body: `{"type":"email.bounced","data":{"email_id":"re_3"}}`,
			want: BouncedEvent{EventMeta: EventMeta{ResendID: "re_3"}},
		},
		{
			name: "failed",
			body: `{"type":"email.failed","data":{"email_id":"re_4","failed":{"reason":"quota"}}}`,
			want: FailedEvent{EventMeta: EventMeta{ResendID: "re_4"}, Reason: "quota"},
		},
		{
			name: "clicked",
			body: `{"type":"email.clicked","data":{"email_id":"re_5","click":{"link":"https://x.test","ipAddress":"1.2.3.4"}}}`,
			want: ClickedEvent{EventMeta: EventMeta{ResendID: "re_5"}, Click: Click{Link: "https://x.test", IPAddress: "1.2.3.4"}},
		},
		{
			name: "unknown type is not an error",
			body: `{"type":"email.scheduled","data":{"email_id":"re_6"}}`,
			want: UnknownEvent{EventMeta: EventMeta{ResendID: "re_6"}, RawType: "email.scheduled"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseEvent([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseEvent_Invalid(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"data":{"email_id":"re_1"}}`,
		`{"type":"email.sent","data":{}}`,
	} {
		_, err := ParseEvent([]byte(body))
		require.Error(t, err, body)
		assert.True(t, errors.Is(err, ErrInvalidEvent), body)
	}
}

func TestNewCallbackEvent_StripsProviderDetail(t *testing.T) {
	ev := BouncedEvent{EventMeta: EventMeta{ResendID: "re_9", CreatedAt: time.Now()}, Message: "no such user"}
	cb := NewCallbackEvent(ev)

	assert.Equal(t, EventBounced, cb.Type)
	assert.Equal(t, "re_9", cb.Data.EmailID)
	require.NotNil(t, cb.Data.Bounce)
	assert.Equal(t, "no such user", cb.Data.Bounce.Message)
	assert.Nil(t, cb.Data.Failed)

	click := NewCallbackEvent(ClickedEvent{EventMeta: EventMeta{ResendID: "re_10"}, Click: Click{Link: "https://x"}})
	assert.Equal(t, CallbackEvent{Type: EventClicked, Data: CallbackEventData{EmailID: "re_10"}}, click)
}

func TestStatus_IsTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusWaiting:         false,
		StatusQueued:          false,
		StatusSent:            false,
		StatusDeliveryDelayed: false,
		StatusDelivered:       true,
		StatusBounced:         true,
		StatusFailed:          true,
		StatusCancelled:       true,
	}
	for s, want := range terminal {
		assert.Equal(t, want, s.IsTerminal(), s)
	}
	assert.True(t, StatusWaiting.IsCancellable())
	assert.True(t, StatusQueued.IsCancellable())
	assert.False(t, StatusSent.IsCancellable())
}

func TestOptions_Equal(t *testing.T) {
	a := Options{APIKey: "k", RetryAttempts: 3, InitialBackoffMs: 1000, OnEmailEvent: &EventHandler{Handle: "h"}}
	b := a
	b.OnEmailEvent = &EventHandler{Handle: "h"}
	assert.True(t, a.Equal(b))

	b.OnEmailEvent.Handle = "other"
	assert.False(t, a.Equal(b))
	assert.Equal(t, time.Second, a.InitialBackoff())
}
