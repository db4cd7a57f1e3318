package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/kstore/order-api/internal/entity"
	"github.com/kstore/order-api/internal/usecase"
)

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func claimOf(values ...string) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(values))
	for i, v := range values {
		ch <- &sarama.ConsumerMessage{Topic: "fulfillment.events", Offset: int64(i), Value: []byte(v)}
	}
	close(ch)
	return &fakeClaim{msgs: ch}
}

func TestConsumeClaim_RetriesFailedEventBeforeMoving(t *testing.T) {
	var got []usecase.FulfillmentEventMsg
	failures := 0
	h := &cgHandler{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		retryBase: time.Millisecond,
		retryMax:  2 * time.Millisecond,
		handle: func(_ context.Context, ev usecase.FulfillmentEventMsg) error {
			got = append(got, ev)
			if ev.OrderID == 1 && failures < 2 {
				failures++
				return errors.New("db down")
			}
			return nil
		},
	}
	sess := &fakeSession{ctx: context.Background()}

	err := h.ConsumeClaim(sess, claimOf(
		`{"order_id":1,"status":"shipped","tracking_number":"TRK1"}`,
		`{"order_id":2,"status":"delivered"}`,
		`not json`,
	))
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 1, 2}, sess.marked)
	require.Len(t, got, 4)
	for _, ev := range got[:3] {
		assert.Equal(t, int64(1), ev.OrderID)
	}
	assert.Equal(t, int64(2), got[3].OrderID)
}

func TestConsumeClaim_StopsWithoutMarkingWhenSessionEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	h := &cgHandler{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		retryBase: time.Millisecond,
		handle: func(_ context.Context, ev usecase.FulfillmentEventMsg) error {
			calls++
			if calls == 3 {
				cancel()
			}
			return errors.New("db down")
		},
	}
	sess := &fakeSession{ctx: ctx}

	err := h.ConsumeClaim(sess, claimOf(
		`{"order_id":1,"status":"shipped"}`,
		`{"order_id":2,"status":"delivered"}`,
	))
	require.NoError(t, err)

	assert.Empty(t, sess.marked, "nothing after the failed offset may be committed")
	assert.Equal(t, 3, calls)
}

type stubApplier struct{ err error }

func (s stubApplier) ApplyFulfillmentEvent(context.Context, usecase.FulfillmentEventMsg) error {
	return s.err
}

type countMetrics map[string]int

func (m countMetrics) FulfillmentEvent(result string) { m[result]++ }

func TestFulfillmentHandler_Results(t *testing.T) {
	transient := errors.New("deadlock")
	cases := []struct {
		name    string
		err     error
		wantErr error
		result  string
	}{
		{"applied", nil, nil, "applied"},
		{"unknown order", usecase.NotFound("order"), nil, "rejected"},
		{"bad status", usecase.Invalid("Invalid status"), nil, "rejected"},
		{"backwards", domain.ErrInvalidTransition, nil, "rejected"},
		{"transient", transient, transient, "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := countMetrics{}
			h := NewFulfillmentHandler(stubApplier{err: tc.err}, m)
			err := h.Handle(context.Background(), usecase.FulfillmentEventMsg{OrderID: 1, Status: "shipped"})
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, 1, m[tc.result])
		})
	}
}
