package bus

import (
	"errors"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAcknowledger records Ack/Nack calls so dispatch's ack-after-handler
// discipline can be verified without a running broker.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, tag)
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func newDelivery(t *testing.T, ack *fakeAcknowledger, routingKey string, body []byte) amqp.Delivery {
	t.Helper()
	return amqp.Delivery{
		Acknowledger: ack,
		RoutingKey:   routingKey,
		Body:         body,
		DeliveryTag:  1,
	}
}

func TestDispatchAcksOnHandlerSuccess(t *testing.T) {
	c := &Client{}
	ack := &fakeAcknowledger{}
	d := newDelivery(t, ack, "auth.session.snapshot", []byte(`{"event":"auth.session.snapshot","data":{},"timestamp":1.0}`))

	var gotEvent string
	c.dispatch(d, func(env Envelope, routingKey string) error {
		gotEvent = env.Event
		return nil
	})

	assert.Equal(t, "auth.session.snapshot", gotEvent)
	assert.Equal(t, []uint64{1}, ack.acked)
	assert.Empty(t, ack.nacked)
}

func TestDispatchNacksOnHandlerError(t *testing.T) {
	c := &Client{}
	ack := &fakeAcknowledger{}
	d := newDelivery(t, ack, "auth.logout", []byte(`{"event":"auth.logout","data":{},"timestamp":1.0}`))

	c.dispatch(d, func(Envelope, string) error {
		return errors.New("boom")
	})

	require.Len(t, ack.nacked, 1)
	assert.False(t, ack.requeue[0])
	assert.Empty(t, ack.acked)
}

func TestDispatchFallsBackToRoutingKeyWhenEventMissing(t *testing.T) {
	c := &Client{}
	ack := &fakeAcknowledger{}
	d := newDelivery(t, ack, "support.ticket.created", []byte(`{"data":{},"timestamp":1.0}`))

	var gotEvent string
	c.dispatch(d, func(env Envelope, routingKey string) error {
		gotEvent = env.Event
		return nil
	})

	assert.Equal(t, "support.ticket.created", gotEvent)
}

func TestDispatchNacksUndecodableBody(t *testing.T) {
	c := &Client{}
	ack := &fakeAcknowledger{}
	d := newDelivery(t, ack, "auth.logout", []byte(`not json`))

	called := false
	c.dispatch(d, func(Envelope, string) error {
		called = true
		return nil
	})

	assert.False(t, called)
	require.Len(t, ack.nacked, 1)
}
