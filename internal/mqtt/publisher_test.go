package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rufus800/challawa-np/internal/model"
	"github.com/rufus800/challawa-np/internal/mqtt/mocks"
)

func okToken() *mocks.MockToken {
	token := new(mocks.MockToken)
	token.On("WaitTimeout", mock.Anything).Return(true)
	token.On("Error").Return(nil)
	return token
}

func sampleFrame() model.SystemFrame {
	return model.SystemFrame{
		Connected: true,
		Sequence:  42,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Readings: map[int]model.DeviceReading{
			1: model.NewDeviceReading(true, true, false, 4.2, 5, 48),
		},
	}
}

func TestPublisherPublishesRetainedStatus(t *testing.T) {
	client := new(mocks.MockMQTTClient)
	client.On("Connect").Return(okToken())
	client.On("Disconnect", uint(250)).Return()

	published := make(chan []byte, 1)
	client.On("Publish", "challawa/pumps/status", byte(1), true, mock.Anything).
		Run(func(args mock.Arguments) {
			published <- args.Get(3).([]byte)
		}).
		Return(okToken())

	p := NewPublisher(client, "challawa/pumps", 1)
	assert.Equal(t, "mqtt", p.ID())
	require.NoError(t, p.Start())
	assert.Error(t, p.Start(), "second start must fail")

	require.NoError(t, p.Deliver(sampleFrame()))

	select {
	case payload := <-published:
		var got model.SystemFrame
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, uint64(42), got.Sequence)
		assert.Equal(t, model.StatusRunning, got.Readings[1].Status)
	case <-time.After(time.Second):
		t.Fatal("frame was not published")
	}

	p.Stop()
	client.AssertCalled(t, "Disconnect", uint(250))
}

func TestPublisherConnectError(t *testing.T) {
	token := new(mocks.MockToken)
	token.On("WaitTimeout", mock.Anything).Return(true)
	token.On("Error").Return(errors.New("not authorized"))

	client := new(mocks.MockMQTTClient)
	client.On("Connect").Return(token)

	p := NewPublisher(client, "pumps", 0)
	err := p.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
}

func TestDeliverDropsWhenQueueFull(t *testing.T) {
	client := new(mocks.MockMQTTClient)
	// Not started: nothing drains the queue.
	p := NewPublisher(client, "pumps", 0)

	for i := 0; i < queueSize; i++ {
		require.NoError(t, p.Deliver(sampleFrame()))
	}
	assert.ErrorIs(t, p.Deliver(sampleFrame()), ErrQueueFull)

	// Stop on a publisher that never started is a no-op.
	p.Stop()
	client.AssertNotCalled(t, "Disconnect", mock.Anything)
}
