package plc

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rufus800/challawa-np/internal/metrics"
	"github.com/rufus800/challawa-np/internal/plc/mocks"
)

var testSession = Session{
	Address: "192.168.200.20",
	Rack:    0,
	Slot:    1,
	BlockID: 39,
	Offset:  0,
	Length:  28,
}

func connectedSupervisor(t *testing.T) (*Supervisor, *mocks.MockProtocolClient) {
	t.Helper()
	client := new(mocks.MockProtocolClient)
	client.On("Disconnect").Return(nil)
	client.On("Connect", "192.168.200.20", 0, 1).Return(nil)
	client.On("IsConnected").Return(true)

	sup := NewSupervisor(client, testSession, nil)
	require.NoError(t, sup.Connect())
	require.Equal(t, Connected, sup.State())
	return sup, client
}

func TestSupervisorConnect(t *testing.T) {
	sup, client := connectedSupervisor(t)

	assert.True(t, sup.Connected())
	assert.Equal(t, 0, sup.ConsecutiveErrors())
	assert.Equal(t, DefaultErrorThreshold, sup.Session().ErrorThreshold)
	client.AssertNumberOfCalls(t, "Connect", 1)
	// A stale session is always closed before connecting.
	client.AssertNumberOfCalls(t, "Disconnect", 1)
}

func TestSupervisorConnectFailure(t *testing.T) {
	client := new(mocks.MockProtocolClient)
	client.On("Disconnect").Return(nil)
	client.On("Connect", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("i/o timeout"))

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	sup := NewSupervisor(client, testSession, rec)

	err := sup.Connect()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectFailure)
	assert.Contains(t, err.Error(), "i/o timeout")
	assert.Equal(t, Disconnected, sup.State())

	_, err = sup.Read()
	assert.ErrorIs(t, err, ErrNotConnected)
	client.AssertNotCalled(t, "ReadBlock", mock.Anything, mock.Anything, mock.Anything)
}

func TestSupervisorConnectWithoutSession(t *testing.T) {
	client := new(mocks.MockProtocolClient)
	client.On("Disconnect").Return(nil)
	client.On("Connect", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	client.On("IsConnected").Return(false)

	sup := NewSupervisor(client, testSession, nil)
	err := sup.Connect()
	assert.ErrorIs(t, err, ErrConnectFailure)
	assert.False(t, sup.Connected())
}

func TestSupervisorReadSuccess(t *testing.T) {
	sup, client := connectedSupervisor(t)
	block := make([]byte, 28)
	block[0] = 0x0A
	client.On("ReadBlock", 39, 0, 28).Return(block, nil)

	got, err := sup.Read()
	require.NoError(t, err)
	assert.Equal(t, block, got)
	assert.Equal(t, 0, sup.ConsecutiveErrors())
}

func TestSupervisorForcesReconnectAfterThreshold(t *testing.T) {
	sup, client := connectedSupervisor(t)
	client.On("ReadBlock", 39, 0, 28).Return(nil, errors.New("ISO: connection reset"))

	_, err := sup.Read()
	assert.ErrorIs(t, err, ErrReadFailure)
	assert.Equal(t, 1, sup.ConsecutiveErrors())
	assert.True(t, sup.Connected())

	_, err = sup.Read()
	assert.ErrorIs(t, err, ErrReadFailure)
	assert.Equal(t, 2, sup.ConsecutiveErrors())
	assert.True(t, sup.Connected())

	_, err = sup.Read()
	assert.ErrorIs(t, err, ErrReadFailure)
	assert.Equal(t, 0, sup.ConsecutiveErrors())
	assert.Equal(t, Disconnected, sup.State())
	assert.Equal(t, uint64(1), sup.Reconnects())

	// One close before connecting plus the forced one.
	client.AssertNumberOfCalls(t, "Disconnect", 2)
}

func TestSupervisorSuccessResetsErrorCount(t *testing.T) {
	sup, client := connectedSupervisor(t)
	good := make([]byte, 28)

	client.On("ReadBlock", 39, 0, 28).Return(nil, errors.New("timeout")).Twice()
	client.On("ReadBlock", 39, 0, 28).Return(good, nil).Once()
	client.On("ReadBlock", 39, 0, 28).Return(nil, errors.New("timeout")).Twice()

	for i := 0; i < 2; i++ {
		_, err := sup.Read()
		require.Error(t, err)
	}
	assert.Equal(t, 2, sup.ConsecutiveErrors())

	_, err := sup.Read()
	require.NoError(t, err)
	assert.Equal(t, 0, sup.ConsecutiveErrors())

	for i := 0; i < 2; i++ {
		_, err := sup.Read()
		require.Error(t, err)
	}
	assert.True(t, sup.Connected(), "two errors after a success must not force a reconnect")
	assert.Equal(t, uint64(0), sup.Reconnects())
}

func TestSupervisorShortBlockIsReadError(t *testing.T) {
	sup, client := connectedSupervisor(t)
	client.On("ReadBlock", 39, 0, 28).Return(make([]byte, 10), nil)

	_, err := sup.Read()
	assert.ErrorIs(t, err, ErrReadFailure)
	assert.Contains(t, err.Error(), "short block")
	assert.Equal(t, 1, sup.ConsecutiveErrors())
}

func TestSupervisorCustomThresholdAndMetrics(t *testing.T) {
	client := new(mocks.MockProtocolClient)
	client.On("Disconnect").Return(nil)
	client.On("Connect", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	client.On("IsConnected").Return(true)
	client.On("ReadBlock", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	session := testSession
	session.ErrorThreshold = 1
	sup := NewSupervisor(client, session, rec)
	require.NoError(t, sup.Connect())

	_, err := sup.Read()
	require.Error(t, err)
	assert.False(t, sup.Connected())
	assert.Equal(t, uint64(1), sup.Reconnects())

	n, err := testutil.GatherAndCount(reg, "pump_monitor_plc_forced_reconnects_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSupervisorDisconnectIsIdempotent(t *testing.T) {
	client := new(mocks.MockProtocolClient)
	client.On("Disconnect").Return(errors.New("already closed"))

	sup := NewSupervisor(client, testSession, nil)
	sup.Disconnect()
	sup.Disconnect()
	assert.Equal(t, Disconnected, sup.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", Disconnected.String())
	assert.Equal(t, "CONNECTING", Connecting.String())
	assert.Equal(t, "CONNECTED", Connected.String())
}

func TestWithDefaultPort(t *testing.T) {
	assert.Equal(t, "192.168.200.20:102", withDefaultPort("192.168.200.20"))
	assert.Equal(t, "10.0.0.5:1102", withDefaultPort("10.0.0.5:1102"))
}
