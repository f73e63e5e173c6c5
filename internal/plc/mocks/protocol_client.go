package mocks

import (
	"github.com/stretchr/testify/mock"
)

// MockProtocolClient is a mock implementation of the plc.ProtocolClient interface
type MockProtocolClient struct {
	mock.Mock
}

func (m *MockProtocolClient) Connect(address string, rack, slot int) error {
	args := m.Called(address, rack, slot)
	return args.Error(0)
}

func (m *MockProtocolClient) ReadBlock(blockID, offset, length int) ([]byte, error) {
	args := m.Called(blockID, offset, length)
	if b, ok := args.Get(0).([]byte); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProtocolClient) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockProtocolClient) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}
