package database

import (
	"github.com/stretchr/testify/mock"
)

type MockRoomRepository struct {
	mock.Mock
}

func (m *MockRoomRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockRoomRepository) GetRoomByExternalId(externalId string) (Room, error) {
	args := m.Called(externalId)
	return args.Get(0).(Room), args.Error(1)
}

func (m *MockRoomRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}

func (m *MockRoomRepository) DeleteRoom(id int) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockRoomRepository) IncrementParticipants(externalId string) (int, error) {
	args := m.Called(externalId)
	return args.Int(0), args.Error(1)
}

func (m *MockRoomRepository) DecrementParticipants(externalId string) (int, error) {
	args := m.Called(externalId)
	return args.Int(0), args.Error(1)
}
