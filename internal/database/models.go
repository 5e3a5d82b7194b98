package database

import "time"

type Room struct {
	Id              int
	ExternalId      string
	Name            string
	Description     string
	Participants    int
	MaxParticipants int
	IsPrivate       bool
	Status          string
	OwnerId         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type CreateRoomParams struct {
	ExternalId      string `json:"external_id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	MaxParticipants int    `json:"max_participants"`
	IsPrivate       bool   `json:"is_private"`
	OwnerId         int    `json:"-"`
}
