package database

import (
	"database/sql"
	"errors"
	"time"
)

const roomColumns = "id, external_id, name, description, participants, max_participants, is_private, status, owner_id, created_at, updated_at"

func scanRoom(row *sql.Row) (Room, error) {
	var room Room
	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.Description,
		&room.Participants,
		&room.MaxParticipants,
		&room.IsPrivate,
		&room.Status,
		&room.OwnerId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	return room, err
}

func (db *PgRoomRepository) GetRoomByExternalId(externalId string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT "+roomColumns+" FROM rooms "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	return scanRoom(row)
}

func (db *PgRoomRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRow(
		"INSERT INTO rooms (external_id, name, description, participants, max_participants, is_private, status, owner_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, 0, $4, $5, 'open', $6, $7, $7) RETURNING "+roomColumns,
		params.ExternalId,
		params.Name,
		params.Description,
		params.MaxParticipants,
		params.IsPrivate,
		params.OwnerId,
		now,
	)

	return scanRoom(row)
}

func (db *PgRoomRepository) DeleteRoom(id int) error {
	_, err := db.conn.Exec("DELETE FROM rooms WHERE id = $1", id)
	return err
}

// IncrementParticipants is conditional on capacity so the counter can
// never be pushed past max_participants by concurrent joiners.
func (db *PgRoomRepository) IncrementParticipants(externalId string) (int, error) {
	row := db.conn.QueryRow(
		"UPDATE rooms SET participants = participants + 1, updated_at = $2 "+
			"WHERE external_id = $1 AND participants < max_participants "+
			"RETURNING participants",
		externalId,
		time.Now().UTC(),
	)

	var count int
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// no row matched: the room is gone or full; disambiguate
			if _, lookupErr := db.GetRoomByExternalId(externalId); lookupErr != nil {
				return 0, lookupErr
			}
			return 0, ErrCapacity
		}
		return 0, err
	}

	return count, nil
}

func (db *PgRoomRepository) DecrementParticipants(externalId string) (int, error) {
	row := db.conn.QueryRow(
		"UPDATE rooms SET participants = GREATEST(participants - 1, 0), updated_at = $2 "+
			"WHERE external_id = $1 "+
			"RETURNING participants",
		externalId,
		time.Now().UTC(),
	)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}
