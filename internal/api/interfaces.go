package api

import (
	"context"

	"notesync/internal/services/collaboration"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of the registry, the scheduler and
the stores, so the interfaces it needs live HERE.

The handler doesn't care how rooms are kept or how the database is reached;
it only needs a snapshot of the numbers and a way to ask "are you alive?".
Tests hand in small fakes instead of a full engine.
*/

// RoomStats is what the stats endpoint needs from the room registry
type RoomStats interface {
	Stats() collaboration.Stats
}

// FlushQueue reports how many rooms wait for the persistence scheduler
type FlushQueue interface {
	Pending() int
}

// HealthCheck is any dependency that can be pinged (database, Redis)
type HealthCheck interface {
	Ping(ctx context.Context) error
}
