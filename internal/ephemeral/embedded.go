package ephemeral

import (
	"fmt"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// Embedded is an in-process Redis used for single-binary development runs
// and tests. State is lost when it closes.
type Embedded struct {
	*Store
	server *miniredis.Miniredis
}

func StartEmbedded() (*Embedded, error) {
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		return nil, fmt.Errorf("start embedded redis: %w", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return &Embedded{Store: New(client), server: mr}, nil
}

// Server exposes the underlying miniredis, mostly so tests can move its clock.
func (e *Embedded) Server() *miniredis.Miniredis {
	return e.server
}

func (e *Embedded) Close() error {
	err := e.Store.Close()
	e.server.Close()
	return err
}
