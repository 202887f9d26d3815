// Package tact implements the cadence engine: a periodic scheduler that
// drains the outbox onto link sockets as constant-size envelopes, emitting
// cover traffic when there is nothing real to send. The loop never calls
// the overlay engine directly — outbox rows are the only hand-off, so the
// two communicate only through the persistent store.
package tact

import (
	"context"
	"log"
	"time"

	"tactmesh/internal/config"
	"tactmesh/internal/overlay"
	"tactmesh/internal/store"
)

// Links is the subset of the link layer the tact loop needs: a snapshot of
// who is currently reachable, and where to send one envelope.
type Links interface {
	Neighbors() []string
	Connected(peerID string) bool
	Send(peerID string, raw []byte) error
}

const minTick = 100 * time.Millisecond

// Loop is the fixed-interval cooperative scheduler.
type Loop struct {
	cfg   *config.Config
	sys   *store.SystemStore
	links Links
}

// NewLoop builds a tact Loop bound to the daemon's outbox and link layer.
func NewLoop(cfg *config.Config, sys *store.SystemStore, links Links) *Loop {
	return &Loop{cfg: cfg, sys: sys, links: links}
}

// Run ticks every cfg.TactInterval (floored at 100ms) until ctx is
// canceled.
func (l *Loop) Run(ctx context.Context) {
	interval := l.cfg.TactInterval
	if interval < minTick {
		interval = minTick
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	neighbors := l.links.Neighbors()
	if len(neighbors) == 0 {
		return
	}

	rows, err := l.sys.DrainOutbox(l.cfg.OutboxDrainLimit)
	if err != nil {
		log.Printf("[tact] outbox drain failed: %v", err)
		return
	}

	if len(rows) == 0 {
		l.sendDummyToAll(neighbors)
		return
	}

	for _, row := range rows {
		l.drainRow(row, neighbors)
	}
}

func (l *Loop) sendDummyToAll(neighbors []string) {
	env, err := overlay.BuildEnvelope("", l.cfg.PacketSize)
	if err != nil {
		log.Printf("[tact] dummy envelope build failed: %v", err)
		return
	}
	for _, peer := range neighbors {
		if err := l.links.Send(peer, env); err != nil {
			log.Printf("[tact] dummy send to %s failed: %v", peer, err)
		}
	}
}

// drainRow transmits one outbox row and always deletes it afterward,
// regardless of per-link outcome. A payload that no longer fits the
// configured frame size is a configuration error: it is logged and the row
// still dropped, never retried.
func (l *Loop) drainRow(row store.OutboxRow, neighbors []string) {
	defer func() {
		if err := l.sys.DeleteOutbox(row.ID); err != nil {
			log.Printf("[tact] outbox delete failed: %v", err)
		}
	}()

	env, err := overlay.BuildEnvelope(row.PacketJSON, l.cfg.PacketSize)
	if err != nil {
		log.Printf("[tact] ConfigInvalid: packet %s exceeds frame size, dropping: %v", row.PacketID, err)
		return
	}

	if row.NextHopID != nil {
		if !l.links.Connected(*row.NextHopID) {
			return
		}
		if err := l.links.Send(*row.NextHopID, env); err != nil {
			log.Printf("[tact] send to %s failed: %v", *row.NextHopID, err)
		}
		return
	}

	for _, peer := range neighbors {
		if row.ExcludePeer != nil && peer == *row.ExcludePeer {
			continue
		}
		if err := l.links.Send(peer, env); err != nil {
			log.Printf("[tact] flood send to %s failed: %v", peer, err)
		}
	}
}
