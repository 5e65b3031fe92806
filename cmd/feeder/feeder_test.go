package main

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/example/taxi-dispatch/internal/catalog"
	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/logging"
	"github.com/example/taxi-dispatch/internal/models"
)

type fakePublisher struct {
	failFor map[int64]bool
	sent    []models.PositionUpdate
}

func (f *fakePublisher) PublishPosition(ctx context.Context, u models.PositionUpdate) error {
	if f.failFor[u.DriverID] {
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, u)
	return nil
}

func TestNewWalkersSkipsOfflineAndUnpositioned(t *testing.T) {
	ws := newWalkers(catalog.Default(), rand.New(rand.NewSource(1)))
	if len(ws) != 4 {
		t.Fatalf("expected 4 walkers, got %d", len(ws))
	}
	for _, w := range ws {
		if w.driverID == 5 {
			t.Fatalf("offline driver should not walk")
		}
	}
}

func TestWalkerStepMovesTowardTarget(t *testing.T) {
	start := models.Coord{Lat: 40.758, Lng: -73.9855}
	target := models.Coord{Lat: 40.7812, Lng: -73.9665}
	next := models.Coord{Lat: 40.7061, Lng: -73.9969}
	w := &walker{driverID: 1, pos: start, target: target, pick: func() models.Coord { return next }}

	before := geo.HaversineKm(start, target)
	p := w.step(0.5)
	after := geo.HaversineKm(p, target)
	if diff := before - after; diff < 0.45 || diff > 0.55 {
		t.Fatalf("expected to close about 0.5 km, closed %.3f", diff)
	}

	p = w.step(100)
	if p != target {
		t.Fatalf("expected to snap to target, got %+v", p)
	}
	if w.target != next {
		t.Fatalf("expected a new target after arrival")
	}
}

func TestTickPublishesAndCountsFailures(t *testing.T) {
	ws := newWalkers(catalog.Default(), rand.New(rand.NewSource(7)))
	pub := &fakePublisher{failFor: map[int64]bool{2: true}}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	sent := tick(context.Background(), pub, ws, 0.1, now, logging.Discard())
	if sent != 3 || len(pub.sent) != 3 {
		t.Fatalf("expected 3 published positions, got %d", sent)
	}
	for _, u := range pub.sent {
		if u.DriverID == 2 {
			t.Fatalf("failed publish should not be recorded")
		}
		if !u.At.Equal(now) {
			t.Fatalf("unexpected timestamp %v", u.At)
		}
		if !(models.Coord{Lat: u.Lat, Lng: u.Lng}).Valid() {
			t.Fatalf("invalid coordinate %+v", u)
		}
	}
}
