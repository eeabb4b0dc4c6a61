package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/coviewd/coviewd/internal/protocol"
	"github.com/coviewd/coviewd/internal/session"
)

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(sessionID string, msg *protocol.Message, exclude ...string) {}

func TestReaperEvictsOnTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	manager := session.NewManager(clock, session.Config{
		DefaultMaxParticipants: 8,
		ParticipantTimeout:     5 * time.Minute,
		SessionTTL:             24 * time.Hour,
	}, nopBroadcaster{})

	snap, err := manager.Create("movie night", session.Participant{ID: "owner", DeviceClass: session.DeviceDesktop}, 4)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := manager.Join(snap.ID, session.Participant{ID: "silent", DeviceClass: session.DeviceMobile}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(manager, clock, 30*time.Second)
	go r.Run(ctx)

	// Two waiters on the fake clock would be ambiguous here; the reaper's
	// ticker is the only one, so wait for it before advancing.
	if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatalf("reaper ticker never armed: %v", err)
	}

	// Owner heartbeats across six minutes; "silent" never does.
	for i := 0; i < 12; i++ {
		clock.Advance(30 * time.Second)
		if err := manager.Heartbeat(snap.ID, "owner", protocol.HeartbeatPayload{Status: "online"}); err != nil {
			t.Fatalf("Heartbeat failed: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		got, err := manager.Snapshot(snap.ID)
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if len(got.Participants) == 1 {
			if got.Participants[0].ID != "owner" {
				t.Fatalf("wrong participant survived: %s", got.Participants[0].ID)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("stale participant never evicted")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestReaperRemovesExpiredSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	manager := session.NewManager(clock, session.Config{
		DefaultMaxParticipants: 8,
		ParticipantTimeout:     5 * time.Minute,
		SessionTTL:             time.Hour,
	}, nopBroadcaster{})

	snap, err := manager.Create("abandoned", session.Participant{ID: "owner", DeviceClass: session.DeviceVR}, 2)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(manager, clock, 30*time.Second)
	go r.Run(ctx)

	if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatalf("reaper ticker never armed: %v", err)
	}

	// Idle well past the TTL; ticks fire along the way.
	for i := 0; i < 4; i++ {
		clock.Advance(30 * time.Minute)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, err := manager.Snapshot(snap.ID); errors.Is(err, session.ErrSessionNotFound) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expired session never removed")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}
