package broadcast

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"memberbot/internal/escalate"
	"memberbot/internal/gateway"
	"memberbot/internal/store"
	"memberbot/pkg/logx"
)

const adminChatID = 888

type fakeGateway struct {
	mu      sync.Mutex
	sendErr map[int64]error
	sends   map[int64]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{sendErr: make(map[int64]error), sends: make(map[int64]int)}
}

func (g *fakeGateway) Send(ctx context.Context, recipientID int64, block gateway.Block) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.sendErr[recipientID]; err != nil {
		return err
	}
	g.sends[recipientID]++
	return nil
}

func (g *fakeGateway) RevokeMembership(ctx context.Context, recipientID int64, res gateway.Resource) error {
	return nil
}

func (g *fakeGateway) GrantMembershipLink(ctx context.Context, res gateway.Resource) (string, error) {
	return "https://t.me/+invite", nil
}

func (g *fakeGateway) sendsTo(recipientID int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sends[recipientID]
}

func newService(t *testing.T, gw *fakeGateway) (*Service, *store.DB) {
	t.Helper()
	db, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	esc := escalate.New(escalate.Config{AdminChatID: adminChatID}, gw, logx.Nop())
	// High ceiling and no block delay keep the drain fast under test.
	cfg := Config{RatePerSec: 10000, BlockDelay: time.Millisecond}
	return New(cfg, db, gw, esc, logx.Nop()), db
}

func seedActive(t *testing.T, db *store.DB, telegramID int64) store.Subscriber {
	t.Helper()
	ctx := context.Background()
	sub, err := db.UpsertSubscriber(ctx, telegramID, "user", "User")
	if err != nil {
		t.Fatalf("UpsertSubscriber: %v", err)
	}
	sub, err = db.MutateSubscriber(ctx, sub.ID, func(u *store.Subscriber) error {
		u.State = store.StateActive
		return nil
	})
	if err != nil {
		t.Fatalf("MutateSubscriber: %v", err)
	}
	return sub
}

func TestCreateSnapshotsAudienceOnce(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	svc, db := newService(t, gw)
	ctx := context.Background()

	seedActive(t, db, 100)
	seedActive(t, db, 101)

	job, err := svc.Create(ctx, "launch", store.AudienceActive, []gateway.Block{{Text: "hello"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.TotalRecipients != 2 || job.Status != store.BroadcastPending {
		t.Fatalf("job = total %d status %s, want 2 pending", job.TotalRecipients, job.Status)
	}

	// A subscriber arriving after creation is not part of the snapshot.
	seedActive(t, db, 102)

	if err := svc.DrainPending(ctx); err != nil {
		t.Fatalf("DrainPending: %v", err)
	}
	got, err := db.BroadcastByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("BroadcastByID: %v", err)
	}
	if got.Status != store.BroadcastCompleted || got.SentCount != 2 || got.FailedCount != 0 {
		t.Fatalf("job after drain = %s sent=%d failed=%d, want completed 2/0", got.Status, got.SentCount, got.FailedCount)
	}
	if gw.sendsTo(102) != 0 {
		t.Fatal("late subscriber received the broadcast despite the snapshot")
	}
	if gw.sendsTo(100) != 1 || gw.sendsTo(101) != 1 {
		t.Fatalf("sends = %d/%d, want one each", gw.sendsTo(100), gw.sendsTo(101))
	}
}

func TestCreateRejectsEmptyContent(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	svc, _ := newService(t, gw)
	if _, err := svc.Create(context.Background(), "empty", store.AudienceAll, nil); err == nil {
		t.Fatal("Create accepted a broadcast with no blocks")
	}
}

func TestDrainIsolatesRecipientFailures(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	svc, db := newService(t, gw)
	ctx := context.Background()

	seedActive(t, db, 110)
	bad := seedActive(t, db, 111)
	seedActive(t, db, 112)
	gw.sendErr[bad.TelegramID] = errors.New("forbidden: bot was blocked by the user")

	job, err := svc.Create(ctx, "mixed", store.AudienceActive, []gateway.Block{{Text: "hi"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.DrainPending(ctx); err != nil {
		t.Fatalf("DrainPending: %v", err)
	}

	got, err := db.BroadcastByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("BroadcastByID: %v", err)
	}
	if got.Status != store.BroadcastCompleted {
		t.Fatalf("status = %s, want completed despite one failure", got.Status)
	}
	if got.SentCount != 2 || got.FailedCount != 1 {
		t.Fatalf("sent=%d failed=%d, want 2/1", got.SentCount, got.FailedCount)
	}
	if got.SentCount+got.FailedCount != got.TotalRecipients {
		t.Fatalf("sent+failed = %d, want total %d", got.SentCount+got.FailedCount, got.TotalRecipients)
	}
	if !strings.Contains(got.RunLog, "✗ recipient 111") {
		t.Fatalf("run log missing failure line:\n%s", got.RunLog)
	}
	if !strings.Contains(got.RunLog, "✓ recipient 110") || !strings.Contains(got.RunLog, "✓ recipient 112") {
		t.Fatalf("run log missing success lines:\n%s", got.RunLog)
	}
	if !strings.Contains(got.RunLog, "Total: 3, Sent: 2, Failed: 1") {
		t.Fatalf("run log missing summary:\n%s", got.RunLog)
	}
}

func TestDrainProcessesJobsInCreationOrder(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	svc, db := newService(t, gw)
	ctx := context.Background()
	seedActive(t, db, 120)

	first, err := svc.Create(ctx, "first", store.AudienceActive, []gateway.Block{{Text: "1"}})
	if err != nil {
		t.Fatalf("Create first: %v", err)
	}
	second, err := svc.Create(ctx, "second", store.AudienceActive, []gateway.Block{{Text: "2"}})
	if err != nil {
		t.Fatalf("Create second: %v", err)
	}
	if err := svc.DrainPending(ctx); err != nil {
		t.Fatalf("DrainPending: %v", err)
	}

	a, _ := db.BroadcastByID(ctx, first.ID)
	b, _ := db.BroadcastByID(ctx, second.ID)
	if a.Status != store.BroadcastCompleted || b.Status != store.BroadcastCompleted {
		t.Fatalf("statuses = %s/%s, want both completed", a.Status, b.Status)
	}
	if a.CompletedAt == nil || b.CompletedAt == nil || b.CompletedAt.Before(*a.CompletedAt) {
		t.Fatalf("second completed at %v before first at %v", b.CompletedAt, a.CompletedAt)
	}
	if gw.sendsTo(120) != 2 {
		t.Fatalf("sends = %d, want one per job", gw.sendsTo(120))
	}
}

func TestSweepStaleFailsStuckJobsAndEscalates(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	svc, db := newService(t, gw)
	ctx := context.Background()
	seedActive(t, db, 130)

	job, err := svc.Create(ctx, "stuck", store.AudienceActive, []gateway.Block{{Text: "x"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Simulate a crash mid-drain: processing started two hours ago.
	if err := db.MarkBroadcastProcessing(ctx, job.ID, time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatalf("MarkBroadcastProcessing: %v", err)
	}

	if err := svc.SweepStale(ctx); err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	got, err := db.BroadcastByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("BroadcastByID: %v", err)
	}
	if got.Status != store.BroadcastFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if gw.sendsTo(adminChatID) != 1 {
		t.Fatalf("escalations = %d, want 1", gw.sendsTo(adminChatID))
	}

	// Unsent recipients stay queued for inspection; a second sweep is silent.
	items, err := db.PendingQueueItems(ctx, job.ID)
	if err != nil {
		t.Fatalf("PendingQueueItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("pending queue items = %d, want 1", len(items))
	}
	if err := svc.SweepStale(ctx); err != nil {
		t.Fatalf("second SweepStale: %v", err)
	}
	if gw.sendsTo(adminChatID) != 1 {
		t.Fatalf("escalations after second sweep = %d, want still 1", gw.sendsTo(adminChatID))
	}
}

func TestPruneOldRemovesCompletedJobsOnly(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	svc, db := newService(t, gw)
	ctx := context.Background()
	seedActive(t, db, 140)

	oldJob, err := svc.Create(ctx, "old", store.AudienceActive, []gateway.Block{{Text: "x"}})
	if err != nil {
		t.Fatalf("Create old: %v", err)
	}
	pending, err := svc.Create(ctx, "pending", store.AudienceActive, []gateway.Block{{Text: "y"}})
	if err != nil {
		t.Fatalf("Create pending: %v", err)
	}
	long := time.Now().Add(-60 * 24 * time.Hour)
	if err := db.CompleteBroadcast(ctx, oldJob.ID, 1, 0, "done", long); err != nil {
		t.Fatalf("CompleteBroadcast: %v", err)
	}

	if err := svc.PruneOld(ctx); err != nil {
		t.Fatalf("PruneOld: %v", err)
	}
	if _, err := db.BroadcastByID(ctx, oldJob.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old job lookup err = %v, want ErrNotFound", err)
	}
	if _, err := db.BroadcastByID(ctx, pending.ID); err != nil {
		t.Fatalf("pending job pruned: %v", err)
	}
}
