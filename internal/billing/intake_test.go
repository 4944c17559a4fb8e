package billing

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

const adminChatID = 555

type fakeGateway struct {
	mu    sync.Mutex
	sends map[int64]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{sends: make(map[int64]int)}
}

func (g *fakeGateway) Send(ctx context.Context, recipientID int64, block gateway.Block) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sends[recipientID]++
	return nil
}

func (g *fakeGateway) RevokeMembership(ctx context.Context, recipientID int64, res gateway.Resource) error {
	return nil
}

func (g *fakeGateway) GrantMembershipLink(ctx context.Context, res gateway.Resource) (string, error) {
	return "https://t.me/+invite", nil
}

func (g *fakeGateway) escalations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sends[adminChatID]
}

// fakeApplier fails a scripted number of times per ref (-1 = always) and
// records what it successfully applied.
type fakeApplier struct {
	mu       sync.Mutex
	failures map[string]int
	applied  []Event
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{failures: make(map[string]int)}
}

func (a *fakeApplier) Apply(ctx context.Context, ev Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := a.failures[ev.Ref()]; n != 0 {
		if n > 0 {
			a.failures[ev.Ref()] = n - 1
		}
		return errors.New("subscriber row locked")
	}
	a.applied = append(a.applied, ev)
	return nil
}

func (a *fakeApplier) appliedRefs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	refs := make([]string, 0, len(a.applied))
	for _, ev := range a.applied {
		refs = append(refs, ev.Ref())
	}
	return refs
}

func newIntake(t *testing.T, cfg IntakeConfig, applier Applier) (*Intake, *store.DB, *fakeGateway) {
	t.Helper()
	db, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	gw := newFakeGateway()
	esc := escalate.New(escalate.Config{AdminChatID: adminChatID}, gw, logx.Nop())
	return NewIntake(cfg, db, applier, esc, logx.Nop()), db, gw
}

func TestAcceptDrainRoundTrip(t *testing.T) {
	t.Parallel()
	applier := newFakeApplier()
	in, db, _ := newIntake(t, IntakeConfig{}, applier)
	ctx := context.Background()

	end := time.Now().Add(30 * 24 * time.Hour)
	if err := in.Accept(ctx, CheckoutCompleted{TelegramID: 1, SubscriptionRef: "sub_1", PeriodEnd: &end}); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := in.DrainPending(ctx); err != nil {
		t.Fatalf("DrainPending: %v", err)
	}

	if got := applier.appliedRefs(); len(got) != 1 || got[0] != "sub_1" {
		t.Fatalf("applied = %v, want [sub_1]", got)
	}
	ev, ok := applier.applied[0].(CheckoutCompleted)
	if !ok {
		t.Fatalf("applied event type = %T, want CheckoutCompleted", applier.applied[0])
	}
	if ev.TelegramID != 1 || ev.PeriodEnd == nil || ev.PeriodEnd.UnixMilli() != end.UnixMilli() {
		t.Fatalf("decoded event lost fields: %+v", ev)
	}

	pending, err := db.PendingBillingEvents(ctx, 10)
	if err != nil {
		t.Fatalf("PendingBillingEvents: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after drain = %d, want 0", len(pending))
	}
}

func TestDrainPreservesReceiptOrder(t *testing.T) {
	t.Parallel()
	applier := newFakeApplier()
	in, _, _ := newIntake(t, IntakeConfig{}, applier)
	ctx := context.Background()

	for _, ref := range []string{"sub_a", "sub_b", "sub_c"} {
		if err := in.Accept(ctx, InvoicePaid{SubscriptionRef: ref}); err != nil {
			t.Fatalf("Accept %s: %v", ref, err)
		}
	}
	if err := in.DrainPending(ctx); err != nil {
		t.Fatalf("DrainPending: %v", err)
	}

	got := applier.appliedRefs()
	want := []string{"sub_a", "sub_b", "sub_c"}
	if len(got) != len(want) {
		t.Fatalf("applied = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("applied = %v, want %v (receipt order)", got, want)
		}
	}
}

func TestDrainRetriesUntilBudgetThenParks(t *testing.T) {
	t.Parallel()
	applier := newFakeApplier()
	applier.failures["sub_flaky"] = -1
	in, db, gw := newIntake(t, IntakeConfig{MaxEventAttempts: 2}, applier)
	ctx := context.Background()

	if err := in.Accept(ctx, InvoiceFailed{SubscriptionRef: "sub_flaky"}); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// First pass burns one attempt; the event stays pending.
	if err := in.DrainPending(ctx); err != nil {
		t.Fatalf("DrainPending #1: %v", err)
	}
	pending, err := db.PendingBillingEvents(ctx, 10)
	if err != nil {
		t.Fatalf("PendingBillingEvents: %v", err)
	}
	if len(pending) != 1 || pending[0].Attempts != 1 {
		t.Fatalf("after pass 1: pending=%d attempts=%v, want 1 event with 1 attempt", len(pending), pending)
	}
	if gw.escalations() != 0 {
		t.Fatalf("escalations = %d, want 0 while retry budget remains", gw.escalations())
	}
	id := pending[0].ID

	// Second pass exhausts the budget and parks the event.
	if err := in.DrainPending(ctx); err != nil {
		t.Fatalf("DrainPending #2: %v", err)
	}
	ev, err := db.BillingEventByID(ctx, id)
	if err != nil {
		t.Fatalf("BillingEventByID: %v", err)
	}
	if !ev.Processed || ev.Attempts != 2 {
		t.Fatalf("parked event: processed=%v attempts=%d, want true/2", ev.Processed, ev.Attempts)
	}
	if !strings.Contains(ev.Note, "gave up after 2 attempts") {
		t.Fatalf("note = %q, want the give-up reason", ev.Note)
	}
	if gw.escalations() != 1 {
		t.Fatalf("escalations = %d, want 1", gw.escalations())
	}

	// Third pass sees nothing; no double escalation.
	if err := in.DrainPending(ctx); err != nil {
		t.Fatalf("DrainPending #3: %v", err)
	}
	if gw.escalations() != 1 {
		t.Fatalf("escalations after pass 3 = %d, want still 1", gw.escalations())
	}
}

func TestMalformedPayloadParksImmediately(t *testing.T) {
	t.Parallel()
	applier := newFakeApplier()
	in, db, gw := newIntake(t, IntakeConfig{}, applier)
	ctx := context.Background()

	id, err := db.AppendBillingEvent(ctx, "sub_bad", TypeInvoicePaid, "{not json")
	if err != nil {
		t.Fatalf("AppendBillingEvent: %v", err)
	}
	if err := in.DrainPending(ctx); err != nil {
		t.Fatalf("DrainPending: %v", err)
	}

	ev, err := db.BillingEventByID(ctx, id)
	if err != nil {
		t.Fatalf("BillingEventByID: %v", err)
	}
	if !ev.Processed || ev.Attempts != 0 {
		t.Fatalf("parked event: processed=%v attempts=%d, want true/0 (no retries for garbage)", ev.Processed, ev.Attempts)
	}
	if len(applier.appliedRefs()) != 0 {
		t.Fatal("applier saw a malformed event")
	}
	if gw.escalations() != 1 {
		t.Fatalf("escalations = %d, want 1", gw.escalations())
	}
}

func TestUnknownEventTypeParks(t *testing.T) {
	t.Parallel()
	applier := newFakeApplier()
	in, db, _ := newIntake(t, IntakeConfig{}, applier)
	ctx := context.Background()

	id, err := db.AppendBillingEvent(ctx, "sub_x", "charge_disputed", "{}")
	if err != nil {
		t.Fatalf("AppendBillingEvent: %v", err)
	}
	if err := in.DrainPending(ctx); err != nil {
		t.Fatalf("DrainPending: %v", err)
	}
	ev, err := db.BillingEventByID(ctx, id)
	if err != nil {
		t.Fatalf("BillingEventByID: %v", err)
	}
	if !ev.Processed || !strings.Contains(ev.Note, "unknown event type") {
		t.Fatalf("event not parked with reason: processed=%v note=%q", ev.Processed, ev.Note)
	}
}

func TestCleanupPurgesProcessedOnly(t *testing.T) {
	t.Parallel()
	applier := newFakeApplier()
	in, db, _ := newIntake(t, IntakeConfig{}, applier)
	ctx := context.Background()

	oldDone, err := db.AppendBillingEvent(ctx, "sub_old", TypeInvoicePaid, `{"subscription_ref":"sub_old"}`)
	if err != nil {
		t.Fatalf("AppendBillingEvent: %v", err)
	}
	stillPending, err := db.AppendBillingEvent(ctx, "sub_new", TypeInvoicePaid, `{"subscription_ref":"sub_new"}`)
	if err != nil {
		t.Fatalf("AppendBillingEvent: %v", err)
	}
	if err := db.MarkBillingEventProcessed(ctx, oldDone, time.Now().Add(-10*24*time.Hour)); err != nil {
		t.Fatalf("MarkBillingEventProcessed: %v", err)
	}

	if err := in.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	if _, err := db.BillingEventByID(ctx, oldDone); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old processed event lookup err = %v, want ErrNotFound", err)
	}
	if _, err := db.BillingEventByID(ctx, stillPending); err != nil {
		t.Fatalf("pending event purged: %v", err)
	}
}
