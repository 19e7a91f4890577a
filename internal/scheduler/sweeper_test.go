package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"billingledger/internal/types"
)

type fakeOwnerLister struct {
	owners []types.LedgerOwner
	pages  int
}

func ownerKey(o types.LedgerOwner) string {
	return o.TenantID + "|" + o.Owner.Type + "|" + o.Owner.ID
}

func (f *fakeOwnerLister) ListOwnersWithExpirable(_ context.Context, _ time.Time, after *types.LedgerOwner, limit int) ([]types.LedgerOwner, error) {
	f.pages++
	sorted := append([]types.LedgerOwner(nil), f.owners...)
	sort.Slice(sorted, func(i, j int) bool { return ownerKey(sorted[i]) < ownerKey(sorted[j]) })
	var out []types.LedgerOwner
	for _, o := range sorted {
		if after != nil && ownerKey(o) <= ownerKey(*after) {
			continue
		}
		out = append(out, o)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeExpirer struct {
	mu       sync.Mutex
	amounts  map[string]int64
	fail     map[string]bool
	calls    []string
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeExpirer) Expire(_ context.Context, tenantID string, owner types.OwnerRef, _ time.Time) (int64, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	key := tenantID + "|" + owner.Type + "|" + owner.ID
	f.calls = append(f.calls, key)
	if f.fail[key] {
		return 0, errors.New("lock timeout")
	}
	amount := f.amounts[key]
	delete(f.amounts, key)
	return amount, nil
}

func makeOwners(n int) ([]types.LedgerOwner, map[string]int64) {
	owners := make([]types.LedgerOwner, n)
	amounts := map[string]int64{}
	for i := range owners {
		owners[i] = types.LedgerOwner{
			TenantID: fmt.Sprintf("tenant-%02d", i),
			Owner:    types.TenantOwner(fmt.Sprintf("tenant-%02d", i)),
		}
		amounts[ownerKey(owners[i])] = 100
	}
	return owners, amounts
}

func TestSweep_ExpiresEveryOwnerAcrossPages(t *testing.T) {
	owners, amounts := makeOwners(7)
	lister := &fakeOwnerLister{owners: owners}
	expirer := &fakeExpirer{amounts: amounts}
	rec := newCountingRecorder()
	sweeper := NewExpirationSweeper(lister, expirer, 2, 3, rec, testLogger())

	res, err := sweeper.Sweep(context.Background(), failedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Owners != 7 || res.Expired != 700 || res.Failures != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if lister.pages != 3 {
		t.Errorf("expected 3 pages, got %d", lister.pages)
	}
	if len(expirer.calls) != 7 {
		t.Errorf("expected 7 expire calls, got %d", len(expirer.calls))
	}
	if peak := expirer.peak.Load(); peak > 2 {
		t.Errorf("concurrency limit exceeded: peak %d", peak)
	}
	if rec.get(types.MetricCreditsExpired) != 700 || rec.get(types.MetricOwnersExpired) != 7 {
		t.Errorf("unexpected metrics %v", rec.counts)
	}
}

func TestSweep_OwnerFailureDoesNotAbort(t *testing.T) {
	owners, amounts := makeOwners(4)
	expirer := &fakeExpirer{amounts: amounts, fail: map[string]bool{ownerKey(owners[1]): true}}
	rec := newCountingRecorder()
	sweeper := NewExpirationSweeper(&fakeOwnerLister{owners: owners}, expirer, 4, 50, rec, testLogger())

	res, err := sweeper.Sweep(context.Background(), failedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Owners != 3 || res.Expired != 300 || res.Failures != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if rec.get(types.MetricExpirationFailures) != 1 {
		t.Errorf("expected 1 failure metric, got %v", rec.get(types.MetricExpirationFailures))
	}
}

func TestSweep_NothingDueIsNotCountedAsAffected(t *testing.T) {
	owners, _ := makeOwners(2)
	sweeper := NewExpirationSweeper(&fakeOwnerLister{owners: owners}, &fakeExpirer{amounts: map[string]int64{}}, 0, 0, nil, testLogger())

	res, err := sweeper.Sweep(context.Background(), failedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Owners != 0 || res.Expired != 0 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestSweep_CancelledContextStartsNothing(t *testing.T) {
	owners, amounts := makeOwners(3)
	expirer := &fakeExpirer{amounts: amounts}
	sweeper := NewExpirationSweeper(&fakeOwnerLister{owners: owners}, expirer, 2, 50, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sweeper.Sweep(ctx, failedAt)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(expirer.calls) != 0 {
		t.Errorf("expected no expire calls, got %d", len(expirer.calls))
	}
}
