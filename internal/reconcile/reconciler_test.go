package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/pricetrail/internal/features"
	"github.com/kalambet/pricetrail/internal/identity"
)

var t0 = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

func runAt(n int) time.Time {
	return t0.Add(time.Duration(n) * 24 * time.Hour)
}

func laptop(ram string, price int64) features.FeatureSet {
	return features.FeatureSet{
		Brand: "Asus", Series: "Vivobook", ProcessorDetail: "Intel Core i5-1335U",
		ProcessorCategory: "Intel Core i5", GPU: "Intel Iris Xe", GPUCategory: "Intel Integrated Graphics",
		RAM: ram, Storage: "512GB", DisplaySize: `14"`, Price: features.PriceOf(price),
	}
}

func rec(id string, ram string, price int64) Record {
	return Record{
		ProductID: identity.ProductID(id),
		RawName:   "Asus Vivobook " + id,
		Features:  laptop(ram, price),
		ScrapedAt: t0,
	}
}

// step plans and applies one run, failing the test on error.
func step(t *testing.T, r *Reconciler, snap Snapshot, n int, batch ...Record) (Snapshot, *Plan) {
	t.Helper()
	plan, err := r.Plan(context.Background(), snap, runAt(n), batch)
	if err != nil {
		t.Fatalf("Plan run %d: %v", n, err)
	}
	next, err := Apply(snap, plan)
	if err != nil {
		t.Fatalf("Apply run %d: %v", n, err)
	}
	return next, plan
}

func entryTypes(p *Plan) map[identity.ProductID]ChangeType {
	out := map[identity.ProductID]ChangeType{}
	for _, e := range p.Entries {
		out[e.ProductID] = e.Type
	}
	return out
}

func TestPlanNewArrival(t *testing.T) {
	r := New(Options{})
	snap, plan := step(t, r, EmptySnapshot(), 1, rec("A", "16GB", 1000))

	if len(plan.Entries) != 1 || plan.Entries[0].Type != ChangeNew {
		t.Fatalf("entries = %+v, want one NEW", plan.Entries)
	}
	if len(plan.Opens) != 1 {
		t.Fatalf("opens = %d, want 1", len(plan.Opens))
	}
	v := plan.Opens[0]
	if !v.ValidFrom.Equal(runAt(1)) || v.ValidTo != nil || !v.IsCurrent {
		t.Errorf("opened version = %+v, want open current version from run 1", v)
	}
	if len(plan.Closes) != 0 {
		t.Errorf("closes = %d, want 0", len(plan.Closes))
	}
	if _, ok := snap.Current["A"]; !ok {
		t.Error("A missing from current state after apply")
	}
	if plan.Entries[0].Previous != nil {
		t.Errorf("NEW entry Previous = %+v, want nil", plan.Entries[0].Previous)
	}
}

func TestPlanPriceOnlyChange(t *testing.T) {
	r := New(Options{})
	snap, _ := step(t, r, EmptySnapshot(), 1, rec("A", "16GB", 1000))
	oldVersion := snap.Current["A"].Version.VersionID

	snap, plan := step(t, r, snap, 2, rec("A", "16GB", 900))

	if diff := cmp.Diff(map[identity.ProductID]ChangeType{"A": ChangePriceDown}, entryTypes(plan)); diff != "" {
		t.Fatalf("entry types mismatch (-want +got):\n%s", diff)
	}
	if len(plan.Closes) != 1 || plan.Closes[0].VersionID != oldVersion {
		t.Errorf("closes = %+v, want the run-1 version", plan.Closes)
	}
	if len(plan.Opens) != 1 || plan.Opens[0].Features.Price != features.PriceOf(900) {
		t.Errorf("opens = %+v, want one version at price 900", plan.Opens)
	}
	if e := plan.Entries[0]; e.PriceDelta != -100 {
		t.Errorf("PriceDelta = %d, want -100", e.PriceDelta)
	}
	if got := snap.Current["A"].Version.Features.Price; got != features.PriceOf(900) {
		t.Errorf("current price = %v, want 900", got)
	}

	_, plan = step(t, r, snap, 3, rec("A", "16GB", 1200))
	if got := plan.Entries[0].Type; got != ChangePriceUp {
		t.Errorf("run 3 type = %s, want PRICE_UP", got)
	}
}

func TestPlanAttrChangeTakesPrecedence(t *testing.T) {
	r := New(Options{})
	snap, _ := step(t, r, EmptySnapshot(), 1, rec("A", "16GB", 1000))

	changed := rec("A", "16GB", 900)
	changed.Features.GPU = "NVIDIA GeForce MX550"
	changed.Features.GPUCategory = "NVIDIA GeForce Entry-Level"
	_, plan := step(t, r, snap, 2, changed)

	e := plan.Entries[0]
	if e.Type != ChangeAttr {
		t.Fatalf("type = %s, want ATTR_CHANGED", e.Type)
	}
	want := []string{features.FieldGPU, features.FieldGPUCategory, features.FieldPrice}
	if diff := cmp.Diff(want, e.ChangedFields); diff != "" {
		t.Errorf("ChangedFields mismatch (-want +got):\n%s", diff)
	}
	if plan.Stats.PriceDown != 0 || plan.Stats.AttrChanged != 1 {
		t.Errorf("stats = %+v, want one attr change and no price change", plan.Stats)
	}
	if len(plan.Closes) != 1 || len(plan.Opens) != 1 {
		t.Errorf("closes/opens = %d/%d, want 1/1", len(plan.Closes), len(plan.Opens))
	}
}

func TestPlanPriceBecomingUnknownIsAttrChange(t *testing.T) {
	r := New(Options{})
	snap, _ := step(t, r, EmptySnapshot(), 1, rec("A", "16GB", 1000))

	unknown := rec("A", "16GB", 0)
	unknown.Features.Price = features.Price{}
	_, plan := step(t, r, snap, 2, unknown)
	if got := plan.Entries[0].Type; got != ChangeAttr {
		t.Errorf("type = %s, want ATTR_CHANGED", got)
	}
}

func TestPlanUnchanged(t *testing.T) {
	r := New(Options{})
	snap, _ := step(t, r, EmptySnapshot(), 1, rec("A", "16GB", 1000))

	same := rec("A", "16GB", 1000)
	same.RawName = "ASUS VIVOBOOK A - promo"
	_, plan := step(t, r, snap, 2, same)

	if got := plan.Entries[0].Type; got != ChangeUnchanged {
		t.Errorf("type = %s, want UNCHANGED", got)
	}
	if len(plan.Opens)+len(plan.Closes)+len(plan.CurrentOps) != 0 {
		t.Errorf("unchanged product produced writes: %+v", plan)
	}
}

func TestMissedRunGrace(t *testing.T) {
	const threshold = 3
	r := New(Options{MissedRunThreshold: threshold})
	snap, _ := step(t, r, EmptySnapshot(), 1, rec("A", "16GB", 1000), rec("B", "8GB", 500))

	// A is absent from the following runs while B keeps the batch at full size.
	for n := 2; n <= threshold; n++ {
		var plan *Plan
		snap, plan = step(t, r, snap, n, rec("B", "8GB", 500))
		if plan.Stats.Disappeared != 0 || len(plan.Closes) != 0 {
			t.Fatalf("run %d closed a product before the threshold: %+v", n, plan.Entries)
		}
		if got := snap.Current["A"].MissedRuns; got != n-1 {
			t.Errorf("run %d: A missed = %d, want %d", n, got, n-1)
		}
	}

	snap, plan := step(t, r, snap, threshold+1, rec("B", "8GB", 500))
	if got := entryTypes(plan)["A"]; got != ChangeDisappeared {
		t.Fatalf("run %d: A = %s, want DISAPPEARED", threshold+1, got)
	}
	if plan.Stats.Disappeared != 1 {
		t.Errorf("disappeared = %d, want 1", plan.Stats.Disappeared)
	}
	if _, ok := snap.Current["A"]; ok {
		t.Error("A still current after DISAPPEARED")
	}
	if !snap.Retired["A"] {
		t.Error("A not marked retired")
	}
}

func TestMissedCounterResetsWhenSeen(t *testing.T) {
	r := New(Options{MissedRunThreshold: 3})
	snap, _ := step(t, r, EmptySnapshot(), 1, rec("A", "16GB", 1000), rec("B", "8GB", 500))
	snap, _ = step(t, r, snap, 2, rec("B", "8GB", 500))
	snap, _ = step(t, r, snap, 3, rec("B", "8GB", 500))
	if got := snap.Current["A"].MissedRuns; got != 2 {
		t.Fatalf("A missed = %d, want 2", got)
	}

	snap, plan := step(t, r, snap, 4, rec("A", "16GB", 1000), rec("B", "8GB", 500))
	if got := entryTypes(plan)["A"]; got != ChangeUnchanged {
		t.Errorf("A = %s, want UNCHANGED", got)
	}
	if got := snap.Current["A"].MissedRuns; got != 0 {
		t.Errorf("A missed after return = %d, want 0", got)
	}

	// The counter starts over: two more misses are still under the threshold.
	snap, _ = step(t, r, snap, 5, rec("B", "8GB", 500))
	_, plan = step(t, r, snap, 6, rec("B", "8GB", 500))
	if plan.Stats.Disappeared != 0 {
		t.Errorf("A disappeared after a reset counter: %+v", plan.Entries)
	}
}

func TestTruncationGuard(t *testing.T) {
	r := New(Options{MissedRunThreshold: 1, TruncationRatio: 0.5})
	var full []Record
	for i := 0; i < 10; i++ {
		full = append(full, rec(fmt.Sprintf("P%02d", i), "16GB", 1000))
	}
	snap, _ := step(t, r, EmptySnapshot(), 1, full...)

	// Four records against a baseline of ten is under the ratio.
	short := []Record{
		rec("P00", "16GB", 900),
		rec("P01", "16GB", 1000),
		rec("P02", "16GB", 1000),
		rec("NEW", "32GB", 2000),
	}
	snap, plan := step(t, r, snap, 2, short...)

	if !plan.Truncated {
		t.Fatal("Truncated = false, want true")
	}
	if plan.Stats.Disappeared != 0 || len(plan.Closes) != 1 {
		t.Errorf("truncated run: disappeared=%d closes=%d, want 0 and 1 (the price change)",
			plan.Stats.Disappeared, len(plan.Closes))
	}
	types := entryTypes(plan)
	if types["P00"] != ChangePriceDown || types["NEW"] != ChangeNew {
		t.Errorf("entry types = %v, want P00 PRICE_DOWN and NEW NEW", types)
	}
	if len(plan.Issues) != 1 || plan.Issues[0].Kind != IssueBatchTruncated {
		t.Fatalf("issues = %+v, want one BATCH_TRUNCATED", plan.Issues)
	}
	if !errors.Is(plan.Issues[0].Err(), ErrBatchTruncated) {
		t.Error("issue error does not wrap ErrBatchTruncated")
	}
	if got := snap.Current["P09"].MissedRuns; got != 0 {
		t.Errorf("P09 missed = %d, want 0 while truncated", got)
	}
	if snap.Baseline != 10 {
		t.Errorf("baseline = %d, want 10 kept from the last full run", snap.Baseline)
	}
}

func TestEmptyBatchIsTruncated(t *testing.T) {
	r := New(Options{MissedRunThreshold: 1})
	snap, _ := step(t, r, EmptySnapshot(), 1, rec("A", "16GB", 1000))
	snap, plan := step(t, r, snap, 2)
	if !plan.Truncated || plan.Stats.Disappeared != 0 {
		t.Errorf("empty batch: truncated=%v disappeared=%d, want true and 0", plan.Truncated, plan.Stats.Disappeared)
	}
	if _, ok := snap.Current["A"]; !ok {
		t.Error("A closed by an empty batch")
	}
}

func TestTruncationRatioDisabled(t *testing.T) {
	for _, ratio := range []float64{0, -1} {
		t.Run(fmt.Sprint(ratio), func(t *testing.T) {
			r := New(Options{MissedRunThreshold: 1, TruncationRatio: ratio})
			snap, _ := step(t, r, EmptySnapshot(), 1, rec("A", "16GB", 1000), rec("B", "8GB", 500), rec("C", "8GB", 700))
			_, plan := step(t, r, snap, 2, rec("A", "16GB", 1000))
			if plan.Truncated {
				t.Errorf("Truncated = true with ratio %v", ratio)
			}
			if plan.Stats.Disappeared != 2 {
				t.Errorf("disappeared = %d, want 2", plan.Stats.Disappeared)
			}
		})
	}
}

func TestCollapseDuplicatesKeepsLatest(t *testing.T) {
	r := New(Options{})
	early := rec("A", "16GB", 1000)
	late := rec("A", "16GB", 950)
	late.ScrapedAt = t0.Add(time.Minute)

	_, plan := step(t, r, EmptySnapshot(), 1, late, early)
	if plan.Stats.Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", plan.Stats.Duplicates)
	}
	if len(plan.Opens) != 1 || plan.Opens[0].Features.Price != features.PriceOf(950) {
		t.Errorf("opens = %+v, want the later scrape at 950", plan.Opens)
	}
}

func TestIdentityCollision(t *testing.T) {
	r := New(Options{MissedRunThreshold: 1})
	snap, _ := step(t, r, EmptySnapshot(), 1, rec("A", "16GB", 1000), rec("B", "8GB", 500))

	a1 := rec("A", "16GB", 1000)
	a2 := rec("A", "16GB", 1000)
	a2.Features.GPU = "NVIDIA GeForce RTX 3050"
	a2.Features.GPUCategory = "NVIDIA GeForce Entry-Level"
	snap, plan := step(t, r, snap, 2, a1, a2, rec("B", "8GB", 500))

	if plan.Stats.Collisions != 1 {
		t.Fatalf("collisions = %d, want 1", plan.Stats.Collisions)
	}
	if len(plan.Issues) != 1 || plan.Issues[0].Kind != IssueIdentityCollision || plan.Issues[0].ProductID != "A" {
		t.Fatalf("issues = %+v, want one collision on A", plan.Issues)
	}
	if !errors.Is(plan.Issues[0].Err(), ErrIdentityCollision) {
		t.Error("issue error does not wrap ErrIdentityCollision")
	}
	if _, ok := entryTypes(plan)["A"]; ok {
		t.Error("collided product got a change-log entry")
	}
	// Collided products count as seen.
	if _, ok := snap.Current["A"]; !ok {
		t.Error("A closed after a collision")
	}
}

func TestLowConfidencePossibleDuplicate(t *testing.T) {
	r := New(Options{})
	old := Record{
		ProductID:     "n_old",
		RawName:       "Laptop Gaming Murah Bergaransi Resmi",
		Features:      features.FeatureSet{Brand: features.Unknown, Price: features.PriceOf(5000)},
		LowConfidence: true,
		ScrapedAt:     t0,
	}
	other := rec("A", "16GB", 1000)
	snap, _ := step(t, r, EmptySnapshot(), 1, old, other)

	relisted := old
	relisted.ProductID = "n_new"
	relisted.RawName = "Laptop Gaming Murah Bergaransi Resmi!!"
	relisted.Features.Price = features.PriceOf(4800)
	unrelated := Record{
		ProductID:     "n_other",
		RawName:       "Charger Universal",
		Features:      features.FeatureSet{Brand: features.Unknown},
		LowConfidence: true,
		ScrapedAt:     t0,
	}
	_, plan := step(t, r, snap, 2, relisted, unrelated, other)

	byID := map[identity.ProductID]ChangeEntry{}
	for _, e := range plan.Entries {
		byID[e.ProductID] = e
	}
	dup := byID["n_new"]
	if dup.Type != ChangeAttr || !dup.LowConfidence || dup.DuplicateOf != "n_old" {
		t.Errorf("relisted entry = %+v, want low-confidence ATTR_CHANGED duplicating n_old", dup)
	}
	if dup.Previous == nil || dup.Previous.Price != features.PriceOf(5000) {
		t.Errorf("relisted Previous = %+v, want the n_old attributes", dup.Previous)
	}
	if got := byID["n_other"]; got.Type != ChangeNew || !got.LowConfidence {
		t.Errorf("unrelated entry = %+v, want low-confidence NEW", got)
	}
	// Not merged: the relisted id gets its own version.
	opened := map[identity.ProductID]bool{}
	for _, v := range plan.Opens {
		opened[v.ProductID] = true
	}
	if !opened["n_new"] {
		t.Error("no version opened for the possible duplicate")
	}
	if plan.Stats.LowConfidence != 2 {
		t.Errorf("low-confidence count = %d, want 2", plan.Stats.LowConfidence)
	}
}

func TestReappearedProductIsNew(t *testing.T) {
	r := New(Options{MissedRunThreshold: 1})
	snap, _ := step(t, r, EmptySnapshot(), 1, rec("A", "16GB", 1000), rec("B", "8GB", 500))
	snap, _ = step(t, r, snap, 2, rec("B", "8GB", 500))
	_, plan := step(t, r, snap, 3, rec("A", "16GB", 1000), rec("B", "8GB", 500))

	var got ChangeEntry
	for _, e := range plan.Entries {
		if e.ProductID == "A" {
			got = e
		}
	}
	if got.Type != ChangeNew || !got.Reappeared {
		t.Errorf("returning product entry = %+v, want NEW with Reappeared", got)
	}
}

func TestPlanRejectsOutOfOrderRun(t *testing.T) {
	r := New(Options{})
	snap, _ := step(t, r, EmptySnapshot(), 2, rec("A", "16GB", 1000))
	for _, n := range []int{1, 2} {
		_, err := r.Plan(context.Background(), snap, runAt(n), []Record{rec("A", "16GB", 1000)})
		if !errors.Is(err, ErrRunOutOfOrder) {
			t.Errorf("Plan run %d err = %v, want ErrRunOutOfOrder", n, err)
		}
	}
}

func TestApplyDetectsConflict(t *testing.T) {
	r := New(Options{})
	snap, _ := step(t, r, EmptySnapshot(), 1, rec("A", "16GB", 1000))

	stale, err := r.Plan(context.Background(), snap, runAt(2), []Record{rec("A", "16GB", 900)})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	snap, _ = step(t, r, snap, 3, rec("A", "16GB", 800))

	if _, err := Apply(snap, stale); !errors.Is(err, ErrCommitConflict) {
		t.Errorf("Apply(stale) err = %v, want ErrCommitConflict", err)
	}
}

func TestPlanCancelled(t *testing.T) {
	r := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Plan(ctx, EmptySnapshot(), runAt(1), []Record{rec("A", "16GB", 1000)}); !errors.Is(err, context.Canceled) {
		t.Errorf("Plan err = %v, want context.Canceled", err)
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	r := New(Options{Workers: 8})
	var batch []Record
	for i := 0; i < 50; i++ {
		batch = append(batch, rec(fmt.Sprintf("P%02d", i), "16GB", int64(1000+i)))
	}
	snap, _ := step(t, r, EmptySnapshot(), 1, batch...)
	for i := range batch {
		batch[i].Features.Price = features.PriceOf(int64(900 + i))
	}

	var prev []identity.ProductID
	for attempt := 0; attempt < 3; attempt++ {
		plan, err := r.Plan(context.Background(), snap, runAt(2), batch)
		if err != nil {
			t.Fatalf("Plan: %v", err)
		}
		var ids []identity.ProductID
		for _, e := range plan.Entries {
			ids = append(ids, e.ProductID)
		}
		if prev != nil {
			if diff := cmp.Diff(prev, ids); diff != "" {
				t.Fatalf("entry order differs between attempts (-first +now):\n%s", diff)
			}
		}
		prev = ids
	}
}

// The worked example: A arrives, drops in price, then goes missing.
func TestWorkedExample(t *testing.T) {
	const threshold = 3
	r := New(Options{MissedRunThreshold: threshold, TruncationRatio: -1})

	snap, plan := step(t, r, EmptySnapshot(), 1, rec("A", "16GB", 1000))
	if plan.Stats.New != 1 || len(snap.Current) != 1 {
		t.Fatalf("run 1: stats=%+v current=%d", plan.Stats, len(snap.Current))
	}

	snap, plan = step(t, r, snap, 2, rec("A", "16GB", 900))
	if plan.Stats.PriceDown != 1 || len(plan.Closes) != 1 || len(plan.Opens) != 1 {
		t.Fatalf("run 2: stats=%+v closes=%d opens=%d", plan.Stats, len(plan.Closes), len(plan.Opens))
	}

	for n := 3; n < 3+threshold-1; n++ {
		snap, plan = step(t, r, snap, n, rec("Z", "8GB", 1))
		if _, ok := entryTypes(plan)["A"]; ok {
			t.Fatalf("run %d: unexpected entry for A", n)
		}
	}
	_, plan = step(t, r, snap, 3+threshold-1, rec("Z", "8GB", 1))
	if got := entryTypes(plan)["A"]; got != ChangeDisappeared {
		t.Errorf("final run: A = %s, want DISAPPEARED", got)
	}
}
