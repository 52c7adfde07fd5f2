package tier_test

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/objtier/internal/config"
	"github.com/gftdcojp/objtier/internal/meta"
	"github.com/gftdcojp/objtier/internal/tier"
	"github.com/gftdcojp/objtier/internal/tier/tiertest"
	"go.uber.org/zap"
)

func TestScanMigratesAgedObjects(t *testing.T) {
	hot, cold := newBackends(t)
	ctx := context.Background()

	tiertest.MustCreateContainer(t, hot, "c")
	data := tiertest.Payload(2048)
	tiertest.MustPut(t, hot, "c", "old", data)
	age(t, hot, "c", "old", 31*tier.Day)

	stats := newScanner(t, hot, cold, 30).Scan(ctx)
	if stats.Migrated != 1 || stats.MigratedBytes != 2048 {
		t.Fatalf("expected 1 object / 2048 bytes migrated, got %+v", stats)
	}

	mustNotHave(t, hot, "c", "old")
	obj, err := cold.GetObject(ctx, "c", "old", tier.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := tiertest.ReadAll(t, obj); !bytes.Equal(got, data) {
		t.Fatal("cold copy does not match the original payload")
	}
}

func TestScanKeepsMetadata(t *testing.T) {
	hot, cold := newBackends(t)
	ctx := context.Background()

	tiertest.MustCreateContainer(t, hot, "c")
	obj := tiertest.NewObject("c", "doc", []byte("{}"))
	obj.ContentType = "application/json"
	obj.UserMetadata = map[string]string{"owner": "ops"}
	if _, err := hot.PutObject(ctx, obj); err != nil {
		t.Fatal(err)
	}

	newScanner(t, hot, cold, 0).Scan(ctx)

	md, err := cold.HeadObject(ctx, "c", "doc")
	if err != nil {
		t.Fatal(err)
	}
	if md.ContentType != "application/json" || md.UserMetadata["owner"] != "ops" {
		t.Fatalf("metadata not carried to cold: %+v", md)
	}
}

func TestScanLeavesNewObjects(t *testing.T) {
	hot, cold := newBackends(t)
	ctx := context.Background()

	tiertest.MustCreateContainer(t, hot, "c")
	tiertest.MustPut(t, hot, "c", "new", []byte("fresh"))
	age(t, hot, "c", "new", 29*tier.Day)

	scanner := newScanner(t, hot, cold, 30)
	for i := 0; i < 3; i++ {
		stats := scanner.Scan(ctx)
		if stats.Migrated != 0 || stats.SkippedTooNew != 1 {
			t.Fatalf("pass %d: expected the object to be skipped, got %+v", i, stats)
		}
	}
	mustHave(t, hot, "c", "new")
	mustNotHave(t, cold, "c", "new")
}

func TestScanSkipsUnknownAge(t *testing.T) {
	hot, cold := newBackends(t)
	ctx := context.Background()

	tiertest.MustCreateContainer(t, hot, "c")
	tiertest.MustPut(t, hot, "c", "undated", []byte("x"))
	if err := hot.Touch("c", "undated", time.Time{}); err != nil {
		t.Fatal(err)
	}

	stats := newScanner(t, hot, cold, 0).Scan(ctx)
	if stats.SkippedUnknownAge != 1 || stats.Migrated != 0 {
		t.Fatalf("expected undated object to be skipped, got %+v", stats)
	}
	mustHave(t, hot, "c", "undated")
}

func TestScanIsIdempotent(t *testing.T) {
	hot, cold := newBackends(t)
	ctx := context.Background()

	tiertest.MustCreateContainer(t, hot, "a")
	tiertest.MustCreateContainer(t, hot, "b")
	tiertest.MustPut(t, hot, "a", "old", []byte("1"))
	tiertest.MustPut(t, hot, "a", "new", []byte("2"))
	tiertest.MustPut(t, hot, "b", "old", []byte("3"))
	age(t, hot, "a", "old", 10*tier.Day)
	age(t, hot, "b", "old", 10*tier.Day)

	scanner := newScanner(t, hot, cold, 7)
	first := scanner.Scan(ctx)
	snapshot := func() string {
		var buf bytes.Buffer
		for _, b := range []tier.Backend{hot, cold} {
			for _, c := range []string{"a", "b"} {
				if ok, _ := b.ContainerExists(ctx, c); !ok {
					fmt.Fprintf(&buf, "%s:-;", c)
					continue
				}
				for _, o := range tiertest.ListAll(t, b, c, tier.ListOptions{}) {
					fmt.Fprintf(&buf, "%s/%s:%s;", c, o.Name, o.ETag)
				}
			}
			buf.WriteString("|")
		}
		return buf.String()
	}
	afterFirst := snapshot()

	second := scanner.Scan(ctx)
	if afterSecond := snapshot(); afterSecond != afterFirst {
		t.Fatalf("second pass changed state:\n first: %s\nsecond: %s", afterFirst, afterSecond)
	}
	if first.Migrated != 2 || second.Migrated != 0 {
		t.Fatalf("expected 2 then 0 migrations, got %d then %d", first.Migrated, second.Migrated)
	}
}

func TestScanNeverDeletesBeforeColdWrite(t *testing.T) {
	hot, cold := newBackends(t)
	ctx := context.Background()

	tiertest.MustCreateContainer(t, hot, "c")
	for i := 0; i < 5; i++ {
		tiertest.MustPut(t, hot, "c", fmt.Sprintf("obj-%d", i), []byte("payload"))
	}

	faultyCold := tiertest.NewFaulty(cold)
	faultyCold.Fail(tiertest.OpPut, "c/obj-1", nil)
	faultyCold.Fail(tiertest.OpPut, "c/obj-3", nil)
	guarded := &deleteGuard{Backend: hot, t: t, cold: cold}

	stats := newScanner(t, guarded, faultyCold, 0).Scan(ctx)
	if stats.Migrated != 3 || stats.Failed != 2 {
		t.Fatalf("expected 3 migrated and 2 failed, got %+v", stats)
	}
	mustHave(t, hot, "c", "obj-1")
	mustHave(t, hot, "c", "obj-3")
	mustNotHave(t, cold, "c", "obj-1")
}

func TestScanIsolatesObjectFailures(t *testing.T) {
	hot, cold := newBackends(t)
	ctx := context.Background()

	tiertest.MustCreateContainer(t, hot, "c")
	tiertest.MustPut(t, hot, "c", "a", []byte("A"))
	tiertest.MustPut(t, hot, "c", "b", []byte("B"))
	tiertest.MustPut(t, hot, "c", "d", []byte("D"))

	faultyHot := tiertest.NewFaulty(hot)
	faultyHot.Fail(tiertest.OpGet, "c/b", nil)

	stats := newScanner(t, faultyHot, cold, 0).Scan(ctx)
	if stats.Migrated != 2 || stats.Failed != 1 {
		t.Fatalf("expected 2 migrated and 1 failed, got %+v", stats)
	}
	mustHave(t, cold, "c", "a")
	mustHave(t, cold, "c", "d")
	mustHave(t, hot, "c", "b")

	// The failed object is retried by the next pass.
	faultyHot.Heal()
	stats = newScanner(t, faultyHot, cold, 0).Scan(ctx)
	if stats.Migrated != 1 {
		t.Fatalf("expected retry to migrate b, got %+v", stats)
	}
	mustNotHave(t, hot, "c", "b")
}

func TestScanDeleteFailureLeavesBothCopies(t *testing.T) {
	hot, cold := newBackends(t)
	ctx := context.Background()

	tiertest.MustCreateContainer(t, hot, "c")
	tiertest.MustPut(t, hot, "c", "o", []byte("data"))

	faultyHot := tiertest.NewFaulty(hot)
	faultyHot.Fail(tiertest.OpDelete, "c/o", nil)

	stats := newScanner(t, faultyHot, cold, 0).Scan(ctx)
	if stats.Failed != 1 {
		t.Fatalf("expected a failed delete, got %+v", stats)
	}
	mustHave(t, hot, "c", "o")
	mustHave(t, cold, "c", "o")

	// Reads keep returning the hot copy.
	acc := tier.NewAccessor(hot, cold, zap.NewNop())
	where, _, err := acc.Locate(ctx, "c", "o")
	if err != nil || where != tier.TierHot {
		t.Fatalf("expected hot copy to answer, got %v %v", where, err)
	}
}

func TestScanSkipsContainerWhenColdCreateFails(t *testing.T) {
	hot, cold := newBackends(t)
	ctx := context.Background()

	for _, c := range []string{"bad", "good"} {
		tiertest.MustCreateContainer(t, hot, c)
		tiertest.MustPut(t, hot, c, "o", []byte(c))
	}

	faultyCold := tiertest.NewFaulty(cold)
	faultyCold.Fail(tiertest.OpCreateContainer, "bad", nil)

	stats := newScanner(t, hot, faultyCold, 0).Scan(ctx)
	if stats.ContainerErrors != 1 || stats.Migrated != 1 {
		t.Fatalf("expected one container error and one migration, got %+v", stats)
	}
	mustHave(t, hot, "bad", "o")
	mustNotHave(t, hot, "good", "o")
	mustHave(t, cold, "good", "o")

	for _, call := range faultyCold.Calls() {
		if call.Op == tiertest.OpPut && call.Target == "bad/o" {
			t.Fatal("object written into a container that could not be created")
		}
	}
}

func TestScanCreatesColdContainerOnce(t *testing.T) {
	hot, cold := newBackends(t)
	ctx := context.Background()

	tiertest.MustCreateContainer(t, hot, "c")
	tiertest.MustPut(t, hot, "c", "o", []byte("x"))

	faultyCold := tiertest.NewFaulty(cold)
	scanner := newScanner(t, hot, faultyCold, 0)
	scanner.Scan(ctx)
	tiertest.MustPut(t, hot, "c", "p", []byte("y"))
	scanner.Scan(ctx)

	creates := 0
	for _, call := range faultyCold.Calls() {
		if call.Op == tiertest.OpCreateContainer {
			creates++
		}
	}
	if creates != 1 {
		t.Fatalf("expected the cold container to be created once, got %d creates", creates)
	}
}

func TestScanFollowsPagination(t *testing.T) {
	hot, cold := newBackends(t)
	ctx := context.Background()

	const n = tier.DefaultMaxKeys*2 + 17
	tiertest.MustCreateContainer(t, hot, "c")
	for i := 0; i < n; i++ {
		tiertest.MustPut(t, hot, "c", fmt.Sprintf("obj-%05d", i), []byte{byte(i)})
	}

	stats := newScanner(t, hot, cold, 0).Scan(ctx)
	if stats.Scanned != n || stats.Migrated != n {
		t.Fatalf("expected %d scanned and migrated, got %+v", n, stats)
	}
	if left := tiertest.ListAll(t, hot, "c", tier.ListOptions{}); len(left) != 0 {
		t.Fatalf("expected hot to be empty, %d objects left", len(left))
	}
	if moved := tiertest.ListAll(t, cold, "c", tier.ListOptions{}); len(moved) != n {
		t.Fatalf("expected %d objects in cold, got %d", n, len(moved))
	}
}

func TestScanKeepsHotWhenOverwrittenDuringMigration(t *testing.T) {
	hot, cold := newBackends(t)
	ctx := context.Background()

	tiertest.MustCreateContainer(t, hot, "c")
	tiertest.MustPut(t, hot, "c", "o", []byte("v1"))

	// A writer replaces the hot object right after the cold copy lands.
	hooked := &hookedBackend{Backend: cold, afterPut: func(obj *tier.Object) {
		tiertest.MustPut(t, hot, obj.Container, obj.Name, []byte("v2"))
	}}

	stats := newScanner(t, hot, hooked, 0).Scan(ctx)
	if stats.Migrated != 0 || stats.Failed != 0 {
		t.Fatalf("expected the migration to be abandoned, got %+v", stats)
	}
	obj, err := hot.GetObject(ctx, "c", "o", tier.GetOptions{})
	if err != nil {
		t.Fatalf("newer hot copy was deleted: %v", err)
	}
	if got := string(tiertest.ReadAll(t, obj)); got != "v2" {
		t.Fatalf("expected v2 in hot, got %q", got)
	}
}

func TestScanStopsBetweenObjectsWhenCancelled(t *testing.T) {
	hot, cold := newBackends(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tiertest.MustCreateContainer(t, hot, "c")
	for _, name := range []string{"a", "b", "c"} {
		tiertest.MustPut(t, hot, "c", name, []byte(name))
	}

	hooked := &hookedBackend{Backend: cold, afterPut: func(*tier.Object) { cancel() }}
	stats := newScanner(t, hot, hooked, 0).Scan(ctx)

	if !stats.Interrupted {
		t.Fatal("expected the pass to report interruption")
	}
	// The object in flight when the pass was cancelled completes.
	if stats.Migrated != 1 {
		t.Fatalf("expected exactly one migration, got %+v", stats)
	}
	mustNotHave(t, hot, "c", "a")
	mustHave(t, cold, "c", "a")
	mustHave(t, hot, "c", "b")
	mustHave(t, hot, "c", "c")
}

func TestScanRecordsJournal(t *testing.T) {
	hot, cold := newBackends(t)
	ctx := context.Background()

	journal, err := meta.NewBoltStore(config.JournalConfig{
		Path:    filepath.Join(t.TempDir(), "journal.db"),
		History: 10,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { journal.Close() })

	tiertest.MustCreateContainer(t, hot, "c")
	tiertest.MustPut(t, hot, "c", "o", tiertest.Payload(300))

	policy, _ := tier.NewPolicy(0)
	scanner := tier.NewScanner(tier.ScannerConfig{
		Hot: hot, Cold: cold, Policy: policy, Journal: journal, Logger: zap.NewNop(),
	})
	stats := scanner.Scan(ctx)

	last, err := journal.LastPass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last.Migrated != stats.Migrated || last.MigratedBytes != 300 {
		t.Fatalf("journaled pass does not match: %+v vs %+v", last.PassStats, stats)
	}
	rec, err := journal.LookupMigration(ctx, "c", "o")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Size != 300 || rec.MigratedAt.IsZero() {
		t.Fatalf("unexpected migration record: %+v", rec)
	}

	if got, ok := scanner.LastPass(); !ok || got.Migrated != 1 {
		t.Fatalf("expected in-memory last pass, got %+v %v", got, ok)
	}
}

func TestScanPassesDoNotOverlap(t *testing.T) {
	hot, cold := newBackends(t)
	ctx := context.Background()

	tiertest.MustCreateContainer(t, hot, "c")
	for i := 0; i < 50; i++ {
		tiertest.MustPut(t, hot, "c", fmt.Sprintf("o%02d", i), []byte("x"))
	}
	scanner := newScanner(t, hot, cold, 0)

	var wg sync.WaitGroup
	results := make([]int, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = scanner.Scan(ctx).Migrated
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range results {
		total += n
	}
	if total != 50 {
		t.Fatalf("expected 50 migrations across serialized passes, got %d (%v)", total, results)
	}
}

func TestConcurrentReadsDuringScan(t *testing.T) {
	hot, cold := newBackends(t)
	ctx := context.Background()

	const n = 200
	tiertest.MustCreateContainer(t, hot, "c")
	payloads := make(map[string][]byte, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("obj-%03d", i)
		payloads[name] = []byte(name)
		tiertest.MustPut(t, hot, "c", name, payloads[name])
	}

	acc := tier.NewAccessor(hot, cold, zap.NewNop())
	scanner := newScanner(t, hot, cold, 0)

	done := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				for name, want := range payloads {
					obj, err := acc.GetObject(ctx, "c", name, tier.GetOptions{})
					if err != nil {
						t.Errorf("read of %s during migration failed: %v", name, err)
						return
					}
					if got := tiertest.ReadAll(t, obj); !bytes.Equal(got, want) {
						t.Errorf("read of %s returned wrong payload", name)
						return
					}
				}
			}
		}()
	}

	stats := scanner.Scan(ctx)
	close(done)
	readers.Wait()

	if stats.Migrated != n {
		t.Fatalf("expected %d migrations, got %+v", n, stats)
	}
}
