package ledger

import (
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndAll(t *testing.T) {
	l := openTemp(t)
	now := time.Now().UTC().Truncate(time.Second)

	d := Delivery{
		Path:        "/data/data/com.example.app/agent-9.9.9-android-arm64.so",
		Package:     "com.example.app",
		Role:        "agent",
		DeliveredAt: now,
	}
	if err := l.Record(d); err != nil {
		t.Fatalf("Record: %v", err)
	}

	all, err := l.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(all))
	}
	if !all[0].DeliveredAt.Equal(now) || all[0].Path != d.Path || all[0].Role != "agent" {
		t.Errorf("got %+v, want %+v", all[0], d)
	}
}

func TestRecordRefreshesSamePath(t *testing.T) {
	l := openTemp(t)
	path := "/data/data/a.b/agent.so"

	old := time.Now().Add(-time.Hour)
	if err := l.Record(Delivery{Path: path, DeliveredAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := l.Record(Delivery{Path: path, DeliveredAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	n, err := l.Count()
	if err != nil || n != 1 {
		t.Fatalf("Count = %d, %v; want 1", n, err)
	}
	stale, err := l.DueBefore(time.Now().Add(-30 * time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Errorf("refreshed delivery reported stale: %+v", stale)
	}
}

func TestDueBeforeAndForget(t *testing.T) {
	l := openTemp(t)
	now := time.Now()

	for _, d := range []Delivery{
		{Path: "/x/old", DeliveredAt: now.Add(-2 * time.Hour)},
		{Path: "/x/new", DeliveredAt: now},
	} {
		if err := l.Record(d); err != nil {
			t.Fatal(err)
		}
	}

	stale, err := l.DueBefore(now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].Path != "/x/old" {
		t.Fatalf("stale = %+v", stale)
	}

	if err := l.Forget("/x/old"); err != nil {
		t.Fatal(err)
	}
	if err := l.Forget("/x/never-recorded"); err != nil {
		t.Errorf("Forget unknown path: %v", err)
	}

	n, _ := l.Count()
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Record(Delivery{Path: "/x/a", DeliveredAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if n, _ := l.Count(); n != 1 {
		t.Errorf("Count after reopen = %d, want 1", n)
	}
}

func TestDueBeforeHonoursLoadDelay(t *testing.T) {
	l := openTemp(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := Delivery{Path: "/x/delayed", DeliveredAt: t0, LoadDelay: time.Hour}
	if err := l.Record(d); err != nil {
		t.Fatal(err)
	}
	if !d.DueAt().Equal(t0.Add(time.Hour)) {
		t.Errorf("DueAt = %v", d.DueAt())
	}

	due, err := l.DueBefore(t0.Add(30 * time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("delivery due before its delay elapsed: %+v", due)
	}

	due, err = l.DueBefore(t0.Add(61 * time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].LoadDelay != time.Hour {
		t.Errorf("DueBefore = %+v", due)
	}
}
