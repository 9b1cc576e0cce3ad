package storage

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func saveShot(t *testing.T, s *Store, id string, capturedAt time.Time) {
	t.Helper()
	shot := Screenshot{
		ID:         id,
		FilePath:   "/tmp/" + id + ".png",
		CapturedAt: capturedAt,
		AppID:      "com.example.app",
		AppLabel:   "Example",
	}
	if err := s.SaveScreenshot(shot); err != nil {
		t.Fatalf("SaveScreenshot(%s): %v", id, err)
	}
}

func TestSaveAndGetScreenshot(t *testing.T) {
	s := openTestStore(t)

	captured := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	shot := Screenshot{
		ID:         "shot-1",
		FilePath:   "/tmp/shot-1.png",
		CapturedAt: captured,
		AppID:      "com.example.mail",
		AppLabel:   "Mail",
		Categories: []string{"Email"},
		Tags:       []string{"screenshot", "mail"},
	}
	if err := s.SaveScreenshot(shot); err != nil {
		t.Fatalf("SaveScreenshot: %v", err)
	}

	got, err := s.GetScreenshot("shot-1")
	if err != nil {
		t.Fatalf("GetScreenshot: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, StatusPending)
	}
	if !got.CapturedAt.Equal(captured) {
		t.Errorf("CapturedAt = %v, want %v", got.CapturedAt, captured)
	}
	if got.ExtractedText.Valid {
		t.Error("ExtractedText should be NULL before analysis")
	}
	if got.Embedding != nil {
		t.Error("Embedding should be nil before analysis")
	}
	if len(got.Tags) != 2 || got.Tags[0] != "screenshot" {
		t.Errorf("Tags = %v, want [screenshot mail]", got.Tags)
	}

	if _, err := s.GetScreenshot("missing"); err != ErrNotFound {
		t.Errorf("GetScreenshot(missing) = %v, want ErrNotFound", err)
	}
}

func TestClaimNext_OldestFirstWithIDTiebreak(t *testing.T) {
	s := openTestStore(t)

	t10 := time.Date(2026, 8, 1, 0, 0, 10, 0, time.UTC)
	t5 := time.Date(2026, 8, 1, 0, 0, 5, 0, time.UTC)
	saveShot(t, s, "5", t10)
	saveShot(t, s, "2", t5)
	// Same capture time as id 5: id ascending breaks the tie.
	saveShot(t, s, "3", t10)

	first, err := s.ClaimNext()
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if first == nil || first.ID != "2" {
		t.Fatalf("first claim = %+v, want id 2", first)
	}
	if first.Status != StatusProcessing {
		t.Errorf("claimed status = %q, want %q", first.Status, StatusProcessing)
	}

	second, err := s.ClaimNext()
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if second == nil || second.ID != "3" {
		t.Fatalf("second claim = %+v, want id 3", second)
	}
}

func TestClaimNext_SingleInFlight(t *testing.T) {
	s := openTestStore(t)
	saveShot(t, s, "only", time.Now().UTC().Add(-time.Minute))

	first, err := s.ClaimNext()
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if first == nil {
		t.Fatal("first ClaimNext returned nil, want record")
	}

	// The record is now processing; a second claim must come back empty.
	second, err := s.ClaimNext()
	if err != nil {
		t.Fatalf("second ClaimNext: %v", err)
	}
	if second != nil {
		t.Fatalf("second ClaimNext = %+v, want nil", second)
	}
}

func TestClaimNext_RespectsRunAfter(t *testing.T) {
	s := openTestStore(t)
	shot := Screenshot{
		ID:         "later",
		FilePath:   "/tmp/later.png",
		CapturedAt: time.Now().UTC().Add(-time.Hour),
		AppID:      "com.example.app",
		AppLabel:   "Example",
		RunAfter:   time.Now().UTC().Add(time.Hour),
	}
	if err := s.SaveScreenshot(shot); err != nil {
		t.Fatalf("SaveScreenshot: %v", err)
	}

	claimed, err := s.ClaimNext()
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed != nil {
		t.Fatalf("ClaimNext = %+v, want nil for backed-off record", claimed)
	}
}

func TestReleaseProcessed(t *testing.T) {
	s := openTestStore(t)
	saveShot(t, s, "p1", time.Now().UTC().Add(-time.Minute))

	claimed, err := s.ClaimNext()
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext = %v, %v", claimed, err)
	}

	update := AnalysisUpdate{
		ExtractedText: "hello world",
		Embedding:     []float32{0.1, 0.2, 0.3},
		Categories:    []string{"Notes"},
		Tags:          []string{"screenshot", "example"},
		Description:   "A note",
	}
	if err := s.ReleaseProcessed("p1", update); err != nil {
		t.Fatalf("ReleaseProcessed: %v", err)
	}

	got, err := s.GetScreenshot("p1")
	if err != nil {
		t.Fatalf("GetScreenshot: %v", err)
	}
	if got.Status != StatusProcessed {
		t.Errorf("Status = %q, want processed", got.Status)
	}
	if !got.ExtractedText.Valid || got.ExtractedText.String != "hello world" {
		t.Errorf("ExtractedText = %+v, want valid 'hello world'", got.ExtractedText)
	}
	if len(got.Embedding) != 3 || got.Embedding[1] != 0.2 {
		t.Errorf("Embedding = %v, want [0.1 0.2 0.3]", got.Embedding)
	}

	// Releasing a record that is not processing must fail.
	if err := s.ReleaseProcessed("p1", update); err != ErrNotFound {
		t.Errorf("second ReleaseProcessed = %v, want ErrNotFound", err)
	}
}

func TestReleaseProcessed_EmptyTextIsNotNull(t *testing.T) {
	s := openTestStore(t)
	saveShot(t, s, "blank", time.Now().UTC().Add(-time.Minute))

	if _, err := s.ClaimNext(); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	update := AnalysisUpdate{
		ExtractedText: "",
		Description:   "Screenshot without text content",
	}
	if err := s.ReleaseProcessed("blank", update); err != nil {
		t.Fatalf("ReleaseProcessed: %v", err)
	}

	got, err := s.GetScreenshot("blank")
	if err != nil {
		t.Fatalf("GetScreenshot: %v", err)
	}
	if !got.ExtractedText.Valid {
		t.Error("ExtractedText should be non-NULL empty string after processing")
	}
	if got.ExtractedText.String != "" {
		t.Errorf("ExtractedText = %q, want empty", got.ExtractedText.String)
	}
	if got.Embedding != nil {
		t.Errorf("Embedding = %v, want nil", got.Embedding)
	}
}

func TestReleaseRetryAndFailed(t *testing.T) {
	s := openTestStore(t)
	saveShot(t, s, "r1", time.Now().UTC().Add(-time.Minute))

	if _, err := s.ClaimNext(); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	runAfter := time.Now().UTC().Add(2 * time.Second)
	if err := s.ReleaseRetry("r1", 1, "embed timeout", runAfter); err != nil {
		t.Fatalf("ReleaseRetry: %v", err)
	}

	got, err := s.GetScreenshot("r1")
	if err != nil {
		t.Fatalf("GetScreenshot: %v", err)
	}
	if got.Status != StatusPending || got.RetryCount != 1 {
		t.Errorf("after retry: status=%q retry=%d, want pending/1", got.Status, got.RetryCount)
	}
	if got.LastError != "embed timeout" {
		t.Errorf("LastError = %q", got.LastError)
	}

	// Backed off: not claimable yet.
	if claimed, _ := s.ClaimNext(); claimed != nil {
		t.Fatalf("ClaimNext during backoff = %+v, want nil", claimed)
	}

	// Force eligibility, claim again, fail terminally.
	if _, err := s.db.Exec(`UPDATE screenshots SET run_after = ? WHERE id = 'r1'`,
		time.Now().UTC().Add(-time.Second).Format(time.RFC3339)); err != nil {
		t.Fatalf("resetting run_after: %v", err)
	}
	if claimed, err := s.ClaimNext(); err != nil || claimed == nil {
		t.Fatalf("re-claim = %v, %v", claimed, err)
	}
	if err := s.ReleaseFailed("r1", 3, "gave up"); err != nil {
		t.Fatalf("ReleaseFailed: %v", err)
	}

	got, err = s.GetScreenshot("r1")
	if err != nil {
		t.Fatalf("GetScreenshot: %v", err)
	}
	if got.Status != StatusFailed || got.RetryCount != 3 {
		t.Errorf("after fail: status=%q retry=%d, want failed/3", got.Status, got.RetryCount)
	}
}

func TestRequeue(t *testing.T) {
	s := openTestStore(t)
	saveShot(t, s, "f1", time.Now().UTC().Add(-time.Minute))

	// Requeue of a non-failed record is rejected.
	if err := s.Requeue("f1"); err != ErrNotFound {
		t.Errorf("Requeue(pending) = %v, want ErrNotFound", err)
	}

	if _, err := s.ClaimNext(); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := s.ReleaseFailed("f1", 3, "boom"); err != nil {
		t.Fatalf("ReleaseFailed: %v", err)
	}

	if err := s.Requeue("f1"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	got, err := s.GetScreenshot("f1")
	if err != nil {
		t.Fatalf("GetScreenshot: %v", err)
	}
	if got.Status != StatusPending || got.RetryCount != 0 || got.LastError != "" {
		t.Errorf("after requeue: %+v, want pending with fresh retry budget", got)
	}
}

func TestResetStale(t *testing.T) {
	s := openTestStore(t)
	saveShot(t, s, "stale", time.Now().UTC().Add(-2*time.Hour))
	saveShot(t, s, "fresh", time.Now().UTC().Add(-time.Hour))

	if _, err := s.ClaimNext(); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	// Backdate the claimed record so it looks abandoned.
	old := time.Now().UTC().Add(-30 * time.Minute).Format(time.RFC3339)
	if _, err := s.db.Exec(`UPDATE screenshots SET updated_at = ? WHERE id = 'stale'`, old); err != nil {
		t.Fatalf("backdating: %v", err)
	}

	n, err := s.ResetStale(time.Now().UTC().Add(-10 * time.Minute))
	if err != nil {
		t.Fatalf("ResetStale: %v", err)
	}
	if n != 1 {
		t.Errorf("ResetStale reset %d records, want 1", n)
	}

	got, err := s.GetScreenshot("stale")
	if err != nil {
		t.Fatalf("GetScreenshot: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("stale record status = %q, want pending", got.Status)
	}
}

func TestSearchText(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"meeting notes for project kanban", "grocery list", "Kanban board overview"} {
		id := string(rune('a' + i))
		saveShot(t, s, id, base.Add(time.Duration(i)*time.Minute))
		if _, err := s.ClaimNext(); err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if err := s.ReleaseProcessed(id, AnalysisUpdate{ExtractedText: text}); err != nil {
			t.Fatalf("ReleaseProcessed(%s): %v", id, err)
		}
	}
	// An unprocessed record containing the term must not match.
	saveShot(t, s, "z", base.Add(time.Hour))

	results, err := s.SearchText("kanban", 10)
	if err != nil {
		t.Fatalf("SearchText: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	// Newest first.
	if results[0].ID != "c" || results[1].ID != "a" {
		t.Errorf("result order = [%s %s], want [c a]", results[0].ID, results[1].ID)
	}
}

func TestAllWithEmbeddings(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	saveShot(t, s, "with", base)
	saveShot(t, s, "without", base.Add(time.Minute))
	saveShot(t, s, "pending", base.Add(2*time.Minute))

	for _, rel := range []struct {
		id string
		u  AnalysisUpdate
	}{
		{"with", AnalysisUpdate{ExtractedText: "text", Embedding: []float32{1, 0}}},
		{"without", AnalysisUpdate{ExtractedText: "text"}},
	} {
		if _, err := s.ClaimNext(); err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if err := s.ReleaseProcessed(rel.id, rel.u); err != nil {
			t.Fatalf("ReleaseProcessed(%s): %v", rel.id, err)
		}
	}

	corpus, err := s.AllWithEmbeddings()
	if err != nil {
		t.Fatalf("AllWithEmbeddings: %v", err)
	}
	if len(corpus) != 1 || corpus[0].ID != "with" {
		t.Fatalf("corpus = %+v, want only 'with'", corpus)
	}
}

func TestDeleteScreenshot(t *testing.T) {
	s := openTestStore(t)
	saveShot(t, s, "d1", time.Now().UTC())

	if err := s.DeleteScreenshot("d1"); err != nil {
		t.Fatalf("DeleteScreenshot: %v", err)
	}
	if _, err := s.GetScreenshot("d1"); err != ErrNotFound {
		t.Errorf("GetScreenshot after delete = %v, want ErrNotFound", err)
	}
	if err := s.DeleteScreenshot("d1"); err != ErrNotFound {
		t.Errorf("second DeleteScreenshot = %v, want ErrNotFound", err)
	}
}

func TestEmbeddingCodecRoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 3.75, 0}
	out, err := decodeEmbedding(encodeEmbedding(in))
	if err != nil {
		t.Fatalf("decodeEmbedding: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}

	if v, err := decodeEmbedding(nil); err != nil || v != nil {
		t.Errorf("decodeEmbedding(nil) = %v, %v, want nil, nil", v, err)
	}
	if _, err := decodeEmbedding([]byte{1, 2, 3}); err == nil {
		t.Error("decodeEmbedding(odd length) succeeded, want error")
	}
}

func TestListApps(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	for i, app := range []struct{ id, label string }{
		{"com.example.mail", "Mail"},
		{"com.example.chat", "Chat"},
		{"com.example.mail", "Mail"},
	} {
		shot := Screenshot{
			ID:         string(rune('a' + i)),
			FilePath:   "/tmp/x.png",
			CapturedAt: now.Add(time.Duration(i) * time.Second),
			AppID:      app.id,
			AppLabel:   app.label,
		}
		if err := s.SaveScreenshot(shot); err != nil {
			t.Fatalf("SaveScreenshot: %v", err)
		}
	}

	apps, err := s.ListApps()
	if err != nil {
		t.Fatalf("ListApps: %v", err)
	}
	if len(apps) != 2 || apps[0] != "Chat" || apps[1] != "Mail" {
		t.Errorf("apps = %v, want [Chat Mail]", apps)
	}
}
