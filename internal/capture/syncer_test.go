package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

// fakeUploader scripts upload outcomes: failN transient failures first, then
// either permanent rejection or success.
type fakeUploader struct {
	mu        sync.Mutex
	failN     int
	permanent bool
	calls     int
}

func (f *fakeUploader) Upload(ctx context.Context, e *Entry) (*UploadAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failN > 0 {
		f.failN--
		return nil, &TransientError{Err: errors.New("connection refused")}
	}
	if f.permanent {
		return nil, &PermanentError{Status: 422, Code: "payload_corrupt", Err: errors.New("rejected")}
	}
	return &UploadAck{RecordingID: e.ID, CurrentStage: "RECEIVED", Acknowledged: true}, nil
}

func (f *fakeUploader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestSyncer(t *testing.T, up Uploader) (*Syncer, *Queue, string) {
	t.Helper()
	q, dir := newTestQueue(t)
	s := &Syncer{
		Queue:        q,
		Client:       up,
		Workers:      2,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		MaxAttempts:  4,
		PollInterval: time.Hour, // tests drive cycles explicitly
	}
	s.Start(context.Background())
	t.Cleanup(s.Close)
	return s, q, dir
}

// drainUntil runs sync cycles until the entry reaches state or the deadline
// passes.
func drainUntil(t *testing.T, s *Syncer, q *Queue, id, state string) *Entry {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.Drain(context.Background())
		e, err := q.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if e.State == state {
			return e
		}
		time.Sleep(5 * time.Millisecond)
	}
	e, _ := q.Get(context.Background(), id)
	t.Fatalf("entry %s never reached %s (currently %s, attempts %d)", id, state, e.State, e.Attempts)
	return nil
}

func TestSyncer_TransientFailuresRetryThenAcknowledge(t *testing.T) {
	up := &fakeUploader{failN: 2}
	s, q, dir := newTestSyncer(t, up)
	id := captureEntry(t, q, dir, "a")

	e := drainUntil(t, s, q, id, StateAcknowledged)
	if e.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2 transient failures before success", e.Attempts)
	}
	if up.callCount() != 3 {
		t.Fatalf("upload calls = %d, want 3", up.callCount())
	}
}

func TestSyncer_PermanentRejectionIsTerminalAndKeepsAudio(t *testing.T) {
	up := &fakeUploader{permanent: true}
	s, q, dir := newTestSyncer(t, up)
	id := captureEntry(t, q, dir, "a")

	e := drainUntil(t, s, q, id, StateUploadRejected)
	if e.LastError == nil {
		t.Fatalf("rejection reason not recorded")
	}
	// Rejected audio is never deleted automatically.
	if _, err := os.Stat(e.AudioPath); err != nil {
		t.Fatalf("rejected entry's audio missing: %v", err)
	}
	// No further attempts.
	calls := up.callCount()
	s.Drain(context.Background())
	if up.callCount() != calls {
		t.Fatalf("rejected entry was retried")
	}
}

func TestSyncer_AttemptBudgetFlagsForAttention(t *testing.T) {
	up := &fakeUploader{failN: 1 << 30} // never succeeds
	s, q, dir := newTestSyncer(t, up)
	id := captureEntry(t, q, dir, "a")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.Drain(context.Background())
		e, _ := q.Get(context.Background(), id)
		if e.NeedsAttention {
			if e.State != StateUploadFailed {
				t.Fatalf("state = %s, want UPLOAD_FAILED", e.State)
			}
			if e.Attempts != s.MaxAttempts {
				t.Fatalf("attempts = %d, want %d", e.Attempts, s.MaxAttempts)
			}
			if _, err := os.Stat(e.AudioPath); err != nil {
				t.Fatalf("audio deleted after budget spent: %v", err)
			}
			// Flagged entries are out of the automatic schedule.
			pending, _ := q.ListPending(context.Background(), 10)
			if len(pending) != 0 {
				t.Fatalf("spent entry still pending: %+v", pending)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("entry never flagged for attention")
}

func TestSyncer_OfflineDispatchesNothing(t *testing.T) {
	up := &fakeUploader{}
	q, dir := newTestQueue(t)
	s := &Syncer{
		Queue:        q,
		Client:       up,
		Online:       func() bool { return false },
		PollInterval: time.Hour,
	}
	s.Start(context.Background())
	defer s.Close()

	id := captureEntry(t, q, dir, "a")
	s.Drain(context.Background())

	if up.callCount() != 0 {
		t.Fatalf("uploads attempted while offline")
	}
	e, _ := q.Get(context.Background(), id)
	if e.State != StateQueued {
		t.Fatalf("state = %s, want QUEUED_FOR_UPLOAD", e.State)
	}
}

func TestSyncer_OldestFirstAcrossEntries(t *testing.T) {
	var order []string
	var mu sync.Mutex
	up := uploaderFunc(func(ctx context.Context, e *Entry) (*UploadAck, error) {
		mu.Lock()
		order = append(order, e.ID)
		mu.Unlock()
		return &UploadAck{RecordingID: e.ID, Acknowledged: true}, nil
	})

	q, dir := newTestQueue(t)
	s := &Syncer{
		Queue:        q,
		Client:       up,
		Workers:      1, // serialize so order is observable
		PollInterval: time.Hour,
	}
	s.Start(context.Background())
	defer s.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, captureEntry(t, q, dir, fmt.Sprintf("e%d", i)))
		time.Sleep(5 * time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		s.Drain(context.Background())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("uploaded %d entries, want 3", len(order))
	}
	for i := range ids {
		if order[i] != ids[i] {
			t.Fatalf("upload order %v, want capture order %v", order, ids)
		}
	}
}

func TestSyncer_AcknowledgementLandsDespiteCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	up := uploaderFunc(func(_ context.Context, e *Entry) (*UploadAck, error) {
		// Connectivity drops the instant the server acknowledges.
		cancel()
		return &UploadAck{RecordingID: e.ID, Acknowledged: true}, nil
	})

	q, dir := newTestQueue(t)
	s := &Syncer{Queue: q, Client: up, PollInterval: time.Hour}
	s.Start(context.Background())
	defer s.Close()

	id := captureEntry(t, q, dir, "a")
	s.Drain(ctx)

	// The acknowledged outcome must be recorded anyway; otherwise the entry
	// stays UPLOADING and is re-uploaded on the next restart.
	e, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.State != StateAcknowledged {
		t.Fatalf("state = %s, want ACKNOWLEDGED", e.State)
	}
}

func TestSyncer_DelayJitterWindow(t *testing.T) {
	s := &Syncer{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}

	for attempt := 1; attempt <= 8; attempt++ {
		nominal := s.BackoffBase
		for i := 1; i < attempt; i++ {
			nominal *= 2
			if nominal >= s.BackoffMax {
				nominal = s.BackoffMax
				break
			}
		}
		for i := 0; i < 50; i++ {
			d := s.delay(attempt)
			if d < nominal/2 || d > nominal+nominal/2 {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, nominal/2, nominal+nominal/2)
			}
		}
	}
}

// uploaderFunc adapts a function to the Uploader interface.
type uploaderFunc func(ctx context.Context, e *Entry) (*UploadAck, error)

func (f uploaderFunc) Upload(ctx context.Context, e *Entry) (*UploadAck, error) { return f(ctx, e) }
