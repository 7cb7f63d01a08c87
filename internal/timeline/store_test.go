package timeline

import (
	"math/rand/v2"
	"strconv"
	"testing"

	"github.com/matheus3301/chatlink/internal/message"
	"github.com/matheus3301/chatlink/internal/wire"
)

func msg(id string, ts int64) message.Record {
	return message.Record{
		Envelope: wire.Envelope{
			Type: wire.TypePrivate,
			Payload: wire.MessagePayload{
				MessageID: id,
				Timestamp: ts,
				ChatID:    "c1",
				Detail:    "body " + id,
			},
		},
		Status: message.StatusReceived,
	}
}

func ids(recs []message.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID()
	}
	return out
}

func assertSorted(t *testing.T, recs []message.Record) {
	t.Helper()
	for i := 1; i < len(recs); i++ {
		if recs[i].Timestamp() < recs[i-1].Timestamp() {
			t.Fatalf("timeline out of order at %d: %d after %d", i, recs[i].Timestamp(), recs[i-1].Timestamp())
		}
	}
}

func assertUnique(t *testing.T, recs []message.Record) {
	t.Helper()
	seen := make(map[string]bool)
	for _, r := range recs {
		if seen[r.ID()] {
			t.Fatalf("duplicate message_id %s in timeline", r.ID())
		}
		seen[r.ID()] = true
	}
}

func TestInsertAppendsInOrder(t *testing.T) {
	s := NewStore(message.NewArena(), nil)
	s.Insert("c1", msg("a", 100))
	s.Insert("c1", msg("b", 200))
	s.Insert("c1", msg("c", 200))

	got := ids(s.GetOrdered("c1"))
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}

func TestInsertOutOfOrderFindsPosition(t *testing.T) {
	s := NewStore(message.NewArena(), nil)
	for _, m := range []message.Record{msg("d", 400), msg("a", 100), msg("c", 300), msg("b", 200), msg("b2", 200)} {
		s.Insert("c1", m)
	}

	got := ids(s.GetOrdered("c1"))
	want := []string{"a", "b", "b2", "c", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestInsertDuplicateReplacesInPlace(t *testing.T) {
	s := NewStore(message.NewArena(), nil)
	s.Insert("c1", msg("a", 100))
	s.Insert("c1", msg("b", 200))

	upd := msg("a", 100)
	upd.Envelope.Payload.Detail = "edited"
	upd.IsRead = true
	if _, created := s.Insert("c1", upd); created {
		t.Error("duplicate insert created a new entry")
	}

	got := s.GetOrdered("c1")
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Envelope.Payload.Detail != "edited" || !got[0].IsRead {
		t.Errorf("entry not updated in place: %+v", got[0])
	}
}

func TestInsertDuplicateWithNewTimestampRepositions(t *testing.T) {
	s := NewStore(message.NewArena(), nil)
	s.Insert("c1", msg("a", 100))
	s.Insert("c1", msg("b", 200))
	s.Insert("c1", msg("a", 300))

	got := ids(s.GetOrdered("c1"))
	if got[0] != "b" || got[1] != "a" {
		t.Errorf("got %v, want [b a]", got)
	}
}

func TestOrderingAndUniquenessUnderRandomArrival(t *testing.T) {
	s := NewStore(message.NewArena(), nil)
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		id := strconv.Itoa(r.IntN(200))
		s.Insert("c1", msg(id, int64(r.IntN(1000))))
		got := s.GetOrdered("c1")
		assertSorted(t, got)
		assertUnique(t, got)
	}
}

func TestMergeHistoryWithLiveTraffic(t *testing.T) {
	s := NewStore(message.NewArena(), nil)
	s.Insert("c1", msg("live1", 500))
	s.Insert("c1", msg("live2", 600))

	history := []message.Record{msg("h1", 100), msg("live1", 500), msg("h2", 300), msg("h3", 700)}
	added := s.Merge("c1", history)
	if added != 3 {
		t.Errorf("Merge() added = %d, want 3", added)
	}

	got := s.GetOrdered("c1")
	assertSorted(t, got)
	assertUnique(t, got)
	if len(got) != 5 {
		t.Errorf("len = %d, want 5", len(got))
	}
}

func TestMergeDoesNotRegressReadState(t *testing.T) {
	s := NewStore(message.NewArena(), nil)
	live := msg("m1", 100)
	live.IsRead = true
	live.ReadCount = 2
	s.Insert("c1", live)

	s.Merge("c1", []message.Record{msg("m1", 100)})

	got, _ := s.Get("c1", "m1")
	if !got.IsRead || got.ReadCount != 2 {
		t.Errorf("read state regressed after merge: %+v", got)
	}
}

func TestAttachSharesRecordWithOtherHolder(t *testing.T) {
	arena := message.NewArena()
	s := NewStore(arena, nil)

	rec := msg("t1", 100)
	rec.Status = message.StatusSending
	ref := arena.Alloc(rec)
	if !s.Attach("c1", ref) {
		t.Fatal("Attach() = false")
	}

	r, _ := arena.Get(ref)
	r.Status = message.StatusSent

	got, _ := s.Get("c1", "t1")
	if got.Status != message.StatusSent {
		t.Errorf("timeline status = %q, want sent via shared slot", got.Status)
	}

	// The original holder releases; the timeline keeps the record alive.
	arena.Release(ref)
	if _, ok := s.Get("c1", "t1"); !ok {
		t.Error("timeline entry lost after other holder released")
	}
}

func TestRekeyMovesIndex(t *testing.T) {
	arena := message.NewArena()
	s := NewStore(arena, nil)
	ref, _ := s.Insert("c1", msg("temp", 100))

	r, _ := arena.Get(ref)
	r.Envelope.Payload.MessageID = "real"
	if !s.Rekey("c1", "temp", "real") {
		t.Fatal("Rekey() = false")
	}

	if _, ok := s.Get("c1", "temp"); ok {
		t.Error("old id still indexed")
	}
	if got, ok := s.Get("c1", "real"); !ok || got.ID() != "real" {
		t.Errorf("Get(real) = %+v, %v", got, ok)
	}
}

func TestRekeyFoldsEcho(t *testing.T) {
	arena := message.NewArena()
	s := NewStore(arena, nil)

	own := msg("temp", 100)
	own.UserIsSender = true
	own.Status = message.StatusSending
	ref, _ := s.Insert("c1", own)
	s.Insert("c1", msg("real", 101))

	r, _ := arena.Get(ref)
	r.Envelope.Payload.MessageID = "real"
	r.Status = message.StatusSent
	s.Rekey("c1", "temp", "real")

	got := s.GetOrdered("c1")
	if len(got) != 1 {
		t.Fatalf("len = %d, want echo folded into one entry", len(got))
	}
	if got[0].Status != message.StatusSent || !got[0].UserIsSender {
		t.Errorf("kept wrong entry: %+v", got[0])
	}
	if arena.Len() != 1 {
		t.Errorf("arena.Len() = %d, want 1 after echo released", arena.Len())
	}
}

func TestMarkReadAndRevoke(t *testing.T) {
	s := NewStore(message.NewArena(), nil)
	s.Insert("c1", msg("a", 100))
	s.Insert("c1", msg("b", 200))

	if n := s.MarkRead("c1", []string{"a", "missing"}); n != 1 {
		t.Errorf("MarkRead() = %d, want 1", n)
	}
	if !s.Revoke("c1", "b") {
		t.Error("Revoke(b) = false")
	}
	if s.Revoke("c1", "missing") {
		t.Error("Revoke(missing) = true")
	}

	a, _ := s.Get("c1", "a")
	b, _ := s.Get("c1", "b")
	if !a.IsRead || a.ReadCount != 0 {
		t.Errorf("a = %+v, want read with no reader counted", a)
	}
	if !b.IsRevoked {
		t.Error("b not revoked")
	}
}

func TestApplyReadCountsDistinctReaders(t *testing.T) {
	s := NewStore(message.NewArena(), nil)
	s.Insert("g1", msg("a", 100))

	for _, reader := range []string{"bob", "bob", "bob", "carol"} {
		if n := s.ApplyRead("g1", []string{"a"}, reader); n != 1 {
			t.Errorf("ApplyRead(%s) = %d, want 1", reader, n)
		}
	}
	s.MarkRead("g1", []string{"a"})
	s.MarkRead("g1", []string{"a"})

	a, _ := s.Get("g1", "a")
	if !a.IsRead || a.ReadCount != 2 {
		t.Errorf("read_count = %d, want 2 (bob and carol)", a.ReadCount)
	}
	if n := s.ApplyRead("g1", []string{"missing"}, "bob"); n != 0 {
		t.Errorf("ApplyRead(missing) = %d, want 0", n)
	}
}

func TestClearReleasesRecords(t *testing.T) {
	arena := message.NewArena()
	s := NewStore(arena, nil)
	s.Insert("c1", msg("a", 100))
	s.Insert("c1", msg("b", 200))
	s.Insert("c2", msg("x", 100))

	if n := s.Clear("c1"); n != 2 {
		t.Errorf("Clear() = %d, want 2", n)
	}
	if s.Len("c1") != 0 {
		t.Error("c1 not empty after clear")
	}
	if arena.Len() != 1 {
		t.Errorf("arena.Len() = %d, want 1", arena.Len())
	}
	convs := s.Conversations()
	if len(convs) != 1 || convs[0] != "c2" {
		t.Errorf("Conversations() = %v, want [c2]", convs)
	}
}
