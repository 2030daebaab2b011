package broker

import (
	"fmt"
	"testing"
)

func TestEventLog_SeqStartsAtOne(t *testing.T) {
	log := NewEventLog()

	first := log.Append("text", map[string]string{"text": "hi"})
	if first.Seq != 1 {
		t.Errorf("first Seq = %d, want 1", first.Seq)
	}
	second := log.Append("text", nil)
	if second.Seq != 2 {
		t.Errorf("second Seq = %d, want 2", second.Seq)
	}
	if first.Timestamp.IsZero() {
		t.Error("entry timestamp not stamped")
	}
}

func TestEventLog_After(t *testing.T) {
	log := NewEventLog()
	for i := 0; i < 5; i++ {
		log.Append("text", fmt.Sprintf("event-%d", i))
	}

	entries := log.After(2)
	if len(entries) != 3 {
		t.Fatalf("After(2) returned %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		want := int64(3 + i)
		if e.Seq != want {
			t.Errorf("entries[%d].Seq = %d, want %d", i, e.Seq, want)
		}
	}

	if got := log.After(100); len(got) != 0 {
		t.Errorf("After(100) returned %d entries, want 0", len(got))
	}
	if got := log.After(0); len(got) != 5 {
		t.Errorf("After(0) returned %d entries, want 5", len(got))
	}
}

func TestEventLog_Bounded(t *testing.T) {
	log := NewEventLog()
	for i := 0; i < MaxEventLog+10; i++ {
		log.Append("text", i)
	}

	if log.Len() != MaxEventLog {
		t.Fatalf("Len() = %d, want %d", log.Len(), MaxEventLog)
	}

	// Oldest entries dropped: seq numbering keeps counting.
	entries := log.After(0)
	if entries[0].Seq != 11 {
		t.Errorf("oldest retained Seq = %d, want 11", entries[0].Seq)
	}
	if last := entries[len(entries)-1].Seq; last != int64(MaxEventLog+10) {
		t.Errorf("newest Seq = %d, want %d", last, MaxEventLog+10)
	}
}

func TestLogRegistry(t *testing.T) {
	reg := NewLogRegistry(0)

	a := reg.GetOrCreate("sess-1")
	b := reg.GetOrCreate("sess-1")
	if a != b {
		t.Error("GetOrCreate returned different logs for same session")
	}

	c := reg.GetOrCreate("sess-2")
	if a == c {
		t.Error("different sessions share a log")
	}

	a.Append("text", nil)
	reg.Remove("sess-1")
	if reg.GetOrCreate("sess-1").Len() != 0 {
		t.Error("Remove did not drop the log")
	}
}
