package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventBufferEvictsOldest(t *testing.T) {
	var b EventBuffer
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		b.Append(Event{Type: "BROWSER_TAB_SWITCH", Timestamp: base.Add(time.Duration(i) * time.Second)}, 3)
	}

	if b.Len() != 3 {
		t.Fatalf("expected 3 events, got %d", b.Len())
	}
	if b.Evicted != 2 {
		t.Fatalf("expected 2 evicted, got %d", b.Evicted)
	}
	if !b.Events[0].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("oldest retained event should be the third one, got %v", b.Events[0].Timestamp)
	}
}

func TestEventBufferRetain(t *testing.T) {
	var b EventBuffer
	b.Append(Event{Type: "A", Severity: SeverityInfo}, 10)
	b.Append(Event{Type: "B", Severity: SeverityHigh}, 10)
	b.Append(Event{Type: "C", Severity: SeverityInfo}, 10)

	removed := b.Retain(func(e Event) bool { return e.Severity == SeverityHigh })
	if removed != 2 || b.Len() != 1 || b.Events[0].Type != "B" || b.Evicted != 2 {
		t.Fatalf("unexpected buffer after retain: removed=%d %+v", removed, b)
	}
}

func TestEventBufferValueScan(t *testing.T) {
	var b EventBuffer
	b.Append(Event{Type: "SECURITY_DEVTOOLS", Severity: SeverityHigh, Data: json.RawMessage(`{"k":1}`)}, 10)

	v, err := b.Value()
	if err != nil {
		t.Fatal(err)
	}
	var out EventBuffer
	if err := out.Scan([]byte(v.(string))); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 1 || out.Events[0].Type != "SECURITY_DEVTOOLS" || string(out.Events[0].Data) != `{"k":1}` {
		t.Fatalf("unexpected round trip %+v", out)
	}

	var empty EventBuffer
	if err := empty.Scan(nil); err != nil || empty.Len() != 0 {
		t.Fatalf("nil scan should leave empty buffer, got %v %+v", err, empty)
	}
}

func TestCategorize(t *testing.T) {
	cases := []struct {
		in       string
		category EventCategory
		stripped string
	}{
		{"security_devtools_open", CategorySecurity, "DEVTOOLS_OPEN"},
		{"BROWSER_FOCUS_LOSS", CategoryBrowser, "FOCUS_LOSS"},
		{"Warning_Tab_Switch", CategoryWarning, "TAB_SWITCH"},
		{"MULTIPLE_IPS", CategorySystem, "MULTIPLE_IPS"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			c, s := Categorize(tc.in)
			if c != tc.category || s != tc.stripped {
				t.Fatalf("Categorize(%q) = %s, %s", tc.in, c, s)
			}
		})
	}
}

func TestAutoFlagOnlyFromPending(t *testing.T) {
	a := &ExamAttempt{VerificationStatus: VerificationPending}
	if !a.AutoFlag() || a.VerificationStatus != VerificationAutoFlagged {
		t.Fatalf("pending attempt should become auto_flagged")
	}
	if a.AutoFlag() {
		t.Fatalf("second auto flag should be a no-op")
	}

	approved := &ExamAttempt{VerificationStatus: VerificationApproved}
	if approved.AutoFlag() || approved.VerificationStatus != VerificationApproved {
		t.Fatalf("approved attempt must stay approved")
	}
}

func TestIPHistoryPruneAndRoundTrip(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	h := IPHistory{
		"10.0.0.3": base.Add(50 * time.Minute),
		"10.0.0.1": base,
		"10.0.0.2": base.Add(30 * time.Minute),
	}
	h.Prune(base.Add(10 * time.Minute))
	if got := h.Addresses(); len(got) != 2 || got[0] != "10.0.0.2" || got[1] != "10.0.0.3" {
		t.Fatalf("unexpected addresses after prune %v", got)
	}

	v, err := h.Value()
	if err != nil {
		t.Fatal(err)
	}
	var back IPHistory
	if err := back.Scan(v); err != nil {
		t.Fatal(err)
	}
	if !back["10.0.0.3"].Equal(base.Add(50 * time.Minute)) || len(back) != 2 {
		t.Fatalf("unexpected scanned history %v", back)
	}
	if v, _ := IPHistory(nil).Value(); v != "{}" {
		t.Fatalf("nil history should store an empty object, got %v", v)
	}
}
