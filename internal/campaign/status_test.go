package campaign

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusDraft, StatusSending},
		{StatusDraft, StatusScheduled},
		{StatusScheduled, StatusSending},
		{StatusScheduled, StatusCancelled},
		{StatusSending, StatusSent},
		{StatusSending, StatusFailed},
		{StatusSending, StatusCancelled},
	}
	for _, e := range allowed {
		if !CanTransition(e.from, e.to) {
			t.Errorf("%s -> %s should be allowed", e.from, e.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusDraft, StatusCancelled},
		{StatusDraft, StatusSent},
		{StatusScheduled, StatusDraft},
		{StatusSent, StatusSending},
		{StatusFailed, StatusSending},
		{StatusCancelled, StatusSending},
		{StatusSent, StatusCancelled},
	}
	for _, e := range denied {
		if CanTransition(e.from, e.to) {
			t.Errorf("%s -> %s should be rejected", e.from, e.to)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, st := range []Status{StatusSent, StatusFailed, StatusCancelled} {
		if !st.Terminal() {
			t.Errorf("%s should be terminal", st)
		}
	}
	for _, st := range []Status{StatusDraft, StatusScheduled, StatusSending} {
		if st.Terminal() {
			t.Errorf("%s should not be terminal", st)
		}
	}
}

func TestFinalStatus(t *testing.T) {
	cases := []struct {
		successful, total int
		want              Status
	}{
		{3, 3, StatusSent},
		{1, 3, StatusSent},
		{0, 0, StatusSent},
		{0, 3, StatusFailed},
	}
	for _, tc := range cases {
		if got := finalStatus(tc.successful, tc.total); got != tc.want {
			t.Errorf("finalStatus(%d, %d) = %s, want %s", tc.successful, tc.total, got, tc.want)
		}
	}
}

func TestPageDefaults(t *testing.T) {
	if p := (Page{}).withDefaults(); p.Limit != 100 || p.Offset != 0 {
		t.Fatalf("zero page defaulted to %+v", p)
	}
	if p := (Page{Limit: 9000, Offset: -3}).withDefaults(); p.Limit != 100 || p.Offset != 0 {
		t.Fatalf("out-of-range page defaulted to %+v", p)
	}
	if p := (Page{Limit: 50, Offset: 20}).withDefaults(); p.Limit != 50 || p.Offset != 20 {
		t.Fatalf("valid page mangled to %+v", p)
	}
}
