package contentwatch

import "testing"

func TestShouldAlert(t *testing.T) {
	f := Float
	cases := []struct {
		name      string
		prev, cur *float64
		mode      Mode
		threshold float64
		want      bool
	}{
		{"no baseline", nil, f(5), Increase, 0, false},
		{"no baseline any", nil, f(5), AnyChange, 0, false},
		{"no baseline above", nil, f(50), AboveThreshold, 40, false},
		{"failed read", f(5), nil, AnyChange, 0, false},
		{"increase up", f(5), f(10), Increase, 0, true},
		{"increase down", f(10), f(5), Increase, 0, false},
		{"increase same", f(5), f(5), Increase, 0, false},
		{"decrease down", f(10), f(5), Decrease, 0, true},
		{"decrease up", f(5), f(10), Decrease, 0, false},
		{"any same", f(5), f(5), AnyChange, 0, false},
		{"any diff", f(5), f(6), AnyChange, 0, true},
		{"above", f(100), f(50), AboveThreshold, 40, true},
		{"above low prev", f(0), f(50), AboveThreshold, 40, true},
		{"above not", f(0), f(40), AboveThreshold, 40, false},
		{"below", f(0), f(3), BelowThreshold, 4, true},
		{"below not", f(0), f(4), BelowThreshold, 4, false},
		{"unknown mode falls back to increase", f(1), f(2), Mode("weird"), 0, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ShouldAlert(c.prev, c.cur, c.mode, c.threshold); got != c.want {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestEvaluate_FirstObservationBecomesBaseline(t *testing.T) {
	v := Evaluate(nil, Float(12), Increase, 0)
	if v.Alert {
		t.Error("first observation must not alert")
	}
	if !v.Observed || v.Baseline == nil || *v.Baseline != 12 {
		t.Fatalf("baseline: got %+v, want 12", v.Baseline)
	}
}

func TestEvaluate_FailedReadKeepsBaseline(t *testing.T) {
	v := Evaluate(Float(7), nil, AnyChange, 0)
	if v.Alert || v.Observed {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if v.Baseline == nil || *v.Baseline != 7 {
		t.Fatalf("baseline changed: %v", v.Baseline)
	}
}

func TestEvaluate_CopiesValues(t *testing.T) {
	prev, cur := Float(1), Float(2)
	v := Evaluate(prev, cur, Increase, 0)
	*cur = 99
	if *v.New != 2 || *v.Baseline != 2 || *v.Old != 1 {
		t.Fatalf("verdict aliases caller memory: %+v", v)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != Increase {
		t.Errorf("empty: %q %v", m, err)
	}
	if m, err := ParseMode("ABOVE"); err != nil || m != AboveThreshold {
		t.Errorf("ABOVE: %q %v", m, err)
	}
	if _, err := ParseMode("sideways"); err == nil {
		t.Error("expected error")
	}
}

func TestExtractNumber(t *testing.T) {
	cases := []struct {
		text string
		want float64
		ok   bool
	}{
		{"1-20 di 134 risultati", 134, true},
		{"Showing 1-20 of 87 results", 87, true},
		{"12 items in cart", 12, true},
		{"3 prodotti", 3, true},
		{"Totale: 45", 45, true},
		{"total 9", 9, true},
		{"Price 19 EUR, 2 left", 19, true},
		{"   42   ", 42, true},
		{"sold out", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, ok := ExtractNumber(c.text)
		if ok != c.ok || got != c.want {
			t.Errorf("ExtractNumber(%q) = %v, %v; want %v, %v", c.text, got, ok, c.want, c.ok)
		}
	}
}
