package models

import "testing"

func TestStatusCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNew, StatusAnalyzing, true},
		{StatusAnalyzing, StatusGo, true},
		{StatusAnalyzing, StatusNoGo, true},
		{StatusGo, StatusInPreparation, true},
		{StatusInPreparation, StatusSubmitted, true},
		{StatusSubmitted, StatusWon, true},
		{StatusSubmitted, StatusLost, true},
		{StatusNew, StatusGo, false},
		{StatusNoGo, StatusInPreparation, false},
		{StatusWon, StatusLost, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestSourceValid(t *testing.T) {
	for _, s := range []Source{SourceRegistry, SourceEProcurement, SourceManual} {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if Source("ted").Valid() {
		t.Error("expected unknown source to be invalid")
	}
}

func TestInformationalUpdateEmpty(t *testing.T) {
	if !(InformationalUpdate{}).Empty() {
		t.Fatal("zero update should be empty")
	}
	title := "x"
	if (InformationalUpdate{Title: &title}).Empty() {
		t.Fatal("update with title should not be empty")
	}
}
