package activity

import (
	"testing"
	"time"
)

var (
	t0         = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	thresholds = DefaultConfig().Thresholds
)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func TestState_Observe(t *testing.T) {
	speaking := State{Phase: Speaking, LastSpeech: at(0)}
	tests := []struct {
		name     string
		from     State
		conf     float64
		now      time.Time
		want     State
		wantEdge Transition
	}{
		{"idle below activation", State{}, 0.49, at(0), State{}, Stay},
		{"idle between thresholds", State{}, 0.3, at(0), State{}, Stay},
		{"idle at activation", State{}, 0.5, at(10), State{Phase: Speaking, LastSpeech: at(10)}, Start},
		{"speaking at deactivation refreshes", speaking, 0.3, at(900), State{Phase: Speaking, LastSpeech: at(900)}, Stay},
		{"speaking low within silence", speaking, 0.29, at(999), speaking, Stay},
		{"speaking low at silence boundary", speaking, 0.29, at(1000), State{}, End},
		{"speaking low past silence", speaking, 0.0, at(5000), State{}, End},
		{"speaking high long after silence", speaking, 0.9, at(5000), State{Phase: Speaking, LastSpeech: at(5000)}, Stay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, edge := tt.from.Observe(tt.conf, tt.now, thresholds)
			if got != tt.want || edge != tt.wantEdge {
				t.Errorf("Observe = (%+v, %v), want (%+v, %v)", got, edge, tt.want, tt.wantEdge)
			}
		})
	}
}

func TestState_Stall(t *testing.T) {
	speaking := State{Phase: Speaking, LastSpeech: at(0)}
	tests := []struct {
		name     string
		from     State
		now      time.Time
		wantEdge Transition
	}{
		{"idle never stalls", State{}, at(10_000), Stay},
		{"speaking before timeout", speaking, at(1499), Stay},
		{"speaking at timeout", speaking, at(1500), End},
		{"speaking after timeout", speaking, at(4000), End},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, edge := tt.from.Stall(tt.now, thresholds)
			if edge != tt.wantEdge {
				t.Errorf("edge = %v, want %v", edge, tt.wantEdge)
			}
			if edge == End && got.Speaking() {
				t.Error("ended state still speaking")
			}
		})
	}
}

func TestState_HysteresisScenario(t *testing.T) {
	confs := []float64{0.6, 0.6, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2}
	var (
		s        State
		startIdx = -1
		endIdx   = -1
	)
	for i, c := range confs {
		var edge Transition
		s, edge = s.Observe(c, at(i*100), thresholds)
		switch edge {
		case Start:
			startIdx = i
		case End:
			endIdx = i
		}
		if i == 1 && s.LastSpeech != at(100) {
			t.Errorf("last speech after frame 2 = %v, want t=100ms", s.LastSpeech.Sub(t0))
		}
	}
	if startIdx != 0 {
		t.Errorf("speaking began at frame index %d, want 0", startIdx)
	}
	if endIdx != 11 {
		t.Errorf("speaking ended at frame index %d (t=%dms), want index 11 (t=1100ms)", endIdx, endIdx*100)
	}
}

func TestThresholds_Validate(t *testing.T) {
	if err := thresholds.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	bad := []Thresholds{
		{Activation: 1.2, Deactivation: 0.3, SilenceDuration: time.Second, InactivityTimeout: time.Second},
		{Activation: 0.5, Deactivation: -0.1, SilenceDuration: time.Second, InactivityTimeout: time.Second},
		{Activation: 0.3, Deactivation: 0.5, SilenceDuration: time.Second, InactivityTimeout: time.Second},
		{Activation: 0.5, Deactivation: 0.3, InactivityTimeout: time.Second},
		{Activation: 0.5, Deactivation: 0.3, SilenceDuration: time.Second},
	}
	for i, b := range bad {
		if err := b.Validate(); err == nil {
			t.Errorf("case %d: expected validation error for %+v", i, b)
		}
	}
}

func TestStringers(t *testing.T) {
	if Speaking.String() != "SPEAKING" || NotSpeaking.String() != "NOT_SPEAKING" {
		t.Error("phase names")
	}
	if ReasonWatchdog.String() != "watchdog" || ReasonHysteresis.String() != "hysteresis" || ReasonTeardown.String() != "teardown" {
		t.Error("reason names")
	}
	if Start.String() != "start" || End.String() != "end" || Stay.String() != "stay" {
		t.Error("transition names")
	}
}
