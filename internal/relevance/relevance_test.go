package relevance

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/nugget/hearth/internal/catalog"
	"github.com/nugget/hearth/internal/homeassistant"
)

func state(id, value string, attrs map[string]any) homeassistant.State {
	return homeassistant.State{EntityID: id, State: value, Attributes: attrs}
}

func homeSnapshot() *catalog.Snapshot {
	return catalog.NewSnapshot([]homeassistant.State{
		state("update.home_assistant_core_update", "off", nil),
		state("sensor.living_room_temp", "21.5", map[string]any{"unit_of_measurement": "°C", "friendly_name": "Living Room Temperature"}),
		state("device_tracker.phone", "home", nil),
		state("climate.hall", "heat", map[string]any{"hvac_action": "heating", "current_temperature": 20.5}),
		state("light.kitchen", "on", map[string]any{"friendly_name": "Κουζίνα"}),
		state("light.bedroom", "off", nil),
		state("sensor.bathroom_humidity", "61", map[string]any{"unit_of_measurement": "%", "device_class": "humidity"}),
		state("sensor.outdoor", "9.1", map[string]any{"device_class": "temperature"}),
		state("switch.boiler", "off", nil),
		state("sensor.temp_update_rate", "1", map[string]any{"unit_of_measurement": "°C"}),
	}, time.Now())
}

func TestScore(t *testing.T) {
	s := NewScorer(nil)
	snap := homeSnapshot()

	tests := []struct {
		name      string
		utterance string
		want      []string
	}{
		{
			"greek temperature yesterday",
			"τι θερμοκρασία είχαμε χθες αυτή την ώρα",
			[]string{"sensor.living_room_temp", "climate.hall", "sensor.outdoor"},
		},
		{
			"english lights",
			"turn off the lights",
			[]string{"light.kitchen", "light.bedroom"},
		},
		{
			"friendly name token",
			"είναι ανοιχτό το φως στην κουζίνα;",
			[]string{"light.kitchen", "light.bedroom"},
		},
		{
			"heating hits climate and boiler id",
			"how long was the heating on",
			[]string{"climate.hall", "switch.boiler"},
		},
		{
			"humidity by device class",
			"what is the humidity",
			[]string{"sensor.bathroom_humidity"},
		},
		{
			"lexical only",
			"bathroom",
			[]string{"sensor.bathroom_humidity"},
		},
		{
			"nothing relevant",
			"tell me a joke",
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Score(tt.utterance, snap)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Score(%q) = %v, want %v", tt.utterance, got, tt.want)
			}
		})
	}
}

func TestScore_NeverReturnsNoise(t *testing.T) {
	s := NewScorer(nil)
	snap := homeSnapshot()

	for _, u := range []string{"update", "device tracker phone", "temperature", "temp update rate", "phone"} {
		for _, id := range s.Score(u, snap) {
			if strings.Contains(id, "update") || strings.Contains(id, "device_tracker") {
				t.Errorf("Score(%q) returned excluded id %q", u, id)
			}
		}
	}
}

func TestScore_Cap(t *testing.T) {
	var states []homeassistant.State
	for i := range 50 {
		states = append(states, state(fmt.Sprintf("sensor.room_%02d_temperature", i), "20", map[string]any{"unit_of_measurement": "°C"}))
	}
	snap := catalog.NewSnapshot(states, time.Now())

	if got := NewScorer(nil).Score("temperature", snap); len(got) != DefaultMaxCandidates {
		t.Errorf("len = %d, want %d", len(got), DefaultMaxCandidates)
	}
	got := NewScorer(nil, WithMaxCandidates(3)).Score("temperature", snap)
	if want := []string{"sensor.room_00_temperature", "sensor.room_01_temperature", "sensor.room_02_temperature"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Score = %v, want first three in snapshot order", got)
	}
	if got := NewScorer(nil, WithMaxCandidates(100)).Score("temperature", snap); len(got) != MaxCandidatesLimit {
		t.Errorf("oversized cap: len = %d, want %d", len(got), MaxCandidatesLimit)
	}
}

func TestScore_Deterministic(t *testing.T) {
	s := NewScorer(nil)
	snap := homeSnapshot()
	u := "πόση ήταν η θερμοκρασία και η υγρασία στο μπάνιο;"

	first := s.Score(u, snap)
	for range 20 {
		if got := s.Score(u, snap); !slices.Equal(got, first) {
			t.Fatalf("Score not deterministic: %v vs %v", got, first)
		}
	}
}

func TestScore_ExtraExclude(t *testing.T) {
	s := NewScorer(nil, WithExclude("sensor.outdoor"))
	for _, id := range s.Score("temperature", homeSnapshot()) {
		if id == "sensor.outdoor" {
			t.Error("configured exclusion not applied")
		}
	}
}

func TestRank_Reasons(t *testing.T) {
	cands := NewScorer(nil).Rank("living room temperature", homeSnapshot())
	if len(cands) == 0 || cands[0].ID != "sensor.living_room_temp" {
		t.Fatalf("Rank = %+v", cands)
	}
	want := []string{"category:temperature", "token:living", "token:room", "token:temperature"}
	if !reflect.DeepEqual(cands[0].Reasons, want) {
		t.Errorf("Reasons = %v, want %v", cands[0].Reasons, want)
	}
}

func TestScore_EmptySnapshot(t *testing.T) {
	if got := NewScorer(nil).Score("temperature", catalog.Empty()); len(got) != 0 {
		t.Errorf("Score on empty snapshot = %v", got)
	}
}
