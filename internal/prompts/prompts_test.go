package prompts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nugget/hearth/internal/assembler"
	"github.com/nugget/hearth/internal/history"
	"github.com/nugget/hearth/internal/timewindow"
)

var now = time.Date(2025, 1, 15, 18, 30, 0, 0, time.UTC)

func TestAnswer(t *testing.T) {
	c := assembler.Context{
		Utterance:   "τι θερμοκρασία είχαμε χθες;",
		Window:      timewindow.NewResolver(nil).Resolve("χθες", now),
		HistoryText: "sensor.living_room_temp [14/01 18:40] = 19.5 °C",
		LiveText:    "sensor.living_room_temp = 21.5 °C",
		MemoryText:  assembler.NoConversation,
	}

	got := Answer(c, now, time.UTC)

	for _, want := range []string{
		`"τι θερμοκρασία είχαμε χθες;"`,
		"Wednesday 15/01/2025 18:30 (UTC)",
		"one moment: around 14/01 18:30",
		"sensor.living_room_temp [14/01 18:40] = 19.5 °C",
		"sensor.living_room_temp = 21.5 °C",
		assembler.NoConversation,
		"Never invent",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(got, "%!") {
		t.Errorf("prompt has formatting errors:\n%s", got)
	}
}

func TestAnswer_ConfigSection(t *testing.T) {
	c := assembler.Context{
		Utterance:  "which automation turns on the porch light?",
		Window:     timewindow.NewResolver(nil).Resolve("", now),
		MemoryText: assembler.NoConversation,
	}
	if got := Answer(c, now, time.UTC); strings.Contains(got, "CONFIGURATION FILES:\n") {
		t.Errorf("empty config text rendered a section:\n%s", got)
	}

	c.ConfigText = "--- automations.yaml ---\n- alias: Porch light at dusk\n--- end of automations.yaml ---"
	got := Answer(c, now, time.UTC)
	if !strings.Contains(got, "CONFIGURATION FILES:\n--- automations.yaml ---") {
		t.Errorf("config section missing:\n%s", got)
	}
	if strings.Contains(got, "%!") {
		t.Errorf("prompt has formatting errors:\n%s", got)
	}
}

func TestAnswer_RangeAndSentinels(t *testing.T) {
	c := assembler.Context{
		Utterance:   "how was the power this week",
		Window:      timewindow.NewResolver(nil).Resolve("this week", now),
		HistoryText: history.NoData,
		LiveText:    assembler.LiveUnavailable,
		MemoryText:  assembler.NoConversation,
	}

	got := Answer(c, now, nil)
	if !strings.Contains(got, "period since 08/01 18:30") {
		t.Errorf("range window not described:\n%s", got)
	}
	if !strings.Contains(got, history.NoData) || !strings.Contains(got, assembler.LiveUnavailable) {
		t.Error("sentinels must reach the model verbatim")
	}
}

func TestAnswer_LocalTime(t *testing.T) {
	loc := time.FixedZone("EET", 2*60*60)
	got := Answer(assembler.Context{Window: timewindow.NewResolver(nil).Resolve("last hour", now)}, now, loc)
	if !strings.Contains(got, "15/01/2025 20:30 (EET)") {
		t.Errorf("current time not localized:\n%s", got)
	}
}

func TestErrorReply(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, EmptyResponseFallback},
		{fmt.Errorf("generate: %w", context.DeadlineExceeded), "⚠️ The language model did not answer in time. Please try again."},
		{errors.New("gemini API error 401: bad key"), "⚠️ Error: gemini API error 401: bad key"},
	}
	for _, tt := range tests {
		if got := ErrorReply(tt.err); got != tt.want {
			t.Errorf("ErrorReply(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
