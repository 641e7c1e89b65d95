package prompts

import (
	"fmt"
	"time"

	"github.com/nugget/hearth/internal/assembler"
)

// answerTemplate is the single prompt sent per turn. Format verbs, in
// order: current time, time zone, utterance, window description,
// conversation transcript, history digest, live states, optional
// configuration section.
const answerTemplate = `You are Hearth, a concise Home Assistant analyst.

The current time is %s (%s).

USER REQUEST:
%q

TIME WINDOW:
%s

RECENT CONVERSATION (oldest first):
%s

HISTORY:
%s

CURRENT STATES:
%s%s

INSTRUCTIONS:
1. Answer the request using only the data above. Never invent entity names,
   values, or timestamps that do not appear in it.
2. If HISTORY says no history data was found or no relevant entities were
   identified, say so plainly instead of guessing.
3. Compare HISTORY with CURRENT STATES when the user asks how things changed.
4. If the request is an action (turn something on or off), explain that you
   can only report on the home, not control it.
5. Reply in the language the user wrote in. Keep it short; use Markdown
   only for short lists.
6. When CONFIGURATION FILES are shown, quote aliases, triggers and entity
   ids exactly as written there. Never repeat credentials.`

// Answer builds the prompt for one assembled context. now is rendered
// in loc so the model reasons in the home's local time.
func Answer(c assembler.Context, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf(answerTemplate,
		now.In(loc).Format("Monday 02/01/2006 15:04"),
		loc.String(),
		c.Utterance,
		describeWindow(c, loc),
		c.MemoryText,
		c.HistoryText,
		c.LiveText,
		configSection(c),
	)
}

func configSection(c assembler.Context) string {
	if c.ConfigText == "" {
		return ""
	}
	return "\n\nCONFIGURATION FILES:\n" + c.ConfigText
}

func describeWindow(c assembler.Context, loc *time.Location) string {
	w := c.Window
	if w.IsPoint() {
		return fmt.Sprintf("The user is asking about one moment: around %s (%s).",
			w.Start.In(loc).Format("02/01 15:04"), w.Label)
	}
	return fmt.Sprintf("The user is asking about the period since %s (%s).",
		w.Start.In(loc).Format("02/01 15:04"), w.Label)
}
