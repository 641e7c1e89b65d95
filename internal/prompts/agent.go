package prompts

import (
	"context"
	"errors"
	"fmt"
)

// WorkingMessage is shown while a turn is being answered.
const WorkingMessage = "Analyzing request…"

// EmptyResponseFallback is the user-facing message returned when the
// model answers with no text.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// ErrorReply phrases a failed turn so the user can tell an error
// occurred rather than reading it as an answer.
func ErrorReply(err error) string {
	switch {
	case err == nil:
		return EmptyResponseFallback
	case errors.Is(err, context.DeadlineExceeded):
		return "⚠️ The language model did not answer in time. Please try again."
	}
	return fmt.Sprintf("⚠️ Error: %v", err)
}
