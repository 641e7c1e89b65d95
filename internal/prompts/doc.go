// Package prompts contains the LLM prompt templates used by Hearth.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, benefit from compile-time embedding,
// and can be validated by tests. User-facing configuration lives in config.yaml;
// this package holds the instructions we send to the model and the fixed
// messages shown to the user around a turn.
//
// Convention: each prompt category gets its own file (system.go, agent.go)
// with an exported function that accepts the dynamic parts and returns the
// fully interpolated string.
package prompts
