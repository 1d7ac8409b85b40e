// Package prompts contains all LLM prompt text used by Parley.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, benefit from compile-time embedding,
// and can be validated by tests. User-facing configuration lives in config.yaml;
// this package holds the instructions we send to models and the fixed
// replies we return when a turn cannot use the model's output.
//
// Convention: each prompt category gets its own file (system.go, title.go,
// agent.go) with an exported function or constant per prompt.
package prompts
