package prompts

import "fmt"

// EmptyResponseFallback is the user-facing message returned when the
// model produces no text for the final reply.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// toolApologyTemplate is returned in place of a model reply when the
// model asked for a tool with arguments that could not be used. The
// single format verb is the tool name.
const toolApologyTemplate = "Sorry, I couldn't look that up: my request to %s was malformed. Could you rephrase your question?"

// unknownToolApology is the apology for a tool name that is not
// registered.
const unknownToolApology = "Sorry, I tried to use a tool that isn't available. Could you rephrase your question?"

// ToolApology returns the apologetic reply for a tool call the
// executor rejected. An empty toolName selects the unknown-tool text.
func ToolApology(toolName string) string {
	if toolName == "" {
		return unknownToolApology
	}
	return fmt.Sprintf(toolApologyTemplate, toolName)
}
