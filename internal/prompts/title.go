package prompts

import "fmt"

// titleTemplate asks the model for a conversation title. Format verbs:
// (1) maximum characters, (2) the first user message.
const titleTemplate = `Write a short title (at most %d characters, like an email subject) for a conversation that starts with the message below.
Reply with the title only: no quotes, no trailing punctuation.

Message:
%s

Title:`

// TitlePrompt returns the fully interpolated prompt for summarizing a
// conversation's first message into a title.
func TitlePrompt(maxChars int, firstMessage string) string {
	return fmt.Sprintf(titleTemplate, maxChars, firstMessage)
}
