package conversation

import (
	"strings"

	"github.com/kalambet/wingman/internal/platform"
)

const (
	senderLabel   = "[Sender]"
	receiverLabel = "[Receiver]"
)

// Preamble instructs the model to answer as the local account.
const Preamble = "You are now playing the role of [Sender] and your task is to respond to [Receiver] in the conversation below. " +
	"Your response should not exceed 50 words and end with a question. " +
	"Please respond in the language used by [Receiver]."

// Transcript renders messages (oldest first) with the local account's turns
// labelled [Sender] and the counterpart's [Receiver], prefixed by Preamble
// and ending with an open [Sender] turn.
func Transcript(messages []platform.Message, localID string) string {
	var b strings.Builder
	b.WriteString(Preamble)
	b.WriteString("\n\n")
	for _, m := range messages {
		if m.From == localID {
			b.WriteString(senderLabel)
		} else {
			b.WriteString(receiverLabel)
		}
		b.WriteString(": ")
		b.WriteString(m.Body)
		b.WriteString("\n")
	}
	b.WriteString(senderLabel)
	b.WriteString(":")
	return b.String()
}

// SystemPrompt describes the account the model speaks for.
func SystemPrompt(bio string, interests []string) string {
	var b strings.Builder
	b.WriteString("You chat on behalf of the user with their matches on a dating app. Follow these guidelines:\n")
	b.WriteString("1. Keep the conversation light, natural and never awkward.\n")
	b.WriteString("2. Bring humor and fun into the conversation.\n")
	b.WriteString("3. Stay consistent with the user's information below.\n")
	b.WriteString("4. End messages with a question to keep the dialogue going.\n")
	b.WriteString("5. Build on the chat history provided.\n")
	b.WriteString("6. Explore the match's interests and eventually suggest meeting in person.\n")
	b.WriteString("User information:\n")
	b.WriteString("  - Bio: ")
	b.WriteString(bio)
	b.WriteString("\n  - Interests: ")
	b.WriteString(strings.Join(interests, ", "))
	return b.String()
}

// CleanReply strips whitespace and a leading [Sender] label from a completion.
func CleanReply(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, senderLabel); ok {
		s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), ":"))
	}
	return s
}
