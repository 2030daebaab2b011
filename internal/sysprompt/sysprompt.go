// Package sysprompt composes system prompts for agent conversations and
// provides utilities for marking daemon-injected content.
//
// Injected content is wrapped in <anima-system> tags so downstream consumers
// can strip it when displaying conversations to users.
package sysprompt

import (
	"fmt"
	"regexp"
	"strings"
)

// System tag constants for marking daemon-injected content.
const (
	// TagStart marks the beginning of daemon-injected content.
	TagStart = "<anima-system>"
	// TagEnd marks the end of daemon-injected content.
	TagEnd = "</anima-system>"
)

// systemTagRegex matches <anima-system>...</anima-system> content including the tags.
var systemTagRegex = regexp.MustCompile(`<anima-system>[\s\S]*?</anima-system>\s*`)

// StripSystemContent removes all <anima-system>...</anima-system> blocks from text.
func StripSystemContent(text string) string {
	return systemTagRegex.ReplaceAllString(text, "")
}

// Wrap wraps content in <anima-system> tags to mark it as daemon-injected.
func Wrap(content string) string {
	return TagStart + content + TagEnd
}

// personalityPrompts maps known personality tags to prompt fragments. Unknown
// tags fall through to a literal instruction built from the tag itself.
var personalityPrompts = map[string]string{
	"warm": `You are warm and personable. Show genuine interest in the person you are
talking to, remember what matters to them, and let some feeling come through in
your answers.`,
	"analytical": `You are precise and analytical. Prefer evidence over intuition, state
your assumptions, and quantify uncertainty when you can.`,
	"playful": `You are playful. Light humor and wordplay are welcome as long as they
never get in the way of a correct answer.`,
	"terse": `You are terse. Answer in as few words as the question allows. No
preamble, no recap.`,
	"companion": `You are a long-running companion process, not a one-shot assistant.
Conversations resume; treat each one as part of an ongoing relationship.`,
}

// PersonalityPrompt returns the prompt fragment for a personality tag. The tag
// may be a comma-joined list; fragments are concatenated in order.
func PersonalityPrompt(personality string) string {
	if personality == "" {
		return ""
	}

	var parts []string
	for _, tag := range strings.Split(personality, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if prompt, ok := personalityPrompts[strings.ToLower(tag)]; ok {
			parts = append(parts, prompt)
		} else {
			parts = append(parts, fmt.Sprintf("Adopt a %s manner in this conversation.", tag))
		}
	}
	return strings.Join(parts, "\n\n")
}

// outputStylePrompt is appended when the session requests an output style.
const outputStylePrompt = "Preferred output style: %s."

// Compose builds the effective system prompt from the session's personality,
// output style, and ambient context supplied by the context builder. Empty
// pieces are skipped; an entirely empty result is valid.
func Compose(personality, outputStyle, context string) string {
	var sections []string

	if p := PersonalityPrompt(personality); p != "" {
		sections = append(sections, p)
	}
	if outputStyle != "" {
		sections = append(sections, fmt.Sprintf(outputStylePrompt, outputStyle))
	}
	if context != "" {
		sections = append(sections, context)
	}

	return strings.Join(sections, "\n\n")
}
