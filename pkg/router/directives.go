package router

import (
	"regexp"
	"strings"
)

var (
	mentionTokenRe = regexp.MustCompile(`^\s*<@!?(\d+)>\s*`)
	interruptRe    = regexp.MustCompile(`(?i)^\s*!(?:interrupt|int)\s*[:,]?\s*`)
	modelOverrideRe = regexp.MustCompile(`(?i)^\s*!m:(\S+)\s*`)
)

// StripLeadingMention removes a leading "<@id>" or "<@!id>" token (and the
// whitespace after it), returning the remaining text and whether it
// mentioned botUserID.
func StripLeadingMention(text, botUserID string) (rest string, mentionsBot bool) {
	m := mentionTokenRe.FindStringSubmatch(text)
	if m == nil {
		return text, false
	}
	return text[len(m[0]):], m[1] == botUserID
}

// Directive is the parsed control-flow signal a user message carries,
// independent of the routing decision it otherwise produces.
type Directive string

const (
	DirectiveNone      Directive = ""
	DirectiveInterrupt Directive = "interrupt"
)

// ParseControlDirective detects a leading !interrupt/!int directive
// (case-insensitive, optional ':'/',' separator) after the leading bot
// mention has already been stripped. Returns the directive and the text
// with the directive token removed.
func ParseControlDirective(text string) (Directive, string) {
	if m := interruptRe.FindString(text); m != "" {
		return DirectiveInterrupt, text[len(m):]
	}
	return DirectiveNone, text
}

// ParseModelOverride detects a leading "!m:<modelspec>" directive after
// the bot mention (and any control directive) has been stripped. Returns
// the model spec (empty if none) and the text with the directive removed.
func ParseModelOverride(text string) (modelSpec string, rest string) {
	m := modelOverrideRe.FindStringSubmatch(text)
	if m == nil {
		return "", text
	}
	full := modelOverrideRe.FindString(text)
	return m[1], text[len(full):]
}

// ResolveEffectiveModel applies the precedence: per-request override >
// session-config override on the event (raw.sessionModelOverride) >
// static per-session config.
func ResolveEffectiveModel(perRequestOverride, eventSessionOverride, staticSessionModel, fallback string) string {
	switch {
	case perRequestOverride != "":
		return perRequestOverride
	case eventSessionOverride != "":
		return eventSessionOverride
	case staticSessionModel != "":
		return staticSessionModel
	default:
		return fallback
	}
}

// NormalizeIncomingText strips the leading bot mention and any control/
// model-override directives, returning the clean body plus what was
// parsed out of it.
func NormalizeIncomingText(text, botUserID string) (body string, mentionsBot bool, directive Directive, modelOverride string) {
	body, mentionsBot = StripLeadingMention(text, botUserID)
	directive, body = ParseControlDirective(body)
	modelOverride, body = ParseModelOverride(body)
	return strings.TrimSpace(body), mentionsBot, directive, modelOverride
}
