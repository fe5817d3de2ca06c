package pipeline

import (
	"regexp"

	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// Trigger detection gates just-in-time CSV loading in the context build.
// Patterns cover German and English phrasing; remember beats fact recall
// beats time reference when several match.
var (
	rememberPattern = regexp.MustCompile(`(?i)\b(merk dir|merke dir|erinner|vergiss nicht|remember|don't forget)\b`)
	recallPattern   = regexp.MustCompile(`(?i)\b(was wei(ß|ss)t du|welche fakten|what do you know|fakten über|recall)\b`)
	timePattern     = regexp.MustCompile(`(?i)\b(gestern|heute morgen|vorgestern|letzte woche|letzten monat|yesterday|last week|last month|wann (war|hat|habe))\b`)
)

// DetectTrigger classifies the user message for JIT context loading.
func DetectTrigger(query string) protocol.Trigger {
	switch {
	case rememberPattern.MatchString(query):
		return protocol.TriggerRemember
	case recallPattern.MatchString(query):
		return protocol.TriggerFactRecall
	case timePattern.MatchString(query):
		return protocol.TriggerTimeReference
	default:
		return protocol.TriggerNone
	}
}
