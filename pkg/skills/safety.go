package skills

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// AuthoritySource tags every decision issued by this component. The
// executor only accepts decisions carrying this source.
const AuthoritySource = "skill_server"

const policyVersion = "2026-08"

// blockedKeywords terminate validation with a block. These cover shell
// escape, credential theft and destructive filesystem access.
var blockedKeywords = []string{
	"rm -rf",
	"mkfs",
	"dd if=",
	":(){ :|:& };:",
	"/etc/shadow",
	"/etc/passwd",
	"ssh_config",
	"id_rsa",
	".aws/credentials",
}

// blockedImports are module imports a skill never legitimately needs.
var blockedImports = []string{
	"ctypes",
	"marshal",
	"pty",
}

// warnPatterns pass with a warning; the model sees the reasons and can
// revise.
var warnPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsubprocess\b`),
	regexp.MustCompile(`\bos\.system\b`),
	regexp.MustCompile(`\beval\s*\(`),
	regexp.MustCompile(`\bexec\s*\(`),
	regexp.MustCompile(`__import__`),
	regexp.MustCompile(`\bsocket\b`),
}

// escalatePatterns need a human decision before the skill may exist.
var escalatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*import\s+keyring\b`),
	regexp.MustCompile(`\bos\.environ\b.*(?:KEY|TOKEN|SECRET|PASSWORT)`),
}

// Validator is the safety gate of the skill authority. Stateless.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// Validate inspects skill code and produces the control decision. The
// decision always carries the authority source and policy version so the
// executor can verify provenance.
func (v *Validator) Validate(req *protocol.SkillCreateRequest) *protocol.ControlDecision {
	decision := &protocol.ControlDecision{
		Source:        AuthoritySource,
		PolicyVersion: policyVersion,
	}

	code := strings.ToLower(req.Code)
	for _, keyword := range blockedKeywords {
		if strings.Contains(code, strings.ToLower(keyword)) {
			decision.Action = protocol.ActionBlock
			decision.Reasons = append(decision.Reasons, fmt.Sprintf("blocked keyword: %s", keyword))
		}
	}
	for _, module := range blockedImports {
		if importsModule(req.Code, module) {
			decision.Action = protocol.ActionBlock
			decision.Reasons = append(decision.Reasons, fmt.Sprintf("blocked import: %s", module))
		}
	}
	if decision.Action == protocol.ActionBlock {
		return decision
	}

	for _, pattern := range escalatePatterns {
		if pattern.MatchString(req.Code) {
			decision.Action = protocol.ActionEscalate
			decision.Reasons = append(decision.Reasons, fmt.Sprintf("needs review: %s", pattern.String()))
		}
	}
	if decision.Action == protocol.ActionEscalate {
		return decision
	}

	for _, pattern := range warnPatterns {
		if pattern.MatchString(req.Code) {
			decision.Action = protocol.ActionWarn
			decision.Reasons = append(decision.Reasons, fmt.Sprintf("suspicious pattern: %s", pattern.String()))
		}
	}
	if decision.Action == "" {
		decision.Action = protocol.ActionApprove
	}
	decision.Passed = true
	return decision
}

// PatternBlocked is the fast keyword pre-filter. The control layer runs
// it over raw request text before any model call; a hit short-circuits
// straight to block without consulting a model.
func PatternBlocked(text string) (bool, string) {
	lowered := strings.ToLower(text)
	for _, keyword := range blockedKeywords {
		if strings.Contains(lowered, strings.ToLower(keyword)) {
			return true, keyword
		}
	}
	return false, ""
}

var importLinePattern = regexp.MustCompile(`(?m)^\s*(?:import|from)\s+([A-Za-z_][\w.]*)`)

func importsModule(code, module string) bool {
	for _, match := range importLinePattern.FindAllStringSubmatch(code, -1) {
		imported := match[1]
		if imported == module || strings.HasPrefix(imported, module+".") {
			return true
		}
	}
	return false
}
