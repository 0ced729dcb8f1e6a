// Package responder produces the demo chat and completion payloads served
// behind the credit gate. It stands in for a real model backend.
package responder

import (
	"fmt"
	"hash/fnv"
	"strings"

	"go.uber.org/fx"
)

var chatTemplates = []string{
	"Here is a summary of %q: the main idea is to keep the scope small and iterate.",
	"Regarding %q, a reasonable next step is to write a failing test first.",
	"On %q: start from the data model, then layer behavior on top of it.",
	"For %q, the usual trade-off is latency against consistency; pick one and document it.",
}

var completionTemplates = []string{
	"%s // handled below",
	"%s\n\treturn nil",
	"%s\n\tif err != nil {\n\t\treturn err\n\t}",
	"%s\n\t// TODO: wire retries",
}

type Responder struct{}

func New() *Responder { return &Responder{} }

// Chat returns a deterministic canned reply for a prompt. Determinism keeps
// the handler tests stable.
func (r *Responder) Chat(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "Ask me something and I will do my best."
	}
	return fmt.Sprintf(chatTemplates[pick(prompt, len(chatTemplates))], truncate(prompt, 80))
}

// Complete returns a canned tab completion for a code snippet.
func (r *Responder) Complete(snippet string) string {
	snippet = strings.TrimSpace(snippet)
	if snippet == "" {
		return "// nothing to complete"
	}
	return fmt.Sprintf(completionTemplates[pick(snippet, len(completionTemplates))], truncate(snippet, 120))
}

func pick(s string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() % uint32(n))
}

// truncate cuts on a rune boundary so a multi-byte prompt never echoes
// back as invalid UTF-8.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

var Module = fx.Module("responder",
	fx.Provide(New),
)
