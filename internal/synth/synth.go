// Package synth synthesizes container recipes via an opaque text-completion
// RPC (spec §4.2), retrying with the prior error appended.
package synth

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Completer is the narrow interface over the external text-completion RPC.
// HTTPCompleter (completer.go) is the HTTP implementation against the completion
// service; callers supply a Completer bound to ORC_COMPLETION_API_KEY/BASE_URL.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// RecipeRequest carries the inputs needed to synthesize a recipe (spec §4.2).
type RecipeRequest struct {
	RepositoryFullName string
	OriginURL          string
	Language           string
	ForkURL            string
	PreviousError      string
}

const maxSynthesisAttempts = 3

// baseImageByLanguage is the enumerated mapping of spec §4.2 item 1, with a
// general-purpose default for unrecognized languages.
var baseImageByLanguage = map[string]string{
	"Node.js":    "node:20-bookworm",
	"JavaScript": "node:20-bookworm",
	"TypeScript": "node:20-bookworm",
	"Python":     "python:3.12-bookworm",
	"Go":         "golang:1.23-bookworm",
	"Ruby":       "ruby:3.3-bookworm",
	"Java":       "eclipse-temurin:21-jdk-jammy",
	"Rust":       "rust:1.79-bookworm",
}

const defaultBaseImage = "debian:bookworm-slim"

func baseImageFor(language string) string {
	if image, ok := baseImageByLanguage[language]; ok {
		return image
	}
	return defaultBaseImage
}

// Synthesizer produces container recipes by calling a Completer, applying the
// mandatory invariants of spec §4.2 as prompt context and post-processing the
// response (code-fence stripping) before returning it.
type Synthesizer struct {
	Completer Completer
	Overrides *Overrides
	Logger    *log.Logger
}

// New builds a Synthesizer; logger defaults to log.Default() when nil.
func New(completer Completer, overrides *Overrides, logger *log.Logger) *Synthesizer {
	if logger == nil {
		logger = log.Default()
	}
	return &Synthesizer{Completer: completer, Overrides: overrides, Logger: logger}
}

// Synthesize makes up to three attempts, feeding the previous error back into
// the prompt on retry, and returns the final recipe text or the last error.
func (s *Synthesizer) Synthesize(ctx context.Context, req RecipeRequest) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxSynthesisAttempts; attempt++ {
		prompt := s.buildPrompt(req, lastErr)
		raw, err := s.Completer.Complete(ctx, prompt)
		if err != nil {
			lastErr = err
			s.Logger.Printf("synth: attempt %d/%d failed: %v", attempt, maxSynthesisAttempts, err)
			continue
		}
		recipe := stripCodeFence(raw)
		if strings.TrimSpace(recipe) == "" {
			lastErr = fmt.Errorf("synth: attempt %d produced an empty recipe", attempt)
			continue
		}
		return recipe, nil
	}
	return "", fmt.Errorf("synth: exhausted %d attempts: %w", maxSynthesisAttempts, lastErr)
}

func (s *Synthesizer) buildPrompt(req RecipeRequest, previousErr error) string {
	baseImage := baseImageFor(req.Language)
	if s.Overrides != nil {
		if override, ok := s.Overrides.BaseImageFor(req.Language); ok {
			baseImage = override
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Produce a container recipe (Dockerfile syntax) for repository %s (origin %s, fork %s).\n", req.RepositoryFullName, req.OriginURL, req.ForkURL)
	fmt.Fprintf(&b, "Requirements:\n")
	fmt.Fprintf(&b, "1. Base image: %s (language %s).\n", baseImage, req.Language)
	fmt.Fprintf(&b, "2. Install shell utilities (curl, git, sudo), the provider CLI, and the coding-agent binary via their documented installers.\n")
	fmt.Fprintf(&b, "3. Create a non-root user with password-less sudo.\n")
	fmt.Fprintf(&b, "4. Pre-seed known-host entries for the provider's host.\n")
	fmt.Fprintf(&b, "5. Clone the fork at /home/<user>/repo with an 'upstream' remote pointing at the origin.\n")
	fmt.Fprintf(&b, "6. Extend PATH to include the coding-agent binary.\n")
	fmt.Fprintf(&b, "7. End with a long-running default command that keeps the container alive.\n")
	if previousErr != nil {
		fmt.Fprintf(&b, "\nThe previous attempt failed with this error; correct it:\n%s\n", previousErr.Error())
	}
	return b.String()
}

// stripCodeFence removes a leading/trailing markdown code fence, if present,
// from the synthesizer's raw response.
func stripCodeFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	lines = lines[1:]
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
