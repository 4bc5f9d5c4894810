package generation

import "context"

// Generator produces an AI-generated summary for a piece of saved
// content. It serves as a boundary between the task runtime and external
// LLM services.
type Generator interface {
	// Summarize returns a short summary of the given content.
	Summarize(ctx context.Context, content string) (string, error)
}
