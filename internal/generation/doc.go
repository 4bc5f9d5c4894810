// Package generation defines the boundary between the task runtime and
// external AI/LLM services. The ai_process handler depends only on the
// Generator interface; the Gemini-backed implementation lives in
// internal/platform/gemini.
package generation
