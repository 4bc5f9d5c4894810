// Package gemini implements generation.Generator against the Google
// Gemini API.
package gemini
