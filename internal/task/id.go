package task

import "crypto/rand"

// idAlphabet is the character set for task ids.
const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// idLength is the length of generated task ids.
const idLength = 8

// NewID generates a short random task identifier.
func NewID() string {
	buf := make([]byte, idLength)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf)
}
