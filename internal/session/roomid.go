package session

import "crypto/rand"

const (
	roomIDLength      = 10
	maxRoomIDAttempts = 5
)

// newRoomID returns 10 lower alnum characters.
func newRoomID() (string, error) {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	// 252 is the largest multiple of 36 below 256; higher bytes are redrawn.
	const limit = 256 - 256%len(letters)
	out := make([]byte, 0, roomIDLength)
	buf := make([]byte, roomIDLength)
	for len(out) < roomIDLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, letters[int(b)%len(letters)])
			if len(out) == roomIDLength {
				break
			}
		}
	}
	return string(out), nil
}
