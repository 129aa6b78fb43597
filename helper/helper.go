// Package helper provides the small process-wide utilities that don't
// warrant their own package: peer ID generation.
//
// Grounded on the teacher's helper.GeneratePeerID
// (_examples/niyazisuleymanov-alice/helper/helper.go); GenerateRandomID
// is dropped since it only served the teacher's UDP-tracker transaction
// IDs, and UDP trackers are out of scope (spec.md §1 Non-goals).
package helper

import (
	"math/rand"
	"time"
)

// GeneratePeerID returns a 20-byte client identifier of random ASCII
// letters and digits (no client-name prefix), used both in the
// handshake and in tracker announces.
func GeneratePeerID() [20]byte {
	rand.Seed(time.Now().UnixNano())
	symbols := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"
	peerID := [20]byte{}
	for i := 0; i < 20; i++ {
		peerID[i] = symbols[rand.Intn(len(symbols))]
	}
	return peerID
}
