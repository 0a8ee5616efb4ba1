package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/postpilot/coordinator/internal/models"
)

// Fingerprint derives the canonical cache key for a completion: a SHA-256
// over the model id, the temperature rounded to three decimals and a stable
// serialization of the messages. Identical (messages, model, temperature)
// always yield the same fingerprint regardless of caller.
func Fingerprint(model string, temperature float64, messages []models.Message) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%.3f\x00", model, temperature)
	// json.Marshal of a struct slice is deterministic: field order is fixed
	// and message order is preserved.
	payload, _ := json.Marshal(messages)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
