package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/modelmux/modelmux/internal/provider"
)

// Fingerprint derives the stable 16-hex request identity used to correlate
// every event of a run. Options are canonicalized (sorted keys, minimal
// separators) so field order never changes the identity.
func Fingerprint(req *provider.Request) string {
	opts := "{}"
	if len(req.Options) > 0 {
		if b, err := json.Marshal(req.Options); err == nil {
			opts = string(b)
		}
	}
	payload := fmt.Sprintf("runner|%s|%s|%d", req.Prompt, opts, req.MaxTokens)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:16]
}
