// Package webhook authenticates and processes provider event deliveries.
package webhook

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/slotbook/paycore/internal/domain"
)

// DefaultReplayWindow is how far a delivery timestamp may drift from now.
const DefaultReplayWindow = 300 * time.Second

// Verifier checks delivery checksums against the shared events secret.
type Verifier struct {
	secret string
	window time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier. A zero window uses DefaultReplayWindow.
func NewVerifier(secret string, window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &Verifier{secret: secret, window: window, now: time.Now}
}

// Verify authenticates rawBody. properties are dotted paths into the
// payload's data object; their values, the raw timestamp and the secret are
// concatenated and hashed with SHA-256. No state is touched.
func (v *Verifier) Verify(rawBody []byte, properties []string, checksum, timestamp string) error {
	if v.secret == "" {
		return fmt.Errorf("webhook secret: %w", domain.ErrConfiguration)
	}
	var payload map[string]any
	dec := json.NewDecoder(bytes.NewReader(rawBody))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	data, ok := payload["data"].(map[string]any)
	if !ok || timestamp == "" {
		return fmt.Errorf("%w: missing data or timestamp", domain.ErrMalformedEvent)
	}
	if checksum == "" || len(properties) == 0 {
		return fmt.Errorf("%w: missing checksum or properties", domain.ErrSignatureInvalid)
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q", domain.ErrMalformedEvent, timestamp)
	}
	drift := v.now().Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.window {
		return fmt.Errorf("%w: drift %s", domain.ErrReplayDetected, drift.Truncate(time.Second))
	}

	want := Checksum(data, properties, timestamp, v.secret)
	got := strings.ToLower(strings.TrimSpace(checksum))
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return domain.ErrSignatureInvalid
	}
	return nil
}

// Checksum computes the lower-case hex checksum of a delivery.
func Checksum(data map[string]any, properties []string, timestamp, secret string) string {
	var b strings.Builder
	for _, path := range properties {
		b.WriteString(render(lookup(data, path)))
	}
	b.WriteString(timestamp)
	b.WriteString(secret)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// lookup resolves a dotted path such as "transaction.amount_in_cents".
func lookup(data map[string]any, path string) any {
	var cur any = data
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[key]
		if !ok {
			return nil
		}
	}
	return cur
}

// render formats a leaf value the way the provider concatenates it.
func render(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
