package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/diwise/iot-lock-mgmt/pkg/types"
)

// Signer creates the messages sent to devices and signs them with a shared secret so
// that the firmware can reject commands that did not originate from this service.
type Signer struct {
	key []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{key: []byte(secret)}
}

// Enabled reports whether outbound commands will carry a signature.
func (s *Signer) Enabled() bool {
	return len(s.key) > 0
}

func (s *Signer) Message(cmd types.Command, at time.Time) types.CommandMessage {
	msg := types.CommandMessage{
		Command:   cmd.Command,
		CommandID: cmd.ID,
		Payload:   cmd.Payload,
		Timestamp: at.Unix(),
	}
	msg.Signature = s.Sign(msg)
	return msg
}

// Sign returns the hex encoded HMAC-SHA256 of the message, or an empty string if
// no secret is configured.
func (s *Signer) Sign(msg types.CommandMessage) string {
	if len(s.key) == 0 {
		return ""
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical(msg))

	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) Verify(msg types.CommandMessage) bool {
	if len(s.key) == 0 {
		return true
	}

	expected, err := hex.DecodeString(msg.Signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical(msg))

	return hmac.Equal(expected, mac.Sum(nil))
}

func canonical(msg types.CommandMessage) []byte {
	payload := msg.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	// map keys are marshalled in sorted order
	b, _ := json.Marshal(payload)

	return []byte(fmt.Sprintf("%s|%d|%d|%s", msg.Command, msg.CommandID, msg.Timestamp, b))
}
