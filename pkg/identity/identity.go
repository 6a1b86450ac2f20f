// Package identity names this process instance and issues operator tokens.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	"github.com/denisbrodbeck/machineid"
)

const appID = "execution-core"

// InstanceID returns a stable short id for this host. It is derived from the
// machine id (hashed, never the raw value) and falls back to the hostname.
func InstanceID() string {
	if id, err := machineid.ProtectedID(appID); err == nil && id != "" {
		return id[:12]
	}
	host, _ := os.Hostname()
	sum := sha256.Sum256([]byte(appID + host))
	return hex.EncodeToString(sum[:])[:12]
}

// ClientOrderPrefix is prepended to client order ids so fills from this
// instance are recognizable on the exchange.
func ClientOrderPrefix(instance string) string {
	instance = strings.ToLower(instance)
	if len(instance) > 6 {
		instance = instance[:6]
	}
	return "ec" + instance
}
