// Package stunprobe checks STUN server reachability before a session is
// built. A failed probe is advisory only; the session still starts and ICE
// makes its own attempts.
package stunprobe

import (
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"
)

// Check sends a binding request to the given server and logs the reflexive
// address it reports. serverURL accepts both "stun:host:port" and bare
// "host:port" forms.
func Check(serverURL string, log *zap.Logger) error {
	addr := strings.TrimPrefix(serverURL, "stun:")

	client, err := stun.Dial("udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to dial STUN server %s: %w", addr, err)
	}
	defer client.Close()

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	var probeErr error
	if err := client.Do(message, func(event stun.Event) {
		if event.Error != nil {
			probeErr = fmt.Errorf("binding request failed: %w", event.Error)
			return
		}
		var reflexive stun.XORMappedAddress
		if err := reflexive.GetFrom(event.Message); err != nil {
			probeErr = fmt.Errorf("no XOR-MAPPED-ADDRESS in response: %w", err)
			return
		}
		log.Info("STUN server reachable",
			zap.String("server", addr),
			zap.String("reflexiveAddress", reflexive.String()))
	}); err != nil {
		return fmt.Errorf("STUN transaction failed: %w", err)
	}
	return probeErr
}
