package app

import (
	"log"
	"strings"
)

// NormalizeLocalAddr keeps the diagnostics API on loopback unless an explicit
// host is configured.
func NormalizeLocalAddr(cfgAddr string) string {
	a := strings.TrimSpace(cfgAddr)
	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a
}

func logBanner(deviceDir, cfgPath string, id Identity) {
	log.Println("────────────────────────────────────────")
	log.Println("slotcast device")
	log.Printf(" Device folder : %s", deviceDir)
	log.Printf(" Config file   : %s", cfgPath)
	log.Printf(" Device        : %s (%s)", id.DeviceID, id.DeviceName)
	log.Printf(" Material/slot : %s / %d", id.MaterialID, id.SlotNumber)
	log.Println("────────────────────────────────────────")
}
