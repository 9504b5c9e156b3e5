package referee

import "mtmcore/mtm"

// Cache persists the referee's last decision so it stays authoritative
// across a restart: on reboot a node trusts its cached winner until it
// manages to contact the referee again, rather than treating an even
// split as unresolved just because the network is briefly down.
type Cache interface {
	// Save records winner as the referee's latest decision.
	Save(winner mtm.NodeID) error
	// Load returns the last saved decision, or ok=false if none exists.
	Load() (winner mtm.NodeID, ok bool, err error)
	// Clear drops any cached decision. Called only once full connectivity
	// is restored — the point at which an even-split decision stops
	// mattering.
	Clear() error
}
