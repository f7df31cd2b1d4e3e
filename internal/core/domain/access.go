package domain

// Access-control event payloads. These mirror contract-side membership
// changes; the engine's view of the admin set lives in the chain-state
// cache, so applying them mostly means invalidating that cache.

const EntityAdminSet = "admin_set"

type AdminAdded struct {
	Admin   string
	AddedBy string
}

func (AdminAdded) Kind() EventKind { return KindAdminAdded }
func (e AdminAdded) EntityRef() (string, string) {
	return EntityAdminSet, e.Admin
}

type AdminRemoved struct {
	Admin     string
	RemovedBy string
}

func (AdminRemoved) Kind() EventKind { return KindAdminRemoved }
func (e AdminRemoved) EntityRef() (string, string) {
	return EntityAdminSet, e.Admin
}

type ThresholdUpdated struct {
	OldThreshold int
	NewThreshold int
}

func (ThresholdUpdated) Kind() EventKind { return KindThresholdUpdated }
func (ThresholdUpdated) EntityRef() (string, string) {
	return EntityAdminSet, "threshold"
}
