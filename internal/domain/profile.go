package domain

import "time"

// BehavioralProfile is the per-user rolling baseline used to detect
// deviation. Exclusively owned by the profile store; mutated only after
// a transaction completes analysis, never concurrently for one user.
type BehavioralProfile struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`

	// TypicalAmount is an exponential moving average of transaction amounts.
	TypicalAmount float64 `json:"typicalAmount"`

	// TxCount is the number of transactions observed.
	TxCount int64 `json:"txCount"`

	// Bounded most-recent-N rings.
	UsualLocations []string `json:"usualLocations,omitempty"`
	UsualDevices   []string `json:"usualDevices,omitempty"`
	UsualHours     []int    `json:"usualHours,omitempty"`
	Counterparties []string `json:"counterparties,omitempty"`

	// RiskTolerance scales deviation sensitivity (1.0 = default).
	RiskTolerance float64 `json:"riskTolerance"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// KnowsLocation reports whether loc is in the usual-locations ring.
func (p *BehavioralProfile) KnowsLocation(loc string) bool {
	for _, l := range p.UsualLocations {
		if l == loc {
			return true
		}
	}
	return false
}

// KnowsDevice reports whether dev is in the usual-devices ring.
func (p *BehavioralProfile) KnowsDevice(dev string) bool {
	for _, d := range p.UsualDevices {
		if d == dev {
			return true
		}
	}
	return false
}

// KnowsHour reports whether hour is in the usual-hours ring.
func (p *BehavioralProfile) KnowsHour(hour int) bool {
	for _, h := range p.UsualHours {
		if h == hour {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never alias store-owned slices.
func (p *BehavioralProfile) Clone() *BehavioralProfile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.UsualLocations = append([]string(nil), p.UsualLocations...)
	cp.UsualDevices = append([]string(nil), p.UsualDevices...)
	cp.UsualHours = append([]int(nil), p.UsualHours...)
	cp.Counterparties = append([]string(nil), p.Counterparties...)
	return &cp
}
