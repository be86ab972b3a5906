package domain

import "time"

// ConnectionStatus is the reachability state tracked by the network monitor.
type ConnectionStatus string

const (
	ConnectionOnline  ConnectionStatus = "online"
	ConnectionOffline ConnectionStatus = "offline"
	ConnectionSlow    ConnectionStatus = "slow"
)

// ConnectionInfo is the monitor's view of the network. Only the monitor mutates it;
// consumers receive copies.
type ConnectionInfo struct {
	Status           ConnectionStatus `json:"status"`
	EffectiveType    string           `json:"effective_type,omitempty"`
	DownlinkMbps     *float64         `json:"downlink_mbps,omitempty"`
	RTT              *time.Duration   `json:"rtt,omitempty"`
	LastStatusChange time.Time        `json:"last_status_change"`
	OutageStart      *time.Time       `json:"outage_start,omitempty"`
	CumulativeOutage time.Duration    `json:"cumulative_outage"`
}

// CumulativeOutageMs returns the accumulated outage time in milliseconds.
func (i ConnectionInfo) CumulativeOutageMs() int64 {
	return i.CumulativeOutage.Milliseconds()
}
