package models

import "time"

// BrokerState is the outcome of the brokerage connect sub-sequence.
type BrokerState string

const (
	BrokerDisconnected BrokerState = "DISCONNECTED"
	BrokerConnected    BrokerState = "CONNECTED"
	// BrokerUnverified means connect could not be confirmed and the session
	// continues optimistically so an operator can intervene.
	BrokerUnverified BrokerState = "UNVERIFIED"
	BrokerFailed     BrokerState = "FAILED"
)

// SessionState is owned by one controller and mutated only by the session manager.
type SessionState struct {
	LoggedIn  bool        `json:"loggedIn"`
	Broker    BrokerState `json:"broker"`
	ProfileID string      `json:"profileId"`
}

// BrokerConnected reports whether order routing is (or is assumed to be) attached.
func (s SessionState) BrokerConnected() bool {
	return s.Broker == BrokerConnected || s.Broker == BrokerUnverified
}

// ConnectionStatus is the ephemeral result of a health check.
type ConnectionStatus string

const (
	ConnectionValid         ConnectionStatus = "VALID"
	ConnectionRecovered     ConnectionStatus = "RECOVERED"
	ConnectionRestartNeeded ConnectionStatus = "RESTART_NEEDED"
)

// HealthReport is returned by the health endpoint.
type HealthReport struct {
	Backend    string           `json:"backend"`
	Ready      bool             `json:"ready"`
	Connection ConnectionStatus `json:"connection,omitempty"`
	Session    SessionState     `json:"session"`
	Detail     string           `json:"detail,omitempty"`
	CheckedAt  time.Time        `json:"checkedAt"`
}
