// core/types/types.go

// Shared record types for the guardian recovery protocol
// Guardian and RecoveryRequest carry monotonic version counters for
// compare-and-commit updates; copies are exchanged across package
// boundaries so no caller ever holds a live pointer into shared state

package types

// GuardianStatus represents the lifecycle state of a guardian
type GuardianStatus string

const (
	GuardianActive   GuardianStatus = "active"
	GuardianSlashed  GuardianStatus = "slashed"
	GuardianInactive GuardianStatus = "inactive"
)

// Guardian is a staked participant eligible to confirm recovery requests
type Guardian struct {
	Address              string         `json:"address"`
	StakedAmount         int64          `json:"staked_amount"`
	Reputation           int64          `json:"reputation"`
	Status               GuardianStatus `json:"status"`
	EnrolledAt           int64          `json:"enrolled_at"`
	UpdatedAt            int64          `json:"updated_at"`
	SuccessfulRecoveries uint64         `json:"successful_recoveries"`
	FailedRecoveries     uint64         `json:"failed_recoveries"`
	RewardsEarned        int64          `json:"rewards_earned"`
	Version              uint64         `json:"version"`
}

// Copy returns a deep copy of the guardian
func (g *Guardian) Copy() *Guardian {
	c := *g
	return &c
}

// RequestStatus represents the state of a recovery request
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestExecuted  RequestStatus = "executed"
	RequestCancelled RequestStatus = "cancelled"
	RequestExpired   RequestStatus = "expired"
)

// IsTerminal reports whether the status admits no further transitions
func (s RequestStatus) IsTerminal() bool {
	return s == RequestExecuted || s == RequestCancelled || s == RequestExpired
}

// RecoveryRequest is the per-account recovery state machine record
type RecoveryRequest struct {
	ID                  string        `json:"id"`
	AccountAddress      string        `json:"account_address"`
	NewOwner            string        `json:"new_owner"`
	StrategyID          string        `json:"strategy_id"`
	Initiator           string        `json:"initiator"`
	IsEmergency         bool          `json:"is_emergency"`
	CreatedAt           int64         `json:"created_at"`
	ExpiresAt           int64         `json:"expires_at"`
	Confirmations       []string      `json:"confirmations"`
	Status              RequestStatus `json:"status"`
	AuthFactorsVerified bool          `json:"auth_factors_verified"`
	Version             uint64        `json:"version"`
}

// Copy returns a deep copy of the request
func (r *RecoveryRequest) Copy() *RecoveryRequest {
	c := *r
	c.Confirmations = make([]string, len(r.Confirmations))
	copy(c.Confirmations, r.Confirmations)
	return &c
}

// HasConfirmed reports whether the guardian already confirmed this request
func (r *RecoveryRequest) HasConfirmed(guardian string) bool {
	for _, addr := range r.Confirmations {
		if addr == guardian {
			return true
		}
	}
	return false
}

// AccountRecoveryConfig holds the owner-defined recovery preferences
type AccountRecoveryConfig struct {
	AccountAddress        string   `json:"account_address"`
	PreferredStrategyID   string   `json:"preferred_strategy_id"`
	TrustedGuardians      []string `json:"trusted_guardians"`
	AllowNetworkGuardians bool     `json:"allow_network_guardians"`
	CustomThreshold       *int     `json:"custom_threshold,omitempty"`
}

// Copy returns a deep copy of the config
func (c *AccountRecoveryConfig) Copy() *AccountRecoveryConfig {
	cp := *c
	cp.TrustedGuardians = make([]string, len(c.TrustedGuardians))
	copy(cp.TrustedGuardians, c.TrustedGuardians)
	if c.CustomThreshold != nil {
		t := *c.CustomThreshold
		cp.CustomThreshold = &t
	}
	return &cp
}

// IsTrustedGuardian reports whether the address was designated by the owner
func (c *AccountRecoveryConfig) IsTrustedGuardian(address string) bool {
	for _, g := range c.TrustedGuardians {
		if g == address {
			return true
		}
	}
	return false
}

// TrustEdge is a directed, weighted trust relationship
type TrustEdge struct {
	Truster string `json:"truster"`
	Trustee string `json:"trustee"`
	Level   int    `json:"level"`
}

// ReputationEvent is an append-only audit record of a reputation change
type ReputationEvent struct {
	Guardian         string `json:"guardian"`
	Delta            int64  `json:"delta"`
	Reason           string `json:"reason"`
	Timestamp        int64  `json:"timestamp"`
	RelatedRequestID string `json:"related_request_id,omitempty"`
}

// AuthFactor is an opaque multi-factor proof forwarded to the verifier
type AuthFactor struct {
	Type  string `json:"type"`
	Proof []byte `json:"proof"`
}
