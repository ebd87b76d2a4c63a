package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	contractsFile   = "contracts.json"
	escrowFile      = "escrow.json"
	contractLogFile = "contract_log.jsonl"
	revenueLogFile  = "revenue.jsonl"

	ContractListed     = "listed"
	ContractOffered    = "offered"
	ContractAccepted   = "accepted"
	ContractActive     = "active"
	ContractRenewed    = "renewed"
	ContractExpired    = "expired"
	ContractBreached   = "breached"
	ContractTerminated = "terminated"
	ContractSettled    = "settled"
)

var contractTransitions = map[string][]string{
	ContractListed:     {ContractOffered, ContractTerminated},
	ContractOffered:    {ContractAccepted, ContractListed, ContractTerminated},
	ContractAccepted:   {ContractActive, ContractTerminated},
	ContractActive:     {ContractRenewed, ContractExpired, ContractBreached, ContractTerminated, ContractSettled},
	ContractRenewed:    {ContractExpired, ContractBreached, ContractTerminated, ContractSettled},
	ContractExpired:    {ContractSettled},
	ContractBreached:   {ContractSettled, ContractTerminated},
	ContractTerminated: {ContractSettled},
}

// Contract types for agent-property lifecycle.
const (
	ContractTypeRent        = "rent"
	ContractTypeBuy         = "buy"
	ContractTypeLeaseToOwn  = "lease_to_own"
)

var validContractTypes = map[string]bool{ContractTypeRent: true, ContractTypeBuy: true, ContractTypeLeaseToOwn: true}

// ContractEvent is one entry in a contract's event history.
type ContractEvent struct {
	TS       int64  `json:"ts"`
	Type     string `json:"type"`
	By       string `json:"by,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Evidence string `json:"evidence,omitempty"`
}

// LeaseToOwn tracks the period/buyout structure for lease-to-own contracts.
type LeaseToOwn struct {
	TotalPeriods     int     `json:"total_periods"`
	CompletedPeriods int     `json:"completed_periods"`
	BuyoutPriceRTC   float64 `json:"buyout_price_rtc"`
}

// Contract is an agent-property rent/buy/lease-to-own lifecycle record.
type Contract struct {
	ID               string          `json:"id"`
	State            string          `json:"state"`
	Type             string          `json:"type"`
	AgentID          string          `json:"agent_id"`
	SellerID         string          `json:"seller_id"`
	BuyerID          string          `json:"buyer_id"`
	PriceRTC         float64         `json:"price_rtc"`
	OfferedPriceRTC  float64         `json:"offered_price_rtc"`
	DurationDays     int             `json:"duration_days"`
	Capabilities     []string        `json:"capabilities"`
	Terms            map[string]any  `json:"terms"`
	PenaltyPct       float64         `json:"penalty_pct"`
	ListedAt         int64           `json:"listed_at"`
	OfferedAt        int64           `json:"offered_at"`
	AcceptedAt       int64           `json:"accepted_at"`
	ActivatedAt      int64           `json:"activated_at"`
	ExpiresAt        int64           `json:"expires_at"`
	SettledAt        int64           `json:"settled_at"`
	HistoryHash      string          `json:"history_hash"`
	Events           []ContractEvent `json:"events"`
	LeaseToOwn       *LeaseToOwn     `json:"lease_to_own,omitempty"`
}

// Escrow is the funded-and-pending-release state for a contract's RTC hold.
type Escrow struct {
	ContractID      string  `json:"contract_id"`
	EscrowAddress   string  `json:"escrow_address"`
	FundedBy        string  `json:"funded_by"`
	AmountRTC       float64 `json:"amount_rtc"`
	FundedAt        int64   `json:"funded_at"`
	TxRef           string  `json:"tx_ref"`
	Released        bool    `json:"released"`
	ReleasedTo      string  `json:"released_to"`
	ReleasedAt      int64   `json:"released_at"`
	PenaltyDeducted float64 `json:"penalty_deducted"`
}

// Contracts manages the agent-property rent/buy/lease-to-own lifecycle and
// its RTC escrow.
type Contracts struct {
	store *Store
}

// NewContracts constructs a Contracts component over store.
func NewContracts(store *Store) *Contracts {
	return &Contracts{store: store}
}

func (c *Contracts) loadContracts() (map[string]*Contract, error) {
	out := map[string]*Contract{}
	if err := c.store.SnapshotLoad(contractsFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Contracts) saveContracts(contracts map[string]*Contract) error {
	return c.store.SnapshotSave(contractsFile, contracts)
}

func (c *Contracts) loadEscrow() (map[string]*Escrow, error) {
	out := map[string]*Escrow{}
	if err := c.store.SnapshotLoad(escrowFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Contracts) saveEscrow(escrow map[string]*Escrow) error {
	return c.store.SnapshotSave(escrowFile, escrow)
}

func generateContractID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "ctr_" + hex.EncodeToString(buf)[:12]
}

// historyHash computes the truncated (16-hex) SHA-256 over the canonical
// serialization of events — unlike accords' untruncated rolling hash.
func historyHash(events []ContractEvent) (string, error) {
	raw, err := CanonicalJSON(events)
	if err != nil {
		return "", err
	}
	return SHA256Hex(raw)[:16], nil
}

func (c *Contracts) transition(contracts map[string]*Contract, contractID, newState, by, reason string) (*Contract, error) {
	ctr, ok := contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("contract %s not found: %w", contractID, ErrNotFound)
	}
	allowed := contractTransitions[ctr.State]
	if !contains(allowed, newState) {
		return nil, fmt.Errorf("invalid transition %s -> %s (allowed: %v): %w", ctr.State, newState, allowed, ErrInvalidInput)
	}
	now := time.Now().Unix()
	event := ContractEvent{TS: now, Type: newState, By: by, Reason: reason}
	ctr.State = newState
	ctr.Events = append(ctr.Events, event)
	hash, err := historyHash(ctr.Events)
	if err != nil {
		return nil, err
	}
	ctr.HistoryHash = hash
	_ = c.store.AppendJSONL(contractLogFile, map[string]any{
		"contract_id": contractID, "transition": ctr.Events[len(ctr.Events)-2:], "by": by, "reason": reason, "ts": now,
	})
	return ctr, nil
}

// ListAgent lists an agent for rent, sale or lease-to-own.
func (c *Contracts) ListAgent(agentID, contractType string, priceRTC float64, durationDays int, capabilities []string, terms map[string]any, penaltyPct float64) (*Contract, error) {
	if !validContractTypes[contractType] {
		return nil, fmt.Errorf("invalid contract type %q: %w", contractType, ErrInvalidInput)
	}
	if priceRTC <= 0 {
		return nil, fmt.Errorf("price must be positive: %w", ErrInvalidInput)
	}
	if contractType == ContractTypeRent && durationDays <= 0 {
		return nil, fmt.Errorf("rent contracts require duration_days > 0: %w", ErrInvalidInput)
	}

	now := time.Now().Unix()
	cid := generateContractID()
	if penaltyPct == 0 {
		penaltyPct = 10.0
	}
	contract := &Contract{
		ID: cid, State: ContractListed, Type: contractType, AgentID: agentID, SellerID: agentID,
		PriceRTC: priceRTC, DurationDays: durationDays, Capabilities: capabilities, Terms: terms,
		PenaltyPct: penaltyPct, ListedAt: now,
		Events: []ContractEvent{{TS: now, Type: "listed", By: agentID}},
	}
	if contractType == ContractTypeLeaseToOwn {
		totalPeriods := 12
		buyout := priceRTC * 12
		if terms != nil {
			if v, ok := terms["total_periods"]; ok {
				totalPeriods = int(toFloat64(v))
			}
			if v, ok := terms["buyout_price_rtc"]; ok {
				buyout = toFloat64(v)
			}
		}
		contract.LeaseToOwn = &LeaseToOwn{TotalPeriods: totalPeriods, BuyoutPriceRTC: buyout}
	}
	hash, err := historyHash(contract.Events)
	if err != nil {
		return nil, err
	}
	contract.HistoryHash = hash

	contracts, err := c.loadContracts()
	if err != nil {
		return nil, err
	}
	contracts[cid] = contract
	return contract, c.saveContracts(contracts)
}

// MakeOffer places an offer on a listed agent.
func (c *Contracts) MakeOffer(contractID, buyerID string, offeredPriceRTC float64, message string) (*Contract, error) {
	contracts, err := c.loadContracts()
	if err != nil {
		return nil, err
	}
	ctr, ok := contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("contract %s not found: %w", contractID, ErrNotFound)
	}
	if ctr.State != ContractListed {
		return nil, fmt.Errorf("contract is %s, not listed: %w", ctr.State, ErrInvalidInput)
	}
	ctr.BuyerID = buyerID
	if offeredPriceRTC > 0 {
		ctr.OfferedPriceRTC = offeredPriceRTC
	} else {
		ctr.OfferedPriceRTC = ctr.PriceRTC
	}
	ctr.OfferedAt = time.Now().Unix()
	reason := message
	if reason == "" {
		reason = "Offer submitted"
	}
	if _, err := c.transition(contracts, contractID, ContractOffered, buyerID, reason); err != nil {
		return nil, err
	}
	return ctr, c.saveContracts(contracts)
}

// AcceptOffer accepts a pending offer.
func (c *Contracts) AcceptOffer(contractID string) (*Contract, error) {
	contracts, err := c.loadContracts()
	if err != nil {
		return nil, err
	}
	ctr, ok := contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("contract %s not found: %w", contractID, ErrNotFound)
	}
	if _, err := c.transition(contracts, contractID, ContractAccepted, ctr.SellerID, "Offer accepted"); err != nil {
		return nil, err
	}
	ctr.AcceptedAt = time.Now().Unix()
	return ctr, c.saveContracts(contracts)
}

// RejectOffer rejects a pending offer, returning the contract to listed.
func (c *Contracts) RejectOffer(contractID string) (*Contract, error) {
	contracts, err := c.loadContracts()
	if err != nil {
		return nil, err
	}
	ctr, ok := contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("contract %s not found: %w", contractID, ErrNotFound)
	}
	if _, err := c.transition(contracts, contractID, ContractListed, ctr.SellerID, "Offer rejected"); err != nil {
		return nil, err
	}
	ctr.BuyerID = ""
	ctr.OfferedPriceRTC = 0
	ctr.OfferedAt = 0
	return ctr, c.saveContracts(contracts)
}

// FundEscrow funds escrow for a contract.
func (c *Contracts) FundEscrow(contractID, fromAddress string, amountRTC float64, txRef string) (*Escrow, error) {
	contracts, err := c.loadContracts()
	if err != nil {
		return nil, err
	}
	ctr, ok := contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("contract %s not found: %w", contractID, ErrNotFound)
	}
	if ctr.State != ContractAccepted && ctr.State != ContractActive && ctr.State != ContractRenewed {
		return nil, fmt.Errorf("cannot fund escrow in state %s: %w", ctr.State, ErrInvalidInput)
	}
	escrowAddr := contractEscrowAddress(contractID)
	esc := &Escrow{
		ContractID: contractID, EscrowAddress: escrowAddr, FundedBy: fromAddress,
		AmountRTC: amountRTC, FundedAt: time.Now().Unix(), TxRef: txRef,
	}
	escrows, err := c.loadEscrow()
	if err != nil {
		return nil, err
	}
	escrows[contractID] = esc
	return esc, c.saveEscrow(escrows)
}

func contractEscrowAddress(contractID string) string {
	id := contractID
	if len(id) > 20 {
		id = id[:20]
	}
	return "RTC_escrow_" + id
}

// EscrowStatus returns the escrow record for contractID, or nil if unfunded.
func (c *Contracts) EscrowStatus(contractID string) (*Escrow, error) {
	escrows, err := c.loadEscrow()
	if err != nil {
		return nil, err
	}
	return escrows[contractID], nil
}

// TotalEscrowed sums the amount currently held (not yet released) across all
// contracts.
func (c *Contracts) TotalEscrowed() (float64, error) {
	escrows, err := c.loadEscrow()
	if err != nil {
		return 0, err
	}
	var total float64
	for _, e := range escrows {
		if !e.Released {
			total += e.AmountRTC
		}
	}
	return total, nil
}

// ReleaseEscrow releases escrowed funds to toAddress. A penalty is deducted
// only if the contract's event history ever recorded a breach — even if it
// later transitioned to settled.
func (c *Contracts) ReleaseEscrow(contractID, toAddress string) (*Escrow, error) {
	escrows, err := c.loadEscrow()
	if err != nil {
		return nil, err
	}
	esc, ok := escrows[contractID]
	if !ok {
		return nil, fmt.Errorf("no escrow for contract %s: %w", contractID, ErrNotFound)
	}
	if esc.Released {
		return nil, fmt.Errorf("escrow already released: %w", ErrInvalidInput)
	}

	contracts, err := c.loadContracts()
	if err != nil {
		return nil, err
	}
	var penalty float64
	if ctr, ok := contracts[contractID]; ok {
		wasBreached := false
		for _, e := range ctr.Events {
			if e.Type == ContractBreached {
				wasBreached = true
				break
			}
		}
		if wasBreached {
			penalty = esc.AmountRTC * (ctr.PenaltyPct / 100.0)
		}
	}

	now := time.Now().Unix()
	esc.Released = true
	esc.ReleasedTo = toAddress
	esc.ReleasedAt = now
	esc.PenaltyDeducted = penalty
	return esc, c.saveEscrow(escrows)
}

// Activate activates a contract after escrow is funded.
func (c *Contracts) Activate(contractID string) (*Contract, error) {
	contracts, err := c.loadContracts()
	if err != nil {
		return nil, err
	}
	ctr, ok := contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("contract %s not found: %w", contractID, ErrNotFound)
	}
	if _, err := c.transition(contracts, contractID, ContractActive, ctr.SellerID, "Escrow funded, contract active"); err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	ctr.ActivatedAt = now
	if ctr.DurationDays > 0 {
		ctr.ExpiresAt = now + int64(ctr.DurationDays)*86400
	}
	return ctr, c.saveContracts(contracts)
}

// Renew extends an active rental contract.
func (c *Contracts) Renew(contractID string, additionalDays int) (*Contract, error) {
	contracts, err := c.loadContracts()
	if err != nil {
		return nil, err
	}
	ctr, ok := contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("contract %s not found: %w", contractID, ErrNotFound)
	}
	extra := additionalDays
	if extra == 0 {
		extra = ctr.DurationDays
	}
	if _, err := c.transition(contracts, contractID, ContractRenewed, ctr.BuyerID, fmt.Sprintf("Renewed for %d days", extra)); err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	base := now
	if ctr.ExpiresAt > now {
		base = ctr.ExpiresAt
	}
	ctr.ExpiresAt = base + int64(extra)*86400
	if ctr.LeaseToOwn != nil {
		ctr.LeaseToOwn.CompletedPeriods++
	}
	return ctr, c.saveContracts(contracts)
}

// Expire marks a contract as expired.
func (c *Contracts) Expire(contractID string) (*Contract, error) {
	contracts, err := c.loadContracts()
	if err != nil {
		return nil, err
	}
	ctr, err := c.transition(contracts, contractID, ContractExpired, "", "Contract period ended")
	if err != nil {
		return nil, err
	}
	return ctr, c.saveContracts(contracts)
}

// Breach records a contract breach with evidence.
func (c *Contracts) Breach(contractID, breacherID, reason, evidence string) (*Contract, error) {
	contracts, err := c.loadContracts()
	if err != nil {
		return nil, err
	}
	ctr, err := c.transition(contracts, contractID, ContractBreached, breacherID, reason)
	if err != nil {
		return nil, err
	}
	ctr.Events[len(ctr.Events)-1].Evidence = evidence
	hash, err := historyHash(ctr.Events)
	if err != nil {
		return nil, err
	}
	ctr.HistoryHash = hash
	return ctr, c.saveContracts(contracts)
}

// Terminate ends a contract early.
func (c *Contracts) Terminate(contractID, terminatorID, reason string) (*Contract, error) {
	if reason == "" {
		reason = "Contract terminated"
	}
	contracts, err := c.loadContracts()
	if err != nil {
		return nil, err
	}
	ctr, err := c.transition(contracts, contractID, ContractTerminated, terminatorID, reason)
	if err != nil {
		return nil, err
	}
	return ctr, c.saveContracts(contracts)
}

// Settle performs final settlement: closes the contract and auto-releases
// any unreleased escrow to the seller (penalized if ever breached).
func (c *Contracts) Settle(contractID string) (*Contract, *Escrow, error) {
	contracts, err := c.loadContracts()
	if err != nil {
		return nil, nil, err
	}
	ctr, err := c.transition(contracts, contractID, ContractSettled, "", "Final settlement")
	if err != nil {
		return nil, nil, err
	}
	ctr.SettledAt = time.Now().Unix()
	if err := c.saveContracts(contracts); err != nil {
		return nil, nil, err
	}

	esc, err := c.EscrowStatus(contractID)
	if err != nil || esc == nil || esc.Released {
		return ctr, nil, err
	}
	released, err := c.ReleaseEscrow(contractID, ctr.SellerID)
	return ctr, released, err
}

// GetContract returns a contract by ID, or nil.
func (c *Contracts) GetContract(contractID string) (*Contract, error) {
	contracts, err := c.loadContracts()
	if err != nil {
		return nil, err
	}
	return contracts[contractID], nil
}

// ListContracts returns all contracts, optionally filtered by state.
func (c *Contracts) ListContracts(state string) ([]*Contract, error) {
	contracts, err := c.loadContracts()
	if err != nil {
		return nil, err
	}
	var out []*Contract
	for _, ctr := range contracts {
		if state == "" || ctr.State == state {
			out = append(out, ctr)
		}
	}
	return out, nil
}
