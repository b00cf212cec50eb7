package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// OptionType is the option right: call (CE) or put (PE).
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// ParseOptionType accepts CE/PE (and CALL/PUT) in any case.
func ParseOptionType(s string) (OptionType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CE", "CALL", "C":
		return OptionCall, nil
	case "PE", "PUT", "P":
		return OptionPut, nil
	default:
		return "", fmt.Errorf("%w: unknown option type %q", ErrInvalidContract, s)
	}
}

// ContractKey is the immutable identity of one option contract.
type ContractKey struct {
	IndexName   string          `json:"index_name"`
	StrikePrice decimal.Decimal `json:"strike_price"`
	OptionType  OptionType      `json:"option_type"`
	ExpiryDate  Date            `json:"expiry_date"`
}

const contractIDSep = "|"

// Validate rejects keys that cannot identify a contract.
func (k ContractKey) Validate() error {
	if strings.TrimSpace(k.IndexName) == "" {
		return fmt.Errorf("%w: index name must not be empty", ErrInvalidContract)
	}
	if strings.Contains(k.IndexName, contractIDSep) {
		return fmt.Errorf("%w: index name %q contains %q", ErrInvalidContract, k.IndexName, contractIDSep)
	}
	if !k.StrikePrice.IsPositive() {
		return fmt.Errorf("%w: strike must be positive, got %s", ErrInvalidContract, k.StrikePrice)
	}
	if k.OptionType != OptionCall && k.OptionType != OptionPut {
		return fmt.Errorf("%w: option type must be CE or PE, got %q", ErrInvalidContract, k.OptionType)
	}
	if k.ExpiryDate.IsZero() {
		return fmt.Errorf("%w: expiry date must be set", ErrInvalidContract)
	}
	return nil
}

// ID is the canonical string form, e.g. "NIFTY|24500|CE|2026-10-29".
// Two keys for the same instrument always produce the same ID.
func (k ContractKey) ID() string {
	return strings.Join([]string{
		strings.ToUpper(k.IndexName),
		k.StrikePrice.String(),
		string(k.OptionType),
		k.ExpiryDate.String(),
	}, contractIDSep)
}

func (k ContractKey) String() string { return k.ID() }

// ParseContractID is the inverse of ContractKey.ID.
func ParseContractID(id string) (ContractKey, error) {
	parts := strings.Split(id, contractIDSep)
	if len(parts) != 4 {
		return ContractKey{}, fmt.Errorf("%w: malformed contract id %q", ErrInvalidContract, id)
	}
	strike, err := decimal.NewFromString(parts[1])
	if err != nil {
		return ContractKey{}, fmt.Errorf("%w: bad strike in %q: %v", ErrInvalidContract, id, err)
	}
	ot, err := ParseOptionType(parts[2])
	if err != nil {
		return ContractKey{}, err
	}
	expiry, err := ParseDate(parts[3])
	if err != nil {
		return ContractKey{}, fmt.Errorf("%w: %v", ErrInvalidContract, err)
	}
	key := ContractKey{
		IndexName:   strings.ToUpper(parts[0]),
		StrikePrice: strike,
		OptionType:  ot,
		ExpiryDate:  expiry,
	}
	return key, key.Validate()
}
