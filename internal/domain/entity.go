package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instrument is one catalog entry: a contract plus its active flag
type Instrument struct {
	ContractID  string          `gorm:"primaryKey" json:"contract_id"`
	IndexName   string          `gorm:"index" json:"index_name"`
	StrikePrice decimal.Decimal `gorm:"type:text" json:"strike_price"`
	OptionType  string          `json:"option_type"`
	ExpiryDate  string          `json:"expiry_date"`
	IsActive    bool            `json:"is_active" gorm:"index"` // Included in archival passes
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewInstrument builds a catalog entry for key
func NewInstrument(key ContractKey, active bool) *Instrument {
	return &Instrument{
		ContractID:  key.ID(),
		IndexName:   key.IndexName,
		StrikePrice: key.StrikePrice,
		OptionType:  string(key.OptionType),
		ExpiryDate:  key.ExpiryDate.String(),
		IsActive:    active,
	}
}

// Key reconstructs the contract key from the stored id
func (i *Instrument) Key() (ContractKey, error) {
	return ParseContractID(i.ContractID)
}

// AppConfig represents operator-edited configuration (Key-Value)
type AppConfig struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConfigKeyBusinessDateOverride holds the tier 2 manual business date.
const ConfigKeyBusinessDateOverride = "business_date_override"
