package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Reasons persisted on invalid submissions. They are surfaced verbatim to users.
const (
	ReasonNotFound         = "Transaction Not Found"
	ReasonInvalidToken     = "Invalid Token"
	ReasonInvalidRecipient = "Invalid Recipient"
	ReasonUnverifiedSource = "Unverified Fund Source"
	ReasonInvalid          = "Transaction Invalid"
	ReasonFailed           = "Transaction Failed"
	ReasonAlreadyClaimed   = "Transaction Already Claimed"
)

// Submission is a user-asserted transaction hash awaiting validation.
// A valid submission is terminal; an invalid one may be resubmitted.
type Submission struct {
	TxHash    string `gorm:"column:txhash;primaryKey;size:66"`
	Identity  string `gorm:"column:discord_username;primaryKey;size:128"`
	IsPending bool   `gorm:"column:is_pending;not null;index"`
	IsValid   bool   `gorm:"column:is_valid;not null"`
	Reason    string `gorm:"column:reason;size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName binds the model to the panel's submission table.
func (Submission) TableName() string { return "validator_tx" }

// Contribution is the append-only record of a validated transfer and the
// access expiry it produced.
type Contribution struct {
	ID                uint64          `gorm:"primaryKey;autoIncrement"`
	TxDate            time.Time       `gorm:"column:txdate;not null"`
	Address           string          `gorm:"column:address;size:42;index"`
	Chain             string          `gorm:"column:chain;size:32;uniqueIndex:idx_contribution_tx_chain,priority:2"`
	TxHash            string          `gorm:"column:txhash;size:66;uniqueIndex:idx_contribution_tx_chain,priority:1"`
	Amount            decimal.Decimal `gorm:"column:amount;type:numeric;not null"`
	AccessExpiry      int64           `gorm:"column:access_expiry;not null"`
	AdditionalSeconds int64           `gorm:"column:additional_seconds;not null"`
	Identity          string          `gorm:"column:discord_username;size:128;index;not null"`
	CreatedAt         time.Time
}

// TableName binds the model to the contribution ledger table.
func (Contribution) TableName() string { return "validator_contribution" }

// VerifiedWallet binds an address to the single identity that proved control of it.
type VerifiedWallet struct {
	Address   string `gorm:"column:address;primaryKey;size:42"`
	Identity  string `gorm:"column:discord_username;size:128;index;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName binds the model to the ownership ledger table.
func (VerifiedWallet) TableName() string { return "validator_verified_wallet" }

// AutoMigrate creates or updates the engine's tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Submission{}, &Contribution{}, &VerifiedWallet{})
}
