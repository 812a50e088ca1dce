package models

type LedgerEntryType string

const (
	LedgerDebit  LedgerEntryType = "debit"
	LedgerCredit LedgerEntryType = "credit"
)

func (t *LedgerEntryType) Scan(value interface{}) error {
	*t = LedgerEntryType(value.(string))
	return nil
}

func (t LedgerEntryType) Value() (string, error) {
	return string(t), nil
}

// CreditLedgerEntry is an immutable, append-only record of one balance
// change. Amount is always positive, in credit cents; Type decides the
// sign. BalanceAfter snapshots the running balance the same transaction
// wrote to the user row.
type CreditLedgerEntry struct {
	JsonModel
	UserAccount   UserAccount     `json:"-"`
	UserAccountID uint            `gorm:"index" json:"-"`
	Type          LedgerEntryType `sql:"type:ENUM('debit', 'credit')" json:"type"`
	Amount        int64           `json:"amount"`
	Description   string          `json:"description"`
	Job           *GenerationJob  `json:"-"`
	JobID         *uint           `json:"job_id"`
	BalanceAfter  int64           `json:"balance_after"`
}
