package services

import (
	"errors"
	"fmt"

	"natakapi/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrLedgerWrite         = errors.New("ledger write failed")
)

// CheckBalance reads the authoritative balance row. Only advisory: the
// binding check happens again inside DeductCredits under the row lock.
func CheckBalance(db *gorm.DB, userID uint, amount int64) (bool, error) {
	var user models.UserAccount
	if err := db.Select("credit_balance").First(&user, userID).Error; err != nil {
		return false, err
	}
	return user.CreditBalance >= amount, nil
}

// DeductCredits verifies the balance and appends a debit entry in one
// transaction. The user row is locked for the duration, so two concurrent
// debits can never both pass the check against a stale snapshot.
func DeductCredits(db *gorm.DB, userID uint, amount int64, description string, jobID *uint) (*models.CreditLedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: non-positive debit amount %d", ErrLedgerWrite, amount)
	}
	var entry models.CreditLedgerEntry
	err := db.Transaction(func(tx *gorm.DB) error {
		var user models.UserAccount
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, userID).Error; err != nil {
			return err
		}
		if user.CreditBalance < amount {
			return ErrInsufficientCredits
		}
		newBalance := user.CreditBalance - amount
		entry = models.CreditLedgerEntry{
			UserAccountID: userID,
			Type:          models.LedgerDebit,
			Amount:        amount,
			Description:   description,
			JobID:         jobID,
			BalanceAfter:  newBalance,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
		}
		if err := tx.Model(&models.UserAccount{}).Where("id = ?", userID).
			Update("credit_balance", newBalance).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// RefundCredits appends a credit entry and increments the balance. Used by
// the QC reject flow; amounts come from the job's recorded cost.
func RefundCredits(db *gorm.DB, userID uint, amount int64, description string, jobID *uint) (*models.CreditLedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: non-positive credit amount %d", ErrLedgerWrite, amount)
	}
	var entry models.CreditLedgerEntry
	err := db.Transaction(func(tx *gorm.DB) error {
		var user models.UserAccount
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, userID).Error; err != nil {
			return err
		}
		newBalance := user.CreditBalance + amount
		entry = models.CreditLedgerEntry{
			UserAccountID: userID,
			Type:          models.LedgerCredit,
			Amount:        amount,
			Description:   description,
			JobID:         jobID,
			BalanceAfter:  newBalance,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
		}
		if err := tx.Model(&models.UserAccount{}).Where("id = ?", userID).
			Update("credit_balance", newBalance).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
