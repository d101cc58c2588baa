package billing

import (
	"fmt"

	"github.com/ManuelReschke/PayRecon/app/models"
)

// Award adds amount credits to the user. Callers must hold the user row lock
// and must have claimed the transaction that owns the credits.
func Award(repo Repository, userID uint, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("award: negative amount %d", amount)
	}
	if amount == 0 {
		return nil
	}
	return repo.AddCredits(userID, amount)
}

// Reverse takes back up to amount credits from a locked user and returns how
// many were actually removed. The balance never goes below zero.
func Reverse(repo Repository, user *models.User, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, nil
	}
	reversed := reversible(user.Credits, amount)
	if err := repo.SubtractCreditsClamped(user.ID, amount); err != nil {
		return 0, err
	}
	user.Credits -= reversed
	return reversed, nil
}

// reversible is how much of amount a balance of credits can give back.
func reversible(credits, amount int64) int64 {
	if amount <= 0 || credits <= 0 {
		return 0
	}
	if credits < amount {
		return credits
	}
	return amount
}
