package domain

import "github.com/shopspring/decimal"

// Account is the read model of an account resolved from the account-service.
// Balances are owned by the account-service; this is only a snapshot.
type Account struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	IBAN      string          `json:"iban"`
	FirstName string          `json:"first_name"`
	LastName  string          `json:"last_name"`
	Email     string          `json:"email"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	Blocked   bool            `json:"blocked"`
}

// FullName joins first and last name the way notifications display it.
func (a *Account) FullName() string {
	if a.LastName == "" {
		return a.FirstName
	}
	if a.FirstName == "" {
		return a.LastName
	}
	return a.FirstName + " " + a.LastName
}

// AccountProfile carries the risk-relevant attributes of an account holder.
type AccountProfile struct {
	UserID             string          `json:"user_id"`
	CreditScore        int             `json:"credit_score"`
	PreviousFraudCount int             `json:"previous_fraud_count"`
	PreviousFraudFlag  bool            `json:"previous_fraud_flag"`
	AccountAgeDays     int             `json:"account_age_days"`
	CardType           string          `json:"card_type"`
	CardLimit          decimal.Decimal `json:"card_limit"`
	Balance            decimal.Decimal `json:"balance"`
}
