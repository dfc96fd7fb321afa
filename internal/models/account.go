package models

// OpenAccountRequest opens a new account. InitialBalance and OverdraftLimit
// are decimal strings in major units and default to zero.
type OpenAccountRequest struct {
	OwnerID        int64  `json:"owner_id" validate:"required,gt=0"`
	Currency       string `json:"currency" validate:"required,len=3,uppercase"`
	InitialBalance string `json:"initial_balance,omitempty" validate:"max=32"`
	OverdraftLimit string `json:"overdraft_limit,omitempty" validate:"max=32"`
	Actor          Actor  `json:"-" validate:"-"`
}

// Balance is the externally visible balance of an account.
type Balance struct {
	AccountID int64         `json:"account_id"`
	Currency  string        `json:"currency"`
	Balance   string        `json:"balance"`
	Available string        `json:"available"`
	Status    AccountStatus `json:"status"`
	Version   int64         `json:"version"`
}
