package dto

type PiAuthRequest struct {
	AccessToken string `json:"access_token" validate:"required,max=4096"`
}

type EmailRegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Username string `json:"username" validate:"omitempty,min=2,max=32,excludesall=@ "`
}

type EmailLoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Amounts travel as decimal strings, e.g. "12.5".

type TransferRequest struct {
	To     string `json:"to" validate:"required,max=254"`
	Amount string `json:"amount" validate:"required,numeric"`
	Note   string `json:"note" validate:"max=280"`
}

type AdjustBalanceRequest struct {
	Target    string `json:"target" validate:"required,max=254"`
	Amount    string `json:"amount" validate:"required,numeric"`
	Direction string `json:"direction" validate:"required,oneof=grant revoke"`
	Reason    string `json:"reason" validate:"max=280"`
}
