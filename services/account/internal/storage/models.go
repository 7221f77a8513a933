package storage

import (
	"strings"
	"time"

	"github.com/AfshinJalili/gobank/services/account/internal/apperr"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	FiatScale   int32 = 2
	CryptoScale int32 = 18
)

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "ACTIVE"
	AccountStatusInactive  AccountStatus = "INACTIVE"
	AccountStatusSuspended AccountStatus = "SUSPENDED"
	AccountStatusClosed    AccountStatus = "CLOSED"
	AccountStatusFrozen    AccountStatus = "FROZEN"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case AccountStatusActive, AccountStatusInactive, AccountStatusSuspended, AccountStatusClosed, AccountStatusFrozen:
		return true
	default:
		return false
	}
}

type AccountType string

const (
	AccountTypeChecking AccountType = "CHECKING"
	AccountTypeSavings  AccountType = "SAVINGS"
	AccountTypeBusiness AccountType = "BUSINESS"
	AccountTypeLoan     AccountType = "LOAN"
	AccountTypeCredit   AccountType = "CREDIT"
	AccountTypeTrading  AccountType = "TRADING"
	AccountTypeCrypto   AccountType = "CRYPTO"
)

func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeChecking, AccountTypeSavings, AccountTypeBusiness, AccountTypeLoan,
		AccountTypeCredit, AccountTypeTrading, AccountTypeCrypto:
		return true
	default:
		return false
	}
}

// CryptoCapable reports whether accounts of this type are opened with trading enabled.
func (t AccountType) CryptoCapable() bool {
	return t == AccountTypeTrading || t == AccountTypeCrypto
}

func ParseAccountType(v string) (AccountType, error) {
	t := AccountType(strings.ToUpper(strings.TrimSpace(v)))
	if !t.Valid() {
		return "", apperr.Wrap(apperr.ErrInvalidRequest, "unknown account type %q", v)
	}
	return t, nil
}

type TransactionType string

const (
	TransactionTypeDeposit    TransactionType = "DEPOSIT"
	TransactionTypeWithdrawal TransactionType = "WITHDRAWAL"
	TransactionTypeTransfer   TransactionType = "TRANSFER"
	TransactionTypeFee        TransactionType = "FEE"
	TransactionTypeInterest   TransactionType = "INTEREST"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeDeposit, TransactionTypeWithdrawal, TransactionTypeTransfer, TransactionTypeFee, TransactionTypeInterest:
		return true
	default:
		return false
	}
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
	TransactionStatusCancelled TransactionStatus = "CANCELLED"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusCancelled:
		return true
	default:
		return false
	}
}

type CryptoTransactionType string

const (
	CryptoTxBuy        CryptoTransactionType = "BUY"
	CryptoTxSell       CryptoTransactionType = "SELL"
	CryptoTxDeposit    CryptoTransactionType = "DEPOSIT"
	CryptoTxWithdrawal CryptoTransactionType = "WITHDRAWAL"
	CryptoTxTransfer   CryptoTransactionType = "TRANSFER"
	CryptoTxSwap       CryptoTransactionType = "SWAP"
	CryptoTxStake      CryptoTransactionType = "STAKE"
	CryptoTxUnstake    CryptoTransactionType = "UNSTAKE"
	CryptoTxReward     CryptoTransactionType = "REWARD"
)

func (t CryptoTransactionType) Valid() bool {
	switch t {
	case CryptoTxBuy, CryptoTxSell, CryptoTxDeposit, CryptoTxWithdrawal, CryptoTxTransfer,
		CryptoTxSwap, CryptoTxStake, CryptoTxUnstake, CryptoTxReward:
		return true
	default:
		return false
	}
}

type CryptoTransactionStatus string

const (
	CryptoTxPending    CryptoTransactionStatus = "PENDING"
	CryptoTxConfirming CryptoTransactionStatus = "CONFIRMING"
	CryptoTxCompleted  CryptoTransactionStatus = "COMPLETED"
	CryptoTxFailed     CryptoTransactionStatus = "FAILED"
	CryptoTxCancelled  CryptoTransactionStatus = "CANCELLED"
	CryptoTxExpired    CryptoTransactionStatus = "EXPIRED"
)

func (s CryptoTransactionStatus) Valid() bool {
	switch s {
	case CryptoTxPending, CryptoTxConfirming, CryptoTxCompleted, CryptoTxFailed, CryptoTxCancelled, CryptoTxExpired:
		return true
	default:
		return false
	}
}

// Terminal statuses accept no further transitions.
func (s CryptoTransactionStatus) Terminal() bool {
	switch s {
	case CryptoTxCompleted, CryptoTxFailed, CryptoTxCancelled, CryptoTxExpired:
		return true
	default:
		return false
	}
}

type Account struct {
	ID                   uuid.UUID
	OwnerID              int64
	AccountNumber        string
	Type                 AccountType
	Status               AccountStatus
	Balance              decimal.Decimal
	Currency             string
	CryptoTradingEnabled bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}

func (a *Account) CanTrade() bool {
	return a.IsActive() && a.CryptoTradingEnabled
}

type Transaction struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	Type           TransactionType
	Amount         decimal.Decimal
	BalanceBefore  decimal.Decimal
	BalanceAfter   decimal.Decimal
	Description    string
	Reference      string
	IdempotencyKey string
	Status         TransactionStatus
	CreatedAt      time.Time
}

type CryptoPosition struct {
	ID               uuid.UUID
	AccountID        uuid.UUID
	Symbol           string
	Balance          decimal.Decimal
	AvailableBalance decimal.Decimal
	LockedBalance    decimal.Decimal
	// AverageBuyPrice is zero until the first buy.
	AverageBuyPrice decimal.Decimal
	TotalInvested   decimal.Decimal
	WalletAddress   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type ChainMetadata struct {
	FromAddress           string
	ToAddress             string
	TxHash                string
	Network               string
	Confirmations         int
	RequiredConfirmations int
}

// Present reports whether the movement is tracked on-chain and needs confirmations.
func (c ChainMetadata) Present() bool {
	return c.TxHash != "" && c.RequiredConfirmations > 0
}

type CryptoTransaction struct {
	ID                  uuid.UUID
	AccountID           uuid.UUID
	Type                CryptoTransactionType
	Symbol              string
	CryptoAmount        decimal.Decimal
	FiatAmount          decimal.Decimal
	FiatCurrency        string
	PricePerUnit        decimal.Decimal
	NetworkFee          decimal.Decimal
	CryptoBalanceBefore decimal.Decimal
	CryptoBalanceAfter  decimal.Decimal
	FiatBalanceBefore   decimal.Decimal
	FiatBalanceAfter    decimal.Decimal
	Status              CryptoTransactionStatus
	Description         string
	IdempotencyKey      string
	Chain               ChainMetadata
	CreatedAt           time.Time
	ConfirmedAt         *time.Time
}
