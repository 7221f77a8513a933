package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AfshinJalili/gobank/services/account/internal/apperr"
	"github.com/AfshinJalili/gobank/services/account/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// priceBatchSize is the oracle's per-request id limit.
const priceBatchSize = 50

// PriceOracle quotes crypto assets. GetPrice and GetPrices may serve cached
// quotes; FetchPrice always asks the upstream.
type PriceOracle interface {
	GetPrice(ctx context.Context, assetID, currency string) (decimal.Decimal, error)
	FetchPrice(ctx context.Context, assetID, currency string) (decimal.Decimal, error)
	GetPrices(ctx context.Context, assetIDs []string, currency string) (map[string]decimal.Decimal, error)
}

type BuyRequest struct {
	ActorID        int64
	AccountID      uuid.UUID
	Symbol         string
	FiatAmount     decimal.Decimal
	FiatCurrency   string
	IdempotencyKey string
}

type SellRequest struct {
	ActorID        int64
	AccountID      uuid.UUID
	Symbol         string
	CryptoAmount   decimal.Decimal
	FiatCurrency   string
	IdempotencyKey string
}

// DepositRequest records an inbound crypto transfer. With chain metadata the
// amount stays locked until enough confirmations arrive.
type DepositRequest struct {
	AccountID      uuid.UUID
	Symbol         string
	Amount         decimal.Decimal
	Chain          storage.ChainMetadata
	IdempotencyKey string
}

// SellQuote is the informational breakdown of a sale. Only NetProceeds moves money.
type SellQuote struct {
	CostBasis     decimal.Decimal
	GrossProceeds decimal.Decimal
	NetProceeds   decimal.Decimal
	ProfitLoss    decimal.Decimal
}

type SellResult struct {
	Transaction *storage.CryptoTransaction
	Quote       SellQuote
}

type TradingService struct {
	store    storage.Store
	oracle   PriceOracle
	fees     FeePolicy
	symbols  SymbolMap
	currency string
	logger   *slog.Logger
	metrics  *Metrics
	events   EventPublisher
	now      func() time.Time
}

func NewTradingService(deps Deps, oracle PriceOracle, fees FeePolicy, symbols SymbolMap, currency string) *TradingService {
	if fees == nil {
		fees = NewFlatFeePolicy(DefaultNetworkFee, nil)
	}
	if currency == "" {
		currency = DefaultCurrency
	}
	if symbols.ids == nil {
		symbols = NewSymbolMap(nil)
	}
	return &TradingService{
		store:    deps.Store,
		oracle:   oracle,
		fees:     fees,
		symbols:  symbols,
		currency: strings.ToUpper(currency),
		logger:   deps.logger(),
		metrics:  deps.Metrics,
		events:   deps.Events,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *TradingService) BuyOrder(ctx context.Context, req BuyRequest) (_ *storage.CryptoTransaction, err error) {
	defer s.metrics.track("buy", time.Now(), &err)
	symbol := storage.NormalizeSymbol(req.Symbol)
	if symbol == "" {
		return nil, apperr.Wrap(apperr.ErrInvalidRequest, "symbol is required")
	}
	if err := validateFiatAmount(req.FiatAmount); err != nil {
		return nil, err
	}
	acct, err := s.tradableAccount(ctx, req.AccountID, req.ActorID)
	if err != nil {
		return nil, translate(s.logger, "buy", err, "account_id", req.AccountID.String())
	}
	currency, err := s.tradeCurrency(acct, req.FiatCurrency)
	if err != nil {
		return nil, err
	}
	prior, err := s.lookupReplay(ctx, acct.ID, req.IdempotencyKey, storage.CryptoTxBuy)
	if err != nil {
		return nil, translate(s.logger, "buy", err, "account_id", acct.ID.String())
	}
	if prior != nil {
		return prior, nil
	}

	price, err := s.tradePrice(ctx, symbol, currency)
	if err != nil {
		return nil, err
	}
	fee := s.fees.NetworkFee(symbol, SideBuy)
	cryptoAmount := req.FiatAmount.DivRound(price, storage.CryptoScale)
	if !cryptoAmount.IsPositive() {
		return nil, apperr.Wrap(apperr.ErrInvalidAmount, "amount too small to buy any %s", symbol)
	}
	totalCost := req.FiatAmount.Add(fee)
	if acct.Balance.LessThan(totalCost) {
		return nil, apperr.Wrap(apperr.ErrInsufficientFiatBalance, "balance %s is less than %s including fees",
			acct.Balance.StringFixed(storage.FiatScale), totalCost.StringFixed(storage.FiatScale))
	}

	var (
		out      *storage.CryptoTransaction
		replayed bool
	)
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		locked, err := tx.AccountForUpdate(ctx, acct.ID)
		if err != nil {
			return accountLookup(err, acct.ID.String())
		}
		prior, err := replayCryptoTransaction(ctx, tx, locked.ID, req.IdempotencyKey, storage.CryptoTxBuy)
		if err != nil {
			return err
		}
		if prior != nil {
			out, replayed = prior, true
			return nil
		}
		if !locked.CanTrade() {
			return apperr.ErrTradingNotAllowed
		}
		if locked.Balance.LessThan(totalCost) {
			return apperr.Wrap(apperr.ErrInsufficientFiatBalance, "balance %s is less than %s including fees",
				locked.Balance.StringFixed(storage.FiatScale), totalCost.StringFixed(storage.FiatScale))
		}

		fiatBefore := locked.Balance
		locked.Balance = locked.Balance.Sub(totalCost)
		if err := tx.UpdateAccount(ctx, locked); err != nil {
			return fmt.Errorf("update account: %w", err)
		}

		pos, _, err := tx.GetOrCreatePosition(ctx, locked.ID, symbol, walletAddress(symbol))
		if err != nil {
			return fmt.Errorf("get or create position: %w", err)
		}
		cryptoBefore := pos.Balance
		pos.AverageBuyPrice = averagePrice(pos.Balance, pos.AverageBuyPrice, cryptoAmount, price)
		pos.Balance = pos.Balance.Add(cryptoAmount)
		pos.AvailableBalance = pos.AvailableBalance.Add(cryptoAmount)
		pos.TotalInvested = pos.TotalInvested.Add(req.FiatAmount)
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return fmt.Errorf("update position: %w", err)
		}

		now := s.now()
		out = &storage.CryptoTransaction{
			AccountID:           locked.ID,
			Type:                storage.CryptoTxBuy,
			Symbol:              symbol,
			CryptoAmount:        cryptoAmount,
			FiatAmount:          req.FiatAmount,
			FiatCurrency:        currency,
			PricePerUnit:        price,
			NetworkFee:          fee,
			CryptoBalanceBefore: cryptoBefore,
			CryptoBalanceAfter:  pos.Balance,
			FiatBalanceBefore:   fiatBefore,
			FiatBalanceAfter:    locked.Balance,
			Status:              storage.CryptoTxCompleted,
			Description:         fmt.Sprintf("Buy %s %s @ %s %s", cryptoAmount, symbol, price, currency),
			IdempotencyKey:      req.IdempotencyKey,
			ConfirmedAt:         &now,
		}
		if err := tx.InsertCryptoTransaction(ctx, out); err != nil {
			return fmt.Errorf("insert crypto transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, translate(s.logger, "buy", err, "account_id", acct.ID.String(), "symbol", symbol)
	}
	if !replayed {
		s.publish(ctx, *out)
	}
	return out, nil
}

func (s *TradingService) SellOrder(ctx context.Context, req SellRequest) (_ *SellResult, err error) {
	defer s.metrics.track("sell", time.Now(), &err)
	symbol := storage.NormalizeSymbol(req.Symbol)
	if symbol == "" {
		return nil, apperr.Wrap(apperr.ErrInvalidRequest, "symbol is required")
	}
	if err := validateCryptoAmount(req.CryptoAmount); err != nil {
		return nil, err
	}
	acct, err := s.tradableAccount(ctx, req.AccountID, req.ActorID)
	if err != nil {
		return nil, translate(s.logger, "sell", err, "account_id", req.AccountID.String())
	}
	currency, err := s.tradeCurrency(acct, req.FiatCurrency)
	if err != nil {
		return nil, err
	}
	prior, err := s.lookupReplay(ctx, acct.ID, req.IdempotencyKey, storage.CryptoTxSell)
	if err != nil {
		return nil, translate(s.logger, "sell", err, "account_id", acct.ID.String())
	}
	if prior != nil {
		return replayedSale(prior), nil
	}

	price, err := s.tradePrice(ctx, symbol, currency)
	if err != nil {
		return nil, err
	}
	fee := s.fees.NetworkFee(symbol, SideSell)

	pos, err := s.store.GetPosition(ctx, acct.ID, symbol)
	if err != nil {
		return nil, translate(s.logger, "sell", positionLookup(err, symbol), "account_id", acct.ID.String())
	}
	if pos.AvailableBalance.LessThan(req.CryptoAmount) {
		return nil, apperr.Wrap(apperr.ErrInsufficientCryptoBalance, "available %s %s is less than %s", pos.AvailableBalance, symbol, req.CryptoAmount)
	}
	gross := req.CryptoAmount.Mul(price)
	net := gross.Sub(fee).Round(storage.FiatScale)
	if !net.IsPositive() {
		return nil, apperr.Wrap(apperr.ErrInvalidAmount, "sale proceeds do not cover the network fee")
	}

	var (
		result   SellResult
		replayed bool
	)
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		locked, err := tx.AccountForUpdate(ctx, acct.ID)
		if err != nil {
			return accountLookup(err, acct.ID.String())
		}
		prior, err := replayCryptoTransaction(ctx, tx, locked.ID, req.IdempotencyKey, storage.CryptoTxSell)
		if err != nil {
			return err
		}
		if prior != nil {
			result, replayed = *replayedSale(prior), true
			return nil
		}
		if !locked.CanTrade() {
			return apperr.ErrTradingNotAllowed
		}
		pos, err := tx.PositionForUpdate(ctx, locked.ID, symbol)
		if err != nil {
			return positionLookup(err, symbol)
		}
		if pos.AvailableBalance.LessThan(req.CryptoAmount) {
			return apperr.Wrap(apperr.ErrInsufficientCryptoBalance, "available %s %s is less than %s", pos.AvailableBalance, symbol, req.CryptoAmount)
		}

		costBasis := decimal.Zero
		if pos.AverageBuyPrice.IsPositive() {
			costBasis = req.CryptoAmount.Mul(pos.AverageBuyPrice).Round(storage.FiatScale)
		}
		profitLoss := net.Sub(costBasis)

		cryptoBefore := pos.Balance
		pos.TotalInvested = reduceInvested(pos.TotalInvested, cryptoBefore, req.CryptoAmount)
		pos.Balance = pos.Balance.Sub(req.CryptoAmount)
		pos.AvailableBalance = pos.AvailableBalance.Sub(req.CryptoAmount)
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return fmt.Errorf("update position: %w", err)
		}

		fiatBefore := locked.Balance
		locked.Balance = locked.Balance.Add(net)
		if err := tx.UpdateAccount(ctx, locked); err != nil {
			return fmt.Errorf("update account: %w", err)
		}

		now := s.now()
		txn := &storage.CryptoTransaction{
			AccountID:           locked.ID,
			Type:                storage.CryptoTxSell,
			Symbol:              symbol,
			CryptoAmount:        req.CryptoAmount,
			FiatAmount:          net,
			FiatCurrency:        currency,
			PricePerUnit:        price,
			NetworkFee:          fee,
			CryptoBalanceBefore: cryptoBefore,
			CryptoBalanceAfter:  pos.Balance,
			FiatBalanceBefore:   fiatBefore,
			FiatBalanceAfter:    locked.Balance,
			Status:              storage.CryptoTxCompleted,
			Description:         sellDescription(req.CryptoAmount, symbol, price, currency, profitLoss),
			IdempotencyKey:      req.IdempotencyKey,
			ConfirmedAt:         &now,
		}
		if err := tx.InsertCryptoTransaction(ctx, txn); err != nil {
			return fmt.Errorf("insert crypto transaction: %w", err)
		}
		result = SellResult{
			Transaction: txn,
			Quote: SellQuote{
				CostBasis:     costBasis,
				GrossProceeds: gross,
				NetProceeds:   net,
				ProfitLoss:    profitLoss,
			},
		}
		return nil
	})
	if err != nil {
		return nil, translate(s.logger, "sell", err, "account_id", acct.ID.String(), "symbol", symbol)
	}
	if !replayed {
		s.publish(ctx, *result.Transaction)
	}
	return &result, nil
}

// GetPrice quotes one symbol for display; the quote may come from the cache.
// Every oracle failure surfaces as ErrPriceUnavailable.
func (s *TradingService) GetPrice(ctx context.Context, symbol, currency string) (decimal.Decimal, error) {
	return s.quote(ctx, symbol, s.fiatCurrency(currency), s.oracle.GetPrice)
}

// tradePrice is the fill price for an order and bypasses the quote cache.
func (s *TradingService) tradePrice(ctx context.Context, symbol, currency string) (decimal.Decimal, error) {
	return s.quote(ctx, symbol, currency, s.oracle.FetchPrice)
}

func (s *TradingService) quote(ctx context.Context, symbol, currency string, lookup func(ctx context.Context, assetID, currency string) (decimal.Decimal, error)) (decimal.Decimal, error) {
	symbol = storage.NormalizeSymbol(symbol)
	if symbol == "" {
		return decimal.Zero, apperr.Wrap(apperr.ErrInvalidRequest, "symbol is required")
	}
	price, err := lookup(ctx, s.symbols.OracleID(symbol), strings.ToLower(currency))
	if err != nil {
		if errors.Is(err, apperr.ErrPriceUnavailable) {
			return decimal.Zero, err
		}
		s.logger.Warn("price lookup failed", "symbol", symbol, "currency", currency, "error", err)
		return decimal.Zero, apperr.Wrap(apperr.ErrPriceUnavailable, "price unavailable for %s", symbol)
	}
	if !price.IsPositive() {
		return decimal.Zero, apperr.Wrap(apperr.ErrPriceUnavailable, "price unavailable for %s", symbol)
	}
	return price, nil
}

// GetPrices quotes many symbols in batches. A symbol whose lookup fails maps to
// zero; the call as a whole never fails.
func (s *TradingService) GetPrices(ctx context.Context, symbols []string, currency string) map[string]decimal.Decimal {
	currency = s.fiatCurrency(currency)
	out := make(map[string]decimal.Decimal, len(symbols))
	idToSymbols := make(map[string][]string, len(symbols))
	ids := make([]string, 0, len(symbols))
	for _, raw := range symbols {
		symbol := storage.NormalizeSymbol(raw)
		if symbol == "" {
			continue
		}
		if _, seen := out[symbol]; seen {
			continue
		}
		out[symbol] = decimal.Zero
		id := s.symbols.OracleID(symbol)
		if _, ok := idToSymbols[id]; !ok {
			ids = append(ids, id)
		}
		idToSymbols[id] = append(idToSymbols[id], symbol)
	}

	for start := 0; start < len(ids); start += priceBatchSize {
		end := min(start+priceBatchSize, len(ids))
		chunk := ids[start:end]
		prices, err := s.oracle.GetPrices(ctx, chunk, strings.ToLower(currency))
		if err != nil {
			s.logger.Warn("batch price lookup failed", "ids", strings.Join(chunk, ","), "currency", currency, "error", err)
			continue
		}
		for _, id := range chunk {
			price, ok := prices[id]
			if !ok || !price.IsPositive() {
				s.logger.Warn("price missing from batch", "id", id, "currency", currency)
				continue
			}
			for _, symbol := range idToSymbols[id] {
				out[symbol] = price
			}
		}
	}
	return out
}

func (s *TradingService) Portfolio(ctx context.Context, actorID int64, accountID uuid.UUID) (_ []storage.CryptoPosition, err error) {
	defer s.metrics.track("portfolio", time.Now(), &err)
	if _, err := s.ownedAccount(ctx, accountID, actorID); err != nil {
		return nil, translate(s.logger, "portfolio", err, "account_id", accountID.String())
	}
	positions, err := s.store.ListPositions(ctx, accountID)
	if err != nil {
		return nil, translate(s.logger, "portfolio", err, "account_id", accountID.String())
	}
	return positions, nil
}

func (s *TradingService) ListCryptoTransactions(ctx context.Context, actorID int64, accountID uuid.UUID) (_ []storage.CryptoTransaction, err error) {
	defer s.metrics.track("list_crypto_transactions", time.Now(), &err)
	if _, err := s.ownedAccount(ctx, accountID, actorID); err != nil {
		return nil, translate(s.logger, "list_crypto_transactions", err, "account_id", accountID.String())
	}
	txns, err := s.store.ListCryptoTransactions(ctx, accountID)
	if err != nil {
		return nil, translate(s.logger, "list_crypto_transactions", err, "account_id", accountID.String())
	}
	return txns, nil
}

// DepositCrypto is a system operation crediting an inbound transfer.
func (s *TradingService) DepositCrypto(ctx context.Context, req DepositRequest) (_ *storage.CryptoTransaction, err error) {
	defer s.metrics.track("deposit_crypto", time.Now(), &err)
	symbol := storage.NormalizeSymbol(req.Symbol)
	if symbol == "" {
		return nil, apperr.Wrap(apperr.ErrInvalidRequest, "symbol is required")
	}
	if err := validateCryptoAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.Chain.Confirmations < 0 || req.Chain.RequiredConfirmations < 0 {
		return nil, apperr.Wrap(apperr.ErrInvalidRequest, "confirmations cannot be negative")
	}

	var (
		out      *storage.CryptoTransaction
		replayed bool
	)
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		acct, err := tx.AccountForUpdate(ctx, req.AccountID)
		if err != nil {
			return accountLookup(err, req.AccountID.String())
		}
		prior, err := replayCryptoTransaction(ctx, tx, acct.ID, req.IdempotencyKey, storage.CryptoTxDeposit)
		if err != nil {
			return err
		}
		if prior != nil {
			out, replayed = prior, true
			return nil
		}
		if !acct.CanTrade() {
			return apperr.ErrTradingNotAllowed
		}

		pos, _, err := tx.GetOrCreatePosition(ctx, acct.ID, symbol, walletAddress(symbol))
		if err != nil {
			return fmt.Errorf("get or create position: %w", err)
		}
		before := pos.Balance
		pos.Balance = pos.Balance.Add(req.Amount)

		txn := &storage.CryptoTransaction{
			AccountID:           acct.ID,
			Type:                storage.CryptoTxDeposit,
			Symbol:              symbol,
			CryptoAmount:        req.Amount,
			FiatCurrency:        acct.Currency,
			CryptoBalanceBefore: before,
			CryptoBalanceAfter:  pos.Balance,
			FiatBalanceBefore:   acct.Balance,
			FiatBalanceAfter:    acct.Balance,
			Description:         fmt.Sprintf("Deposit %s %s", req.Amount, symbol),
			IdempotencyKey:      req.IdempotencyKey,
			Chain:               req.Chain,
		}
		if req.Chain.Present() {
			pos.LockedBalance = pos.LockedBalance.Add(req.Amount)
			txn.Status = storage.CryptoTxPending
			txn.Description += " (tx " + req.Chain.TxHash + ")"
		} else {
			pos.AvailableBalance = pos.AvailableBalance.Add(req.Amount)
			now := s.now()
			txn.Status = storage.CryptoTxCompleted
			txn.ConfirmedAt = &now
		}
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return fmt.Errorf("update position: %w", err)
		}
		if err := tx.InsertCryptoTransaction(ctx, txn); err != nil {
			return fmt.Errorf("insert crypto transaction: %w", err)
		}
		out = txn
		return nil
	})
	if err != nil {
		return nil, translate(s.logger, "deposit_crypto", err, "account_id", req.AccountID.String(), "symbol", symbol)
	}
	if !replayed {
		s.publish(ctx, *out)
	}
	return out, nil
}

// UpdateCryptoTransactionStatus records the confirmation count of a pending
// on-chain deposit. Reaching the required count releases the locked amount.
func (s *TradingService) UpdateCryptoTransactionStatus(ctx context.Context, txID uuid.UUID, confirmations int) (_ *storage.CryptoTransaction, err error) {
	defer s.metrics.track("confirm_crypto", time.Now(), &err)
	if confirmations < 0 {
		return nil, apperr.Wrap(apperr.ErrInvalidRequest, "confirmations cannot be negative")
	}
	out, changed, err := s.transitionDeposit(ctx, txID, func(txn *storage.CryptoTransaction, pos *storage.CryptoPosition) (bool, error) {
		if confirmations < txn.Chain.Confirmations {
			return false, nil
		}
		if confirmations < txn.Chain.RequiredConfirmations {
			if confirmations == txn.Chain.Confirmations && txn.Status == storage.CryptoTxConfirming {
				return false, nil
			}
			txn.Chain.Confirmations = confirmations
			if confirmations > 0 {
				txn.Status = storage.CryptoTxConfirming
			}
			return true, nil
		}
		txn.Chain.Confirmations = confirmations
		if pos.LockedBalance.LessThan(txn.CryptoAmount) {
			return false, fmt.Errorf("position %s locked balance %s below deposit %s", pos.ID, pos.LockedBalance, txn.CryptoAmount)
		}
		pos.LockedBalance = pos.LockedBalance.Sub(txn.CryptoAmount)
		pos.AvailableBalance = pos.AvailableBalance.Add(txn.CryptoAmount)
		now := s.now()
		txn.Status = storage.CryptoTxCompleted
		txn.ConfirmedAt = &now
		return true, nil
	})
	if err != nil {
		return nil, translate(s.logger, "confirm_crypto", err, "transaction_id", txID.String())
	}
	if changed {
		s.publish(ctx, *out)
	}
	return out, nil
}

// FailCryptoTransaction abandons a pending on-chain deposit and removes its
// locked amount from the position.
func (s *TradingService) FailCryptoTransaction(ctx context.Context, txID uuid.UUID) (_ *storage.CryptoTransaction, err error) {
	defer s.metrics.track("fail_crypto", time.Now(), &err)
	out, _, err := s.transitionDeposit(ctx, txID, func(txn *storage.CryptoTransaction, pos *storage.CryptoPosition) (bool, error) {
		if pos.LockedBalance.LessThan(txn.CryptoAmount) {
			return false, fmt.Errorf("position %s locked balance %s below deposit %s", pos.ID, pos.LockedBalance, txn.CryptoAmount)
		}
		pos.LockedBalance = pos.LockedBalance.Sub(txn.CryptoAmount)
		pos.Balance = pos.Balance.Sub(txn.CryptoAmount)
		txn.Status = storage.CryptoTxFailed
		txn.CryptoBalanceAfter = txn.CryptoBalanceBefore
		return true, nil
	})
	if err != nil {
		return nil, translate(s.logger, "fail_crypto", err, "transaction_id", txID.String())
	}
	s.publish(ctx, *out)
	return out, nil
}

// transitionDeposit locks account, position and transaction in the same order
// the trading paths use, then applies fn. fn reports whether anything changed.
func (s *TradingService) transitionDeposit(ctx context.Context, txID uuid.UUID, fn func(*storage.CryptoTransaction, *storage.CryptoPosition) (bool, error)) (*storage.CryptoTransaction, bool, error) {
	current, err := s.store.GetCryptoTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, apperr.Wrap(apperr.ErrTransactionNotFound, "crypto transaction %s not found", txID)
		}
		return nil, false, err
	}

	var (
		out     *storage.CryptoTransaction
		changed bool
	)
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.AccountForUpdate(ctx, current.AccountID); err != nil {
			return accountLookup(err, current.AccountID.String())
		}
		pos, err := tx.PositionForUpdate(ctx, current.AccountID, current.Symbol)
		if err != nil {
			return positionLookup(err, current.Symbol)
		}
		txn, err := tx.CryptoTransactionForUpdate(ctx, txID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperr.Wrap(apperr.ErrTransactionNotFound, "crypto transaction %s not found", txID)
			}
			return err
		}
		if txn.Type != storage.CryptoTxDeposit || !txn.Chain.Present() {
			return apperr.Wrap(apperr.ErrInvalidStatusTransition, "only on-chain deposits track confirmations")
		}
		if txn.Status.Terminal() {
			return apperr.Wrap(apperr.ErrInvalidStatusTransition, "crypto transaction is already %s", txn.Status)
		}

		changed, err = fn(txn, pos)
		if err != nil {
			return err
		}
		out = txn
		if !changed {
			return nil
		}
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return fmt.Errorf("update position: %w", err)
		}
		if err := tx.UpdateCryptoTransaction(ctx, txn); err != nil {
			return fmt.Errorf("update crypto transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

// tradableAccount resolves an account the actor owns and may trade with.
func (s *TradingService) tradableAccount(ctx context.Context, accountID uuid.UUID, actorID int64) (*storage.Account, error) {
	acct, err := s.ownedAccount(ctx, accountID, actorID)
	if err != nil {
		return nil, err
	}
	if !acct.CanTrade() {
		return nil, apperr.ErrTradingNotAllowed
	}
	return acct, nil
}

func (s *TradingService) ownedAccount(ctx context.Context, accountID uuid.UUID, actorID int64) (*storage.Account, error) {
	acct, err := s.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, accountLookup(err, accountID.String())
	}
	if err := checkOwner(acct, actorID); err != nil {
		return nil, err
	}
	return acct, nil
}

// lookupReplay is an unlocked pre-check so that replays skip the oracle call.
// The authoritative check runs again under the account lock.
func (s *TradingService) lookupReplay(ctx context.Context, accountID uuid.UUID, key string, want storage.CryptoTransactionType) (*storage.CryptoTransaction, error) {
	if key == "" {
		return nil, nil
	}
	var prior *storage.CryptoTransaction
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		prior, err = replayCryptoTransaction(ctx, tx, accountID, key, want)
		return err
	})
	return prior, err
}

// tradeCurrency quotes in the account's own currency. Balances are never
// converted, so a request naming any other currency is rejected.
func (s *TradingService) tradeCurrency(acct *storage.Account, requested string) (string, error) {
	currency := strings.ToUpper(strings.TrimSpace(acct.Currency))
	if currency == "" {
		currency = s.currency
	}
	requested = strings.ToUpper(strings.TrimSpace(requested))
	if requested != "" && requested != currency {
		return "", apperr.Wrap(apperr.ErrInvalidRequest, "account %s is denominated in %s, not %s", acct.AccountNumber, currency, requested)
	}
	return currency, nil
}

func (s *TradingService) fiatCurrency(currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return s.currency
	}
	return currency
}

func (s *TradingService) publish(ctx context.Context, txn storage.CryptoTransaction) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishCryptoTransaction(ctx, txn); err != nil {
		s.logger.Warn("publish crypto transaction event failed", "transaction_id", txn.ID.String(), "error", err)
	}
}

func positionLookup(err error, symbol string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Wrap(apperr.ErrCryptoPositionNotFound, "no %s position", symbol)
	}
	return err
}

// averagePrice is the weighted average cost after adding amount at price.
func averagePrice(priorBalance, priorAvg, amount, price decimal.Decimal) decimal.Decimal {
	if !priorBalance.IsPositive() {
		return price
	}
	total := priorBalance.Mul(priorAvg).Add(amount.Mul(price))
	return total.DivRound(priorBalance.Add(amount), storage.CryptoScale)
}

// reduceInvested removes the sold share of the invested total, floored at zero.
func reduceInvested(invested, balance, sold decimal.Decimal) decimal.Decimal {
	if !balance.IsPositive() || sold.GreaterThanOrEqual(balance) {
		return decimal.Zero
	}
	share := invested.Mul(sold).DivRound(balance, storage.FiatScale)
	remaining := invested.Sub(share)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

func sellDescription(amount decimal.Decimal, symbol string, price decimal.Decimal, currency string, profitLoss decimal.Decimal) string {
	base := fmt.Sprintf("Sell %s %s @ %s %s", amount, symbol, price, currency)
	if profitLoss.IsNegative() {
		return fmt.Sprintf("%s (Loss: %s)", base, profitLoss.Abs().StringFixed(storage.FiatScale))
	}
	return fmt.Sprintf("%s (Profit: %s)", base, profitLoss.StringFixed(storage.FiatScale))
}

// replayedSale rebuilds what it can of a stored sale's quote. The cost basis is
// not persisted, so replays report proceeds only.
func replayedSale(txn *storage.CryptoTransaction) *SellResult {
	return &SellResult{
		Transaction: txn,
		Quote: SellQuote{
			GrossProceeds: txn.CryptoAmount.Mul(txn.PricePerUnit),
			NetProceeds:   txn.FiatAmount,
		},
	}
}
