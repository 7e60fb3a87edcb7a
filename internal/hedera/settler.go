// Package hedera settles x402 payments as native HBAR transfers.
package hedera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	hsdk "github.com/hashgraph/hedera-sdk-go/v2"

	"github.com/mbd888/trustgate/internal/validation"
	"github.com/mbd888/trustgate/pkg/x402"
)

var (
	ErrInvalidAccount = errors.New("hedera: invalid account id")
	ErrInvalidAmount  = errors.New("hedera: amount must be a positive tinybar value")
	ErrNotConfigured  = errors.New("hedera: operator id and key are required")
)

// StatusError reports a transaction rejected by the network, either at
// precheck or in its receipt.
type StatusError struct {
	Status        string
	TransactionID string
}

func (e *StatusError) Error() string {
	if e.TransactionID != "" {
		return fmt.Sprintf("hedera: transaction %s failed with status %s", e.TransactionID, e.Status)
	}
	return "hedera: transaction failed with status " + e.Status
}

// InsufficientFunds reports whether the operator could not cover the transfer.
func (e *StatusError) InsufficientFunds() bool {
	switch e.Status {
	case hsdk.StatusInsufficientPayerBalance.String(), hsdk.StatusInsufficientAccountBalance.String():
		return true
	}
	return false
}

// Config identifies the operator account that pays out settlements.
type Config struct {
	Network     string // "testnet", "previewnet" or "mainnet"
	OperatorID  string
	OperatorKey string
}

// transferFunc submits an HBAR transfer from the operator to `to` and
// blocks until the receipt is available.
type transferFunc func(to string, tinybars int64, memo string) (string, error)

// Settler moves HBAR from the operator account to the payment recipient.
type Settler struct {
	operator string
	transfer transferFunc
	balance  func() (int64, error)
	close    func() error
	logger   *slog.Logger
}

// NewSettler connects to the named network with the operator credentials.
func NewSettler(cfg Config, logger *slog.Logger) (*Settler, error) {
	if cfg.OperatorID == "" || cfg.OperatorKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Network == "" {
		cfg.Network = "testnet"
	}
	if logger == nil {
		logger = slog.Default()
	}

	operatorID, err := hsdk.AccountIDFromString(cfg.OperatorID)
	if err != nil {
		return nil, fmt.Errorf("%w: operator %q: %v", ErrInvalidAccount, cfg.OperatorID, err)
	}
	key, err := hsdk.PrivateKeyFromString(cfg.OperatorKey)
	if err != nil {
		return nil, fmt.Errorf("hedera: parse operator key: %w", err)
	}
	client, err := hsdk.ClientForName(cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("hedera: client for %s: %w", cfg.Network, err)
	}
	client.SetOperator(operatorID, key)

	s := &Settler{
		operator: operatorID.String(),
		logger:   logger,
		close:    client.Close,
	}
	s.transfer = func(to string, tinybars int64, memo string) (string, error) {
		return sdkTransfer(client, operatorID, to, tinybars, memo)
	}
	s.balance = func() (int64, error) {
		bal, err := hsdk.NewAccountBalanceQuery().SetAccountID(operatorID).Execute(client)
		if err != nil {
			return 0, err
		}
		return bal.Hbars.AsTinybar(), nil
	}
	return s, nil
}

func sdkTransfer(client *hsdk.Client, from hsdk.AccountID, to string, tinybars int64, memo string) (string, error) {
	toID, err := hsdk.AccountIDFromString(to)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAccount, to)
	}

	resp, err := hsdk.NewTransferTransaction().
		AddHbarTransfer(from, hsdk.HbarFromTinybar(-tinybars)).
		AddHbarTransfer(toID, hsdk.HbarFromTinybar(tinybars)).
		SetTransactionMemo(memo).
		Execute(client)
	if err != nil {
		return "", statusErr(err)
	}
	txID := resp.TransactionID.String()

	receipt, err := resp.GetReceipt(client)
	if err != nil {
		return "", statusErr(err)
	}
	if receipt.Status != hsdk.StatusSuccess {
		return "", &StatusError{Status: receipt.Status.String(), TransactionID: txID}
	}
	return txID, nil
}

// statusErr lifts SDK status errors into StatusError so callers can
// classify them without importing the SDK.
func statusErr(err error) error {
	var pre hsdk.ErrHederaPreCheckStatus
	if errors.As(err, &pre) {
		return &StatusError{Status: pre.Status.String(), TransactionID: pre.TxID.String()}
	}
	var rec hsdk.ErrHederaReceiptStatus
	if errors.As(err, &rec) {
		return &StatusError{Status: rec.Status.String(), TransactionID: rec.TxID.String()}
	}
	return fmt.Errorf("hedera: %w", err)
}

// Network returns the x402 network name.
func (s *Settler) Network() string {
	return x402.NetworkHederaTestnet
}

// Operator returns the paying account id.
func (s *Settler) Operator() string {
	return s.operator
}

// Settle transfers amount tinybars to the recipient. The SDK call does not
// take a context, so cancellation abandons the wait but not the submission;
// callers must treat a context error as an unknown outcome.
func (s *Settler) Settle(ctx context.Context, to string, amount *big.Int, memo string) (string, error) {
	if amount == nil || amount.Sign() <= 0 || !amount.IsInt64() {
		return "", ErrInvalidAmount
	}
	if !validation.IsValidHederaAccountID(to) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAccount, to)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	type result struct {
		tx  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		tx, err := s.transfer(to, amount.Int64(), memo)
		done <- result{tx, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", r.err
		}
		s.logger.Info("hbar transfer confirmed", "to", to, "tinybars", amount.String(), "tx", r.tx)
		return r.tx, nil
	case <-ctx.Done():
		s.logger.Warn("hbar transfer outcome unknown", "to", to, "tinybars", amount.String(), "error", ctx.Err())
		return "", ctx.Err()
	}
}

// Balance returns the operator's HBAR balance in tinybars.
func (s *Settler) Balance(ctx context.Context) (int64, error) {
	type result struct {
		v   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := s.balance()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close releases the network client.
func (s *Settler) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
