// Package receipts issues signed payment receipts for paid responses.
//
// A receipt records what was bought, who paid, and whether settlement went
// through. When an HMAC secret is configured the receipt carries a signature
// over its canonical fields so a client can later prove what it was served.
// Receipts are not stored; the client keeps them.
package receipts

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/idgen"
)

var (
	ErrSigningDisabled = errors.New("receipts: signing disabled (no HMAC secret configured)")
	ErrInvalidReceipt  = errors.New("receipts: invalid receipt")
)

// Status of the payment behind a receipt.
const (
	StatusSettled  = "settled"
	StatusFailed   = "settlement_failed"
	StatusRejected = "approval_rejected"
)

// Receipt is proof that a paid resource was served.
type Receipt struct {
	ID          string    `json:"id"`
	Resource    string    `json:"resource"`
	Account     string    `json:"account"` // account the resource describes
	Payer       string    `json:"payer"`
	PayTo       string    `json:"payTo"`
	Verified    bool      `json:"verified"`
	Amount      string    `json:"amount"` // smallest unit
	Currency    string    `json:"currency"`
	Network     string    `json:"network"`
	Status      string    `json:"status"`
	Settled     bool      `json:"settled"`
	Transaction string    `json:"transaction,omitempty"`
	Error       string    `json:"error,omitempty"`
	Approval    string    `json:"approval,omitempty"`
	PayloadHash string    `json:"payloadHash,omitempty"`
	Signature   string    `json:"signature,omitempty"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt,omitzero"`
}

// receiptPayload is the canonical struct signed by HMAC.
// Field order must be deterministic (JSON marshalling of struct is by field order).
type receiptPayload struct {
	Account     string `json:"account"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	ID          string `json:"id"`
	Network     string `json:"network"`
	PayTo       string `json:"payTo"`
	Payer       string `json:"payer"`
	Resource    string `json:"resource"`
	Status      string `json:"status"`
	Transaction string `json:"transaction"`
}

func (r *Receipt) payload() receiptPayload {
	return receiptPayload{
		Account:     r.Account,
		Amount:      r.Amount,
		Currency:    r.Currency,
		ID:          r.ID,
		Network:     r.Network,
		PayTo:       strings.ToLower(r.PayTo),
		Payer:       strings.ToLower(r.Payer),
		Resource:    r.Resource,
		Status:      r.Status,
		Transaction: r.Transaction,
	}
}

// Issuer stamps and signs receipts.
type Issuer struct {
	signer *Signer
	now    func() time.Time
}

// NewIssuer creates an issuer. A nil signer issues unsigned receipts.
func NewIssuer(signer *Signer) *Issuer {
	return &Issuer{signer: signer, now: time.Now}
}

// Signed reports whether receipts carry a signature.
func (i *Issuer) Signed() bool {
	return i != nil && i.signer != nil
}

// Issue assigns an id and timestamp to r and signs it when signing is enabled.
func (i *Issuer) Issue(r Receipt) (*Receipt, error) {
	r.ID = idgen.WithPrefix("rcpt_")
	r.IssuedAt = i.now().UTC().Truncate(time.Second)
	if r.Status == "" {
		r.Status = StatusFailed
		if r.Settled {
			r.Status = StatusSettled
		}
	}

	hash, err := payloadHash(r.payload())
	if err != nil {
		return nil, fmt.Errorf("receipts: hash payload: %w", err)
	}
	r.PayloadHash = hash

	if i.signer == nil {
		return &r, nil
	}
	sig, issuedAt, expiresAt, err := i.signer.Sign(r.payload())
	if err != nil {
		return nil, fmt.Errorf("receipts: failed to sign: %w", err)
	}
	r.Signature = sig
	r.IssuedAt = issuedAt
	r.ExpiresAt = expiresAt
	return &r, nil
}

// VerifyResult is the outcome of a receipt check.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receiptId"`
	Expired   bool   `json:"expired,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Verify checks a receipt presented by a client.
func (i *Issuer) Verify(r *Receipt) VerifyResult {
	res := VerifyResult{ReceiptID: r.ID}
	if i.signer == nil {
		res.Error = ErrSigningDisabled.Error()
		return res
	}
	if r.Signature == "" {
		res.Error = ErrInvalidReceipt.Error()
		return res
	}
	res.Valid = i.signer.Verify(r.payload(), r.Signature)
	if !res.Valid {
		res.Error = "signature mismatch"
		return res
	}
	if !r.ExpiresAt.IsZero() && i.now().After(r.ExpiresAt) {
		res.Expired = true
	}
	return res
}

// Handler exposes receipt verification over HTTP.
type Handler struct {
	issuer *Issuer
}

// NewHandler creates a new receipt handler.
func NewHandler(issuer *Issuer) *Handler {
	return &Handler{issuer: issuer}
}

// RegisterRoutes sets up public receipt routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/receipts/verify", h.VerifyReceipt)
}

// VerifyReceipt handles POST /v1/receipts/verify
func (h *Handler) VerifyReceipt(c *gin.Context) {
	var r Receipt
	if err := c.ShouldBindJSON(&r); err != nil || r.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "body must be a receipt",
		})
		return
	}
	c.JSON(http.StatusOK, h.issuer.Verify(&r))
}
