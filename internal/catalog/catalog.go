// Package catalog holds the priced products the gateway sells.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
)

// DefaultProductID is the trust-score product.
const DefaultProductID = "trust-score"

var (
	ErrProductNotFound = errors.New("catalog: product not found")
	ErrInvalidProduct  = errors.New("catalog: invalid product")
)

// Product is a priced resource.
type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       string `json:"defaultPrice"`        // smallest unit of the settlement asset
	Currency    string `json:"currency,omitempty"`  // display currency, e.g. HBAR
	RateLimit   int    `json:"rateLimit,omitempty"` // requests per minute per client, 0 = unlimited
	SLA         string `json:"sla,omitempty"`
}

// Validate checks the product is sellable.
func (p Product) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidProduct)
	}
	v, ok := new(big.Int).SetString(p.Price, 10)
	if !ok || v.Sign() <= 0 {
		return fmt.Errorf("%w: %s: price must be a positive integer, got %q", ErrInvalidProduct, p.ID, p.Price)
	}
	if p.RateLimit < 0 {
		return fmt.Errorf("%w: %s: negative rate limit", ErrInvalidProduct, p.ID)
	}
	return nil
}

// Registry looks up products by id.
type Registry interface {
	Get(ctx context.Context, id string) (*Product, error)
}

// MemoryRegistry is a read-mostly in-memory Registry.
type MemoryRegistry struct {
	mu       sync.RWMutex
	products map[string]Product
}

// NewMemoryRegistry creates a registry preloaded with products.
func NewMemoryRegistry(products ...Product) (*MemoryRegistry, error) {
	r := &MemoryRegistry{products: make(map[string]Product)}
	for _, p := range products {
		if err := r.Put(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Put adds or replaces a product.
func (r *MemoryRegistry) Put(p Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.products[p.ID] = p
	r.mu.Unlock()
	return nil
}

// Get returns a copy of the product.
func (r *MemoryRegistry) Get(_ context.Context, id string) (*Product, error) {
	r.mu.RLock()
	p, ok := r.products[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}
	return &p, nil
}

// List returns all products sorted by id.
func (r *MemoryRegistry) List(_ context.Context) []Product {
	r.mu.RLock()
	out := make([]Product, 0, len(r.products))
	for _, p := range r.products {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Handler serves product lookups.
type Handler struct {
	registry Registry
	network  string
	asset    string
}

// NewHandler creates a product handler. network and asset describe how
// prices are paid.
func NewHandler(registry Registry, network, asset string) *Handler {
	return &Handler{registry: registry, network: network, asset: asset}
}

// RegisterRoutes sets up public product routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/products/:id", h.GetProduct)
}

// GetProduct handles GET /v1/products/:id
func (h *Handler) GetProduct(c *gin.Context) {
	p, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Product not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"product": p,
		"network": h.network,
		"asset":   h.asset,
	})
}
