// Package models defines types shared across internal packages.
package models

import (
	"fmt"
	"strings"
	"time"

	syncerrors "github.com/spinsirr/order-wizard-sub000/internal/errors"
	"golang.org/x/text/unicode/norm"
)

// Status is the review/reimbursement progress of an order.
type Status string

const (
	StatusUncommented     Status = "uncommented"
	StatusCommented       Status = "commented"
	StatusCommentRevealed Status = "comment_revealed"
	StatusReimbursed      Status = "reimbursed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusUncommented, StatusCommented, StatusCommentRevealed, StatusReimbursed:
		return true
	}

	return false
}

// Order is one purchase record. OrderNumber is the business key: the only
// identity shared between the local and remote replicas. ID is a surrogate
// that is stable within one replica but may differ across replicas.
type Order struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	OrderNumber  string     `json:"orderNumber"`
	ProductName  string     `json:"productName"`
	OrderDate    string     `json:"orderDate"`
	ProductImage string     `json:"productImage"`
	Price        string     `json:"price"`
	Status       Status     `json:"status"`
	Note         string     `json:"note,omitempty"`
	CreatedAt    time.Time  `json:"createdAt,omitzero"`
	UpdatedAt    time.Time  `json:"updatedAt,omitzero"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
}

// Deleted reports whether the order is a soft-delete tombstone.
func (o *Order) Deleted() bool {
	return o.DeletedAt != nil
}

// Key returns the normalized business key.
func (o *Order) Key() string {
	return NormalizeBusinessKey(o.OrderNumber)
}

// Validate checks the fields required before an order may be stored or
// sent to the remote replica.
func (o *Order) Validate() error {
	if o.Key() == "" {
		return fmt.Errorf("order %q: missing order number: %w", o.ID, syncerrors.ErrValidation)
	}

	if o.Status != "" && !o.Status.Valid() {
		return fmt.Errorf("order %q: unknown status %q: %w", o.OrderNumber, o.Status, syncerrors.ErrValidation)
	}

	return nil
}

// SameContent reports whether two orders carry the same business data and
// timestamps. Surrogate ids are ignored.
func (o *Order) SameContent(other *Order) bool {
	if o.Key() != other.Key() ||
		o.ProductName != other.ProductName ||
		o.OrderDate != other.OrderDate ||
		o.ProductImage != other.ProductImage ||
		o.Price != other.Price ||
		o.Status != other.Status ||
		o.Note != other.Note ||
		!o.UpdatedAt.Equal(other.UpdatedAt) {
		return false
	}

	if (o.DeletedAt == nil) != (other.DeletedAt == nil) {
		return false
	}

	return o.DeletedAt == nil || o.DeletedAt.Equal(*other.DeletedAt)
}

// LastTouched returns the later of UpdatedAt and DeletedAt.
func (o *Order) LastTouched() time.Time {
	if o.DeletedAt != nil && o.DeletedAt.After(o.UpdatedAt) {
		return *o.DeletedAt
	}

	return o.UpdatedAt
}

// NormalizeBusinessKey folds full-width digits and compatibility forms
// (NFKC) and trims surrounding whitespace. Scraped order numbers often
// carry both.
func NormalizeBusinessKey(key string) string {
	return strings.TrimSpace(norm.NFKC.String(key))
}

// OrderPatch is a partial update. Nil fields are left untouched.
type OrderPatch struct {
	ProductName  *string    `json:"productName,omitempty"`
	OrderDate    *string    `json:"orderDate,omitempty"`
	ProductImage *string    `json:"productImage,omitempty"`
	Price        *string    `json:"price,omitempty"`
	Status       *Status    `json:"status,omitempty"`
	Note         *string    `json:"note,omitempty"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`

	// Restore clears a remote soft delete. A nil DeletedAt cannot express
	// that on its own.
	Restore bool `json:"restore,omitempty"`
}

// PatchFrom builds a patch that overwrites every mutable field of the
// target with the values in o.
func PatchFrom(o Order) OrderPatch {
	p := OrderPatch{
		ProductName:  &o.ProductName,
		OrderDate:    &o.OrderDate,
		ProductImage: &o.ProductImage,
		Price:        &o.Price,
		Status:       &o.Status,
		Note:         &o.Note,
		DeletedAt:    o.DeletedAt,
		Restore:      o.DeletedAt == nil,
	}

	if !o.UpdatedAt.IsZero() {
		p.UpdatedAt = &o.UpdatedAt
	}

	return p
}

// Empty reports whether the patch changes nothing.
func (p OrderPatch) Empty() bool {
	return p.ProductName == nil && p.OrderDate == nil && p.ProductImage == nil &&
		p.Price == nil && p.Status == nil && p.Note == nil &&
		p.UpdatedAt == nil && p.DeletedAt == nil && !p.Restore
}

// Apply copies the non-nil fields of p onto o.
func (p OrderPatch) Apply(o *Order) {
	if p.ProductName != nil {
		o.ProductName = *p.ProductName
	}

	if p.OrderDate != nil {
		o.OrderDate = *p.OrderDate
	}

	if p.ProductImage != nil {
		o.ProductImage = *p.ProductImage
	}

	if p.Price != nil {
		o.Price = *p.Price
	}

	if p.Status != nil {
		o.Status = *p.Status
	}

	if p.Note != nil {
		o.Note = *p.Note
	}

	if p.UpdatedAt != nil {
		o.UpdatedAt = *p.UpdatedAt
	}

	if p.Restore {
		o.DeletedAt = nil
	}

	if p.DeletedAt != nil {
		t := *p.DeletedAt
		o.DeletedAt = &t
	}
}
