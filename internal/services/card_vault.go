package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"school_billing_echo/internal/models"
)

// CardData is a processor-issued card reference plus its display details
type CardData struct {
	MethodID  string `json:"methodId"`
	Brand     string `json:"cardBrand"`
	Last4     string `json:"last4"`
	ExpMonth  int    `json:"expMonth"`
	ExpYear   int    `json:"expYear"`
	IsDefault bool   `json:"isDefault"`
}

// CardVault owns the tokenized payment methods stored on each parent
type CardVault struct {
	db  *gorm.DB
	now func() time.Time
}

func NewCardVault(db *gorm.DB) *CardVault {
	return &CardVault{db: db, now: time.Now}
}

// mutate loads the parent under a row lock, lets fn edit the vault and saves it back
func (v *CardVault) mutate(ctx context.Context, parentID uint, fn func(cd *models.CardDetail) error) error {
	return v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var parent models.Parent
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&parent, parentID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound("parent %d not found", parentID)
		}
		if err != nil {
			return internal("failed to load parent", err)
		}

		if err := fn(&parent.CardDetail); err != nil {
			return err
		}
		normalizeDefault(&parent.CardDetail)

		if err := tx.Omit(clause.Associations).Save(&parent).Error; err != nil {
			return internal("failed to save card vault", err)
		}
		return nil
	})
}

// normalizeDefault keeps exactly one default while the vault is non-empty
func normalizeDefault(cd *models.CardDetail) {
	if len(cd.PaymentMethods) == 0 {
		cd.DefaultPaymentMethodID = ""
		return
	}

	idx := -1
	for i := range cd.PaymentMethods {
		if cd.PaymentMethods[i].IsDefault && idx == -1 {
			idx = i
			continue
		}
		cd.PaymentMethods[i].IsDefault = false
	}
	if idx == -1 {
		idx = 0
		cd.PaymentMethods[0].IsDefault = true
	}
	cd.DefaultPaymentMethodID = cd.PaymentMethods[idx].MethodID
}

func markDefault(cd *models.CardDetail, methodID string) {
	for i := range cd.PaymentMethods {
		cd.PaymentMethods[i].IsDefault = cd.PaymentMethods[i].MethodID == methodID
	}
}

// AddCard stores a card. The first card, or one flagged IsDefault, becomes the default.
// Adding a method that is already stored refreshes its details.
func (v *CardVault) AddCard(ctx context.Context, parentID uint, card CardData) (*models.StoredPaymentMethod, error) {
	card.MethodID = strings.TrimSpace(card.MethodID)
	if card.MethodID == "" {
		return nil, invalidInput("payment method id is required")
	}

	var stored models.StoredPaymentMethod
	err := v.mutate(ctx, parentID, func(cd *models.CardDetail) error {
		entry := models.StoredPaymentMethod{
			MethodID: card.MethodID,
			Brand:    card.Brand,
			Last4:    card.Last4,
			ExpMonth: card.ExpMonth,
			ExpYear:  card.ExpYear,
			AddedAt:  v.now(),
		}

		_, idx, found := lo.FindIndexOf(cd.PaymentMethods, func(m models.StoredPaymentMethod) bool {
			return m.MethodID == card.MethodID
		})
		if found {
			existing := cd.PaymentMethods[idx]
			entry.AddedAt = existing.AddedAt
			entry.IsDefault = existing.IsDefault
			cd.PaymentMethods[idx] = entry
		} else {
			entry.IsDefault = len(cd.PaymentMethods) == 0
			cd.PaymentMethods = append(cd.PaymentMethods, entry)
		}

		if card.IsDefault {
			markDefault(cd, card.MethodID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// re-read after normalization so IsDefault reflects what was saved
	cards, err := v.ListCards(ctx, parentID)
	if err != nil {
		return nil, err
	}
	stored, _ = lo.Find(cards, func(m models.StoredPaymentMethod) bool { return m.MethodID == card.MethodID })
	return &stored, nil
}

// SetDefault makes methodID the only default card
func (v *CardVault) SetDefault(ctx context.Context, parentID uint, methodID string) (*models.StoredPaymentMethod, error) {
	if methodID == "" {
		return nil, invalidInput("payment method id is required")
	}

	var def models.StoredPaymentMethod
	err := v.mutate(ctx, parentID, func(cd *models.CardDetail) error {
		if !lo.ContainsBy(cd.PaymentMethods, func(m models.StoredPaymentMethod) bool { return m.MethodID == methodID }) {
			return notFound("payment method %s not found", methodID)
		}
		markDefault(cd, methodID)
		def, _ = lo.Find(cd.PaymentMethods, func(m models.StoredPaymentMethod) bool { return m.MethodID == methodID })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// RemoveCard deletes a card. Removing the default promotes the oldest remaining card.
func (v *CardVault) RemoveCard(ctx context.Context, parentID uint, methodID string) (*models.StoredPaymentMethod, int, error) {
	if methodID == "" {
		return nil, 0, invalidInput("payment method id is required")
	}

	var removed models.StoredPaymentMethod
	remaining := 0
	err := v.mutate(ctx, parentID, func(cd *models.CardDetail) error {
		var found bool
		removed, found = lo.Find(cd.PaymentMethods, func(m models.StoredPaymentMethod) bool { return m.MethodID == methodID })
		if !found {
			return notFound("payment method %s not found", methodID)
		}

		cd.PaymentMethods = lo.Reject(cd.PaymentMethods, func(m models.StoredPaymentMethod, _ int) bool {
			return m.MethodID == methodID
		})
		// normalizeDefault promotes index 0 when no default is left
		remaining = len(cd.PaymentMethods)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return &removed, remaining, nil
}

// ListCards returns the stored cards in insertion order
func (v *CardVault) ListCards(ctx context.Context, parentID uint) ([]models.StoredPaymentMethod, error) {
	parent, err := v.loadParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	return parent.CardDetail.PaymentMethods, nil
}

// GetDefaultMethod returns the default card, or nil when the vault is empty
func (v *CardVault) GetDefaultMethod(ctx context.Context, parentID uint) (*models.StoredPaymentMethod, error) {
	parent, err := v.loadParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	return parent.DefaultMethod(), nil
}

// CustomerID returns the processor customer reference, empty when not provisioned
func (v *CardVault) CustomerID(ctx context.Context, parentID uint) (string, error) {
	parent, err := v.loadParent(ctx, parentID)
	if err != nil {
		return "", err
	}
	return parent.CardDetail.StripeCustomerID, nil
}

// SetCustomerID records the processor customer for a parent
func (v *CardVault) SetCustomerID(ctx context.Context, parentID uint, customerID string) error {
	return v.mutate(ctx, parentID, func(cd *models.CardDetail) error {
		cd.StripeCustomerID = customerID
		return nil
	})
}

func (v *CardVault) loadParent(ctx context.Context, parentID uint) (*models.Parent, error) {
	var parent models.Parent
	err := v.db.WithContext(ctx).First(&parent, parentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("parent %d not found", parentID)
	}
	if err != nil {
		return nil, internal("failed to load parent", err)
	}
	return &parent, nil
}
