package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"

	"chat_gateway/internal/logging"
)

// CustomerLookup resolves an internal identity to the billing backend's
// customer ID. An empty ID with a nil error means the identity has no
// billing customer provisioned.
type CustomerLookup interface {
	StripeCustomerID(ctx context.Context, identity string) (string, error)
}

// StripeAdapter checks subscription standing and reports metered usage
// through the Stripe API.
type StripeAdapter struct {
	apiKey           string
	customers        CustomerLookup
	meteredEventName string
	unlimitedMetaKey string
	requestTimeout   time.Duration
	logger           *logging.Logger

	initOnce sync.Once
	client   *client.API
}

// StripeAdapterConfig holds the settings for a StripeAdapter.
type StripeAdapterConfig struct {
	APIKey           string
	MeteredEventName string
	UnlimitedMetaKey string
	RequestTimeout   time.Duration
}

// NewStripeAdapter creates a Stripe-backed billing adapter. The API
// client is initialized lazily on first use.
func NewStripeAdapter(cfg StripeAdapterConfig, customers CustomerLookup) (*StripeAdapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("stripe API key is required")
	}
	if customers == nil {
		return nil, fmt.Errorf("customer lookup is required")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &StripeAdapter{
		apiKey:           cfg.APIKey,
		customers:        customers,
		meteredEventName: cfg.MeteredEventName,
		unlimitedMetaKey: cfg.UnlimitedMetaKey,
		requestTimeout:   timeout,
		logger:           logging.NewLogger("billing.stripe"),
	}, nil
}

func (a *StripeAdapter) api() *client.API {
	a.initOnce.Do(func() {
		c := &client.API{}
		c.Init(a.apiKey, nil)
		a.client = c
	})
	return a.client
}

// CheckStanding resolves the identity's customer and looks for an
// active subscription. All failure modes collapse into StatusCheckFailed
// with the underlying message preserved for the caller's deny payload.
func (a *StripeAdapter) CheckStanding(ctx context.Context, identity string) Standing {
	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()

	customerID, err := a.customers.StripeCustomerID(ctx, identity)
	if err != nil {
		a.logger.Error("customer lookup failed", "identity", identity, "error", err)
		return Standing{Status: StatusCheckFailed, Err: err.Error()}
	}
	if customerID == "" {
		// No billing customer provisioned for this identity.
		return Standing{Status: StatusUnsubscribed}
	}

	params := &stripe.SubscriptionListParams{
		Customer: customerID,
		Status:   string(stripe.SubscriptionStatusActive),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(10)

	iter := a.api().Subscriptions.List(params)
	var active *stripe.Subscription
	for iter.Next() {
		active = iter.Subscription()
		break
	}
	if err := iter.Err(); err != nil {
		a.logger.Error("subscription list failed", "identity", identity, "customer", customerID, "error", err)
		return Standing{Status: StatusCheckFailed, Err: err.Error()}
	}
	if active == nil {
		return Standing{Status: StatusUnsubscribed}
	}

	standing := Standing{Status: StatusSubscribed}
	if a.unlimitedMetaKey != "" {
		standing.Unlimited = a.subscriptionUnlimited(active)
	}
	if balance, ok := a.creditBalance(ctx, customerID); ok {
		standing.CreditBalance = &balance
	}
	return standing
}

// RecordUsage posts one metered unit against the identity's active
// subscription. Failures are returned for advisory reporting only.
func (a *StripeAdapter) RecordUsage(ctx context.Context, identity string, usage Usage) error {
	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()

	customerID, err := a.customers.StripeCustomerID(ctx, identity)
	if err != nil {
		return fmt.Errorf("customer lookup: %w", err)
	}
	if customerID == "" {
		return fmt.Errorf("no billing customer for identity %s", identity)
	}

	itemID, err := a.meteredItemID(ctx, customerID)
	if err != nil {
		return err
	}

	params := &stripe.UsageRecordParams{
		SubscriptionItem: stripe.String(itemID),
		Quantity:         stripe.Int64(1),
		Timestamp:        stripe.Int64(time.Now().Unix()),
		Action:           stripe.String(string(stripe.UsageRecordActionIncrement)),
	}
	params.Context = ctx

	if _, err := a.api().UsageRecords.New(params); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	a.logger.Debug("usage recorded",
		"identity", identity,
		"customer", customerID,
		"event", a.meteredEventName,
		"total_tokens", usage.TotalTokens)
	return nil
}

// meteredItemID finds the metered line item on the customer's active
// subscription.
func (a *StripeAdapter) meteredItemID(ctx context.Context, customerID string) (string, error) {
	params := &stripe.SubscriptionListParams{
		Customer: customerID,
		Status:   string(stripe.SubscriptionStatusActive),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(10)

	iter := a.api().Subscriptions.List(params)
	for iter.Next() {
		sub := iter.Subscription()
		if sub.Items == nil {
			continue
		}
		for _, item := range sub.Items.Data {
			if item.Price != nil && item.Price.Recurring != nil &&
				item.Price.Recurring.UsageType == stripe.PriceRecurringUsageTypeMetered {
				return item.ID, nil
			}
		}
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("list subscriptions: %w", err)
	}
	return "", fmt.Errorf("no metered subscription item for customer %s", customerID)
}

func (a *StripeAdapter) subscriptionUnlimited(sub *stripe.Subscription) bool {
	if sub.Items == nil {
		return false
	}
	for _, item := range sub.Items.Data {
		if item.Price == nil {
			continue
		}
		if item.Price.Metadata[a.unlimitedMetaKey] == "true" {
			return true
		}
		if item.Price.Product != nil && item.Price.Product.Metadata[a.unlimitedMetaKey] == "true" {
			return true
		}
	}
	return false
}

// creditBalance reads the customer's balance; a negative Stripe balance
// is credit owed to the customer. Best-effort, failures are only logged.
func (a *StripeAdapter) creditBalance(ctx context.Context, customerID string) (int64, bool) {
	params := &stripe.CustomerParams{}
	params.Context = ctx

	cust, err := a.api().Customers.Get(customerID, params)
	if err != nil {
		a.logger.Warn("customer balance fetch failed", "customer", customerID, "error", err)
		return 0, false
	}
	if cust.Balance < 0 {
		return -cust.Balance, true
	}
	return 0, false
}
