package ads

import (
	"github.com/shopspring/decimal"
)

// ShowCallbacks receives the terminal outcome of a show. Exactly one of the two fires.
type ShowCallbacks struct {
	OnSuccess func()
	OnFail    func(error)
}

// Succeed invokes OnSuccess when set.
func (c ShowCallbacks) Succeed() {
	if c.OnSuccess != nil {
		c.OnSuccess()
	}
}

// Fail invokes OnFail when set.
func (c ShowCallbacks) Fail(err error) {
	if c.OnFail != nil {
		c.OnFail(err)
	}
}

// NotificationKind classifies provider notifications.
type NotificationKind string

const (
	// NotificationLoaded signals a successful load.
	NotificationLoaded NotificationKind = "loaded"
	// NotificationLoadFailed signals a failed load.
	NotificationLoadFailed NotificationKind = "load_failed"
	// NotificationPaid signals an impression-level revenue report.
	NotificationPaid NotificationKind = "paid"
)

// Notification is raised by providers on the owning context.
type Notification struct {
	Kind    NotificationKind
	Network string
	Format  Format
	Err     error
	Paid    *PaidEvent
}

// PaidEvent carries impression-level revenue reported by a network.
type PaidEvent struct {
	Network   string
	Format    Format
	Placement string
	Revenue   decimal.Decimal
	Currency  string
	Precision string
}

// Listener consumes provider notifications.
type Listener func(Notification)

// Provider is the capability contract every network adapter implements. All methods
// except Initialize completion are called from the owning context.
type Provider interface {
	Name() string
	Priority() int

	// Initialize begins asynchronous SDK bring-up; done runs once on the owning context.
	Initialize(done func(error)) error
	SetConsent(granted bool)
	Subscribe(listener Listener)

	Request(format Format) error
	IsAvailable(format Format) bool
	Show(format Format, placement string, cb ShowCallbacks) error
	HideBanner(placement string)

	Destroy()
}
