package domain

import (
	"fmt"
	"strings"
)

// PaymentMethod is the closed set of tender types accepted at the till.
type PaymentMethod uint8

const (
	MethodCash PaymentMethod = iota + 1
	MethodCard
	MethodMobile
	MethodTerminal
	MethodStoreCredit
)

var paymentMethodCodes = map[PaymentMethod]string{
	MethodCash:        "cash",
	MethodCard:        "card",
	MethodMobile:      "mobile",
	MethodTerminal:    "terminal",
	MethodStoreCredit: "store_credit",
}

// PaymentMethods lists every method in display order.
func PaymentMethods() []PaymentMethod {
	return []PaymentMethod{MethodCash, MethodCard, MethodMobile, MethodTerminal, MethodStoreCredit}
}

// ParsePaymentMethod maps a wire code to a method. Unknown codes fail with
// KindInvalidMethod.
func ParsePaymentMethod(code string) (PaymentMethod, error) {
	normalized := strings.ToLower(strings.TrimSpace(code))
	for method, c := range paymentMethodCodes {
		if c == normalized {
			return method, nil
		}
	}
	return 0, &Error{Kind: KindInvalidMethod, Message: fmt.Sprintf("unknown payment method %q", code)}
}

func (m PaymentMethod) Valid() bool {
	_, ok := paymentMethodCodes[m]
	return ok
}

// Code is the stable wire/storage code, e.g. "store_credit".
func (m PaymentMethod) Code() string {
	if code, ok := paymentMethodCodes[m]; ok {
		return code
	}
	return fmt.Sprintf("method(%d)", uint8(m))
}

func (m PaymentMethod) String() string {
	return m.Code()
}

func (m PaymentMethod) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid payment method %d", uint8(m))
	}
	return []byte(m.Code()), nil
}

func (m *PaymentMethod) UnmarshalText(text []byte) error {
	parsed, err := ParsePaymentMethod(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
