package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePaymentMethod(t *testing.T) {
	m, err := ParsePaymentMethod(" Store_Credit ")
	require.NoError(t, err)
	assert.Equal(t, MethodStoreCredit, m)

	_, err = ParsePaymentMethod("qris")
	require.ErrorIs(t, err, ErrInvalidMethod)
}

func TestPaymentMethodJSON(t *testing.T) {
	payload, err := json.Marshal(Payment{Method: MethodMobile, Amount: 500})
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"mobile","amount_cents":500}`, string(payload))

	var p Payment
	require.NoError(t, json.Unmarshal([]byte(`{"method":"terminal","amount_cents":100}`), &p))
	assert.Equal(t, MethodTerminal, p.Method)

	err = json.Unmarshal([]byte(`{"method":"cheque","amount_cents":100}`), &p)
	require.Error(t, err)
}

func TestErrorMatchesByKind(t *testing.T) {
	err := fmt.Errorf("add item: %w", OutOfStock("p-1", 5, 3))

	assert.ErrorIs(t, err, ErrOutOfStock)
	assert.NotErrorIs(t, err, ErrInvalidQuantity)
	assert.Equal(t, KindOutOfStock, KindOf(err))

	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, 5, derr.Requested)
	assert.Equal(t, 3, derr.Available)
	assert.Equal(t, map[string]any{"product_id": "p-1", "requested": 5, "available": 3}, derr.Context())
}

func TestCommitFailedUnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := CommitFailed(cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrCommitFailed)
	assert.Contains(t, err.Error(), "disk full")
}

func TestSaleCloneIsDeep(t *testing.T) {
	sale := Sale{Lines: []CartLine{{ProductID: "a", Quantity: 1}}, Payments: []Payment{{Method: MethodCash, Amount: 1}}}
	dup := sale.Clone()
	dup.Lines[0].Quantity = 9
	dup.Payments[0].Amount = 9

	assert.Equal(t, 1, sale.Lines[0].Quantity)
	assert.EqualValues(t, 1, sale.Payments[0].Amount)
}
