package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames(t *testing.T) {
	assert.Equal(t, "order_O1", Order("O1"))
	assert.Equal(t, "kiosk_payment_K1", KioskPayment("K1"))

	// deterministic
	assert.Equal(t, Order("42"), Order("42"))
	assert.Equal(t, KioskPayment("dev-7"), KioskPayment("dev-7"))
}

func TestNoCollision(t *testing.T) {
	ids := []string{"", "1", "2", "O1", "payment_1", "kiosk_payment_1", "order_1"}

	seen := make(map[string]string)
	for _, id := range ids {
		for kind, name := range map[string]string{"order": Order(id), "kiosk": KioskPayment(id)} {
			key := kind + ":" + id
			if prev, ok := seen[name]; ok {
				t.Fatalf("topic %q produced by both %s and %s", name, prev, key)
			}
			seen[name] = key
		}
	}

	assert.NotEqual(t, Order("1"), Order("2"))
	assert.NotEqual(t, Order("1"), KioskPayment("1"))
}

func TestExtractIDs(t *testing.T) {
	id, ok := OrderID(Order("O-99"))
	require.True(t, ok)
	assert.Equal(t, "O-99", id)

	_, ok = OrderID(KioskPayment("K1"))
	assert.False(t, ok)

	dev, ok := DeviceID(KioskPayment("K1"))
	require.True(t, ok)
	assert.Equal(t, "K1", dev)

	_, ok = DeviceID(Order("K1"))
	assert.False(t, ok)
}

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		pattern string
		wantErr error
	}{
		{"order_1", nil},
		{"#", nil},
		{"+", nil},
		{"kiosk/+/payment", nil},
		{"kiosk/#", nil},
		{"", ErrEmptyPattern},
		{"kiosk/#/payment", ErrInvalidWildcard},
		{"kiosk+", ErrInvalidWildcard},
		{"order_#", ErrInvalidWildcard},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			err := ValidatePattern(tt.pattern)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateTopic(t *testing.T) {
	assert.NoError(t, ValidateTopic(Order("1")))
	assert.ErrorIs(t, ValidateTopic(""), ErrEmptyPattern)
	assert.ErrorIs(t, ValidateTopic("a/+"), ErrInvalidCharacter)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"order_1", "order_1", true},
		{"order_1", "order_10", false},
		{"#", "order_1", true},
		{"#", "a/b/c", true},
		{"+", "order_1", true},
		{"+", "a/b", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/#", "a", true},
		{"a/#", "a/b/c", true},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
		{"#", "$SYS/uptime", false},
		{"+/uptime", "$SYS/uptime", false},
		{"$SYS/#", "$SYS/uptime", true},
		{"", "order_1", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.topic))
		})
	}
}
