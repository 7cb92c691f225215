package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Money
		wantErr bool
	}{
		{name: "Empty", input: "", want: 0},
		{name: "PlainDecimal", input: "32.10", want: 3210},
		{name: "QuebecComma", input: "32,40", want: 3240},
		{name: "ThousandsSpace", input: "1 234,56", want: 123456},
		{name: "TrailingDollar", input: "64.80$", want: 6480},
		{name: "CommaAndDollar", input: "9,35$", want: 935},
		{name: "WholeOnly", input: "49", want: 4900},
		{name: "SingleDecimalDigit", input: "32,4", want: 3240},
		{name: "Negative", input: "-31,50", want: -3150},
		{name: "DotThousandsCommaDecimal", input: "1.234,56", want: 123456},
		{name: "CommaThousandsDotDecimal", input: "1,234.56", want: 123456},
		{name: "Garbage", input: "abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMoney(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMoneyFormatting(t *testing.T) {
	assert.Equal(t, "32.40", Money(3240).String())
	assert.Equal(t, "31,50$", Money(3150).French())
	assert.Equal(t, "-31,50$", Money(-3150).French())
	assert.Equal(t, "0,00$", Money(0).French())
	assert.Equal(t, "0.05", Money(5).String())
	assert.InDelta(t, 32.10, Money(3210).Float(), 1e-9)
}

func TestMoneyFromFloat(t *testing.T) {
	assert.Equal(t, Money(3210), MoneyFromFloat(32.10))
	assert.Equal(t, Money(935), MoneyFromFloat(9.35))
	assert.Equal(t, Money(-3150), MoneyFromFloat(-31.50))
}
