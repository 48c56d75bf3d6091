package postgres

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromDecimal converts a decimal into a pgtype.Numeric value.
func numericFromDecimal(value decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if err := out.Scan(value.String()); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", value.String(), err)
	}
	return out, nil
}

// numericFromOptional converts an optional decimal into a pgtype.Numeric; nil maps to SQL NULL.
func numericFromOptional(ptr *decimal.Decimal) (pgtype.Numeric, error) {
	if ptr == nil {
		return pgtype.Numeric{}, nil
	}
	return numericFromDecimal(*ptr)
}

// decimalFromText parses a numeric column selected as text.
func decimalFromText(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("numeric value required")
	}
	out, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", trimmed, err)
	}
	return out, nil
}

// decimalFromNullable parses an optional numeric column selected as text.
func decimalFromNullable(value sql.NullString) (*decimal.Decimal, error) {
	if !value.Valid {
		return nil, nil
	}
	out, err := decimalFromText(value.String)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
