package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// TokenMarker starts every abbreviation token. Type names must not contain it.
const TokenMarker = '~'

var ErrInvalidAbbreviation = errors.New("Invalid type name abbreviation")

// Abbreviation replaces Full with Short in type names sent over the wire.
type Abbreviation struct {
	Full  string
	Short string
}

// DefaultAbbreviations is the table both peers use unless configured
// otherwise. Entries are applied in order, so longer prefixes come first.
// Only ever append to it: reordering or editing entries breaks peers that
// still run the old table.
var DefaultAbbreviations = []Abbreviation{
	{Full: "github.com/luma/tether/rpc.", Short: "~0"},
	{Full: "github.com/luma/tether/service.", Short: "~1"},
	{Full: "github.com/luma/tether/", Short: "~2"},
	{Full: "github.com/", Short: "~3"},
	{Full: "Request", Short: "~4"},
	{Full: "Response", Short: "~5"},
	{Full: "Command", Short: "~6"},
}

// TypeNameCodec shortens long, repetitive type names using a table of
// abbreviations shared by both peers.
//
// Encode is exactly inverted by Decode for every name that does not contain
// TokenMarker. NewTypeNameCodec rejects tables that would break that.
type TypeNameCodec struct {
	table []Abbreviation
}

// NewTypeNameCodec validates table and returns a codec for it.
//
// Every Short must start with TokenMarker, contain no other TokenMarker, be
// unique, and have the same length as every other Short. Every Full must be
// non-empty and must not contain TokenMarker or any character that follows
// the marker in a Short, otherwise a Full could match across a token that an
// earlier entry produced.
func NewTypeNameCodec(table []Abbreviation) (*TypeNameCodec, error) {
	seen := make(map[string]struct{}, len(table))
	tokenLen := -1

	var tails strings.Builder
	for _, a := range table {
		if len(a.Short) > 1 {
			tails.WriteString(a.Short[1:])
		}
	}

	for i, a := range table {
		if a.Full == "" || strings.ContainsRune(a.Full, TokenMarker) || strings.ContainsAny(a.Full, tails.String()) {
			return nil, fmt.Errorf("Entry %d full name %q: %w", i, a.Full, ErrInvalidAbbreviation)
		}

		if len(a.Short) < 2 || a.Short[0] != TokenMarker || strings.ContainsRune(a.Short[1:], TokenMarker) {
			return nil, fmt.Errorf("Entry %d token %q: %w", i, a.Short, ErrInvalidAbbreviation)
		}

		if tokenLen == -1 {
			tokenLen = len(a.Short)
		} else if len(a.Short) != tokenLen {
			return nil, fmt.Errorf("Entry %d token %q has a different length: %w", i, a.Short, ErrInvalidAbbreviation)
		}

		if _, ok := seen[a.Short]; ok {
			return nil, fmt.Errorf("Entry %d token %q is duplicated: %w", i, a.Short, ErrInvalidAbbreviation)
		}
		seen[a.Short] = struct{}{}
	}

	return &TypeNameCodec{table: append([]Abbreviation(nil), table...)}, nil
}

// MustTypeNameCodec is like NewTypeNameCodec but panics on an invalid table.
func MustTypeNameCodec(table []Abbreviation) *TypeNameCodec {
	c, err := NewTypeNameCodec(table)
	if err != nil {
		panic(err)
	}

	return c
}

// Table returns a copy of the abbreviation table.
func (c *TypeNameCodec) Table() []Abbreviation {
	return append([]Abbreviation(nil), c.table...)
}

// Encode abbreviates name.
func (c *TypeNameCodec) Encode(name string) string {
	for _, a := range c.table {
		name = strings.ReplaceAll(name, a.Full, a.Short)
	}

	return name
}

// Decode expands an abbreviated name. Tokens are expanded in the reverse of
// the order Encode applied them.
func (c *TypeNameCodec) Decode(name string) string {
	if !strings.ContainsRune(name, TokenMarker) {
		return name
	}

	for i := len(c.table) - 1; i >= 0; i-- {
		name = strings.ReplaceAll(name, c.table[i].Short, c.table[i].Full)
	}

	return name
}
