/*
Package parse turns a free-text item reference into its structured parts.

PURPOSE:
  Legacy usage records encode a product code and an optional lot code in a
  single text column, e.g. "17612 - 250300" or just "17612". This package
  owns that grammar and nothing else: no I/O, no database, no shared state.
  The same input always produces the same Result.

GRAMMAR:
  reference  = product-code
             | product-code separator lot-code
  separator  = "-" with optional whitespace on either side

  Both codes are non-empty runs of non-separator characters. A reference
  containing more than one "-" is rejected: the legacy data never used
  hyphens inside codes, so a second one always means a mangled row.

INVALID INPUT IS DATA, NOT A FAILURE:
  An unparseable reference yields Result{Valid: false, Reason: ...} rather
  than an error. Callers decide what to do with bad rows; this package only
  reports what it saw.

USAGE:
  res := parse.ItemRef("17612 - 250300")
  if !res.Valid {
      // skip and log res.Reason
  }
  // res.Base == "17612", res.HasSub == true, res.Sub == "250300"
*/
package parse

import "strings"

// Result is the outcome of parsing one item reference. Exactly one of the
// two cases holds: Valid with Base (and optionally Sub), or invalid with
// Reason set and everything else zero.
type Result struct {
	Base   string
	Sub    string
	HasSub bool
	Valid  bool
	Reason string
}

// ItemRef parses a raw item reference.
func ItemRef(raw string) Result {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return invalid("empty reference")
	}

	switch strings.Count(trimmed, "-") {
	case 0:
		if strings.ContainsAny(trimmed, " \t") {
			return invalid("embedded whitespace in code")
		}
		return Result{Base: trimmed, Valid: true}
	case 1:
		base, sub, _ := strings.Cut(trimmed, "-")
		base = strings.TrimSpace(base)
		sub = strings.TrimSpace(sub)
		if base == "" {
			return invalid("missing product code before separator")
		}
		if sub == "" {
			return invalid("missing lot code after separator")
		}
		if strings.ContainsAny(base, " \t") || strings.ContainsAny(sub, " \t") {
			return invalid("embedded whitespace in code")
		}
		return Result{Base: base, Sub: sub, HasSub: true, Valid: true}
	default:
		return invalid("more than one separator")
	}
}

func invalid(reason string) Result {
	return Result{Reason: reason}
}
