package iso7816

import (
	"fmt"
	"log/slog"
)

// TRANSACTION:
// One Command APDU sent by the terminal and the Response APDU the card sent back.
//
// TRACE:
// The transactions of one logical operation, in order. A single intent may
// take several exchanges:
// 1. "61 XX": the card holds XX more bytes, fetched with GET RESPONSE.
// 2. "6C XX": the command is re-sent with Le = XX.
// 3. "91 AF": a DESFire native command continues over additional frames.
//
// IsSuccess() looks at the final outcome only.

// Transaction represents a completed Command-Response pair.
type Transaction struct {
	Command  *CommandAPDU
	Response *ResponseAPDU
}

// IsSuccess checks if the transaction ended with a successful status.
// It returns false if the response is missing.
func (t *Transaction) IsSuccess() bool {
	if t.Response == nil {
		return false
	}
	return t.Response.Status.IsSuccess()
}

// Trace is a sequence of transactions (Command-Response pairs).
// It represents the full history of a logical exchange (including 61xx/6Cxx retries).
type Trace []Transaction

// Last returns the final transaction of the trace.
// Returns nil if the trace is empty.
func (t Trace) Last() *Transaction {
	if len(t) == 0 {
		return nil
	}
	return &t[len(t)-1]
}

// IsSuccess checks if the FINAL transaction in the trace was successful.
// This determines if the overall logical operation succeeded, regardless of
// intermediate warnings (like 61XX) in previous transactions.
func (t Trace) IsSuccess() bool {
	last := t.Last()
	if last == nil {
		return false
	}
	return last.IsSuccess()
}

// LogValue summarizes the trace for structured logs.
func (t Trace) LogValue() slog.Value {
	attrs := []slog.Attr{slog.Int("exchanges", len(t))}
	if last := t.Last(); last != nil && last.Response != nil {
		attrs = append(attrs, slog.String("last_sw", fmt.Sprintf("%04X", uint16(last.Response.Status))))
	}
	return slog.GroupValue(attrs...)
}
