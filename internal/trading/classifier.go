// Package trading implements the position lifecycle core: error
// classification, bounded-retry submission, trade-index resolution,
// protective-order planning, and the idempotency guard.
package trading

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/calebmoy/perpagent/internal/platform/ostium"
)

// Kind is the four-way classification every raw venue failure is
// normalized into before any retry or idempotency decision is made.
type Kind int

const (
	// KindTransient covers connection-level symptoms that occurred
	// before the venue's contract processed the call. Only these are
	// safe to retry.
	KindTransient Kind = iota
	// KindAlreadySettled is the venue saying the position does not
	// exist or was already closed. Treated as idempotent success.
	KindAlreadySettled
	// KindInsufficientFunds means the signing agent cannot pay
	// transaction fees. Terminal but actionable.
	KindInsufficientFunds
	// KindTerminal is everything else: bad parameters or a
	// business-rule rejection, surfaced verbatim and never retried.
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAlreadySettled:
		return "already_settled"
	case KindInsufficientFunds:
		return "insufficient_funds"
	default:
		return "terminal"
	}
}

// Classification is the normalized outcome of one raw failure.
type Classification struct {
	Kind   Kind
	Code   string // revert selector or symptom tag when known
	Detail string
}

// Revert selectors the venue contract is known to emit.
const (
	// selectorNoOpenPosition covers NoOpenPosition and
	// PositionAlreadyClosed: the close already happened.
	selectorNoOpenPosition = "0xf77a8069"
)

// transientSymptoms is the fixed vocabulary of connectivity faults.
// These occur at or before connection establishment, so no state can
// have reached the venue.
var transientSymptoms = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
	"deadline exceeded",
	"no such host",
	"network is unreachable",
	"tls handshake",
	"eof",
	"502 bad gateway",
	"503 service unavailable",
}

// Classify normalizes a raw failure from the venue client into one
// tagged outcome. It handles wrapped native errors, go-ethereum RPC
// errors carrying revert data, and stringly HTTP error bodies the same
// way.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindTerminal, Detail: "no error"}
	}

	// A failure after the node accepted the transaction is never
	// retryable, even when the underlying cause looks like a timeout:
	// the transaction may still mine, and resubmitting would duplicate
	// it. This check must run before any connectivity heuristics.
	var accepted *ostium.AcceptedTxError
	if errors.As(err, &accepted) {
		return Classification{Kind: KindTerminal, Code: "tx_accepted", Detail: err.Error()}
	}

	// Structured revert data from the RPC layer wins over any string
	// heuristics.
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := dataErr.ErrorData().(string); ok && data != "" {
			selector := data
			if len(selector) > 10 {
				selector = selector[:10]
			}
			if strings.EqualFold(selector, selectorNoOpenPosition) {
				return Classification{Kind: KindAlreadySettled, Code: selectorNoOpenPosition, Detail: err.Error()}
			}
			return Classification{Kind: KindTerminal, Code: strings.ToLower(selector), Detail: err.Error()}
		}
	}

	msg := strings.ToLower(err.Error())

	// The already-closed selector can also arrive embedded in an error
	// string when the RPC layer flattened the revert payload.
	if strings.Contains(msg, selectorNoOpenPosition) {
		return Classification{Kind: KindAlreadySettled, Code: selectorNoOpenPosition, Detail: err.Error()}
	}

	if strings.Contains(msg, "insufficient funds") {
		return Classification{Kind: KindInsufficientFunds, Code: "insufficient_funds", Detail: err.Error()}
	}

	// Native error chain checks before string matching.
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF):
		return Classification{Kind: KindTransient, Code: "net", Detail: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{Kind: KindTransient, Code: "net_timeout", Detail: err.Error()}
	}

	for _, symptom := range transientSymptoms {
		if strings.Contains(msg, symptom) {
			return Classification{Kind: KindTransient, Code: "net", Detail: err.Error()}
		}
	}

	return Classification{Kind: KindTerminal, Detail: err.Error()}
}
