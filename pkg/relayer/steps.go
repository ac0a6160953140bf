package relayer

import (
	"strings"
	"time"

	"github.com/chainsafe/transfer-relay/pkg/queue"
	"github.com/chainsafe/transfer-relay/pkg/transfer"
)

// Task kinds. A kind names the step a task runs; the handler still decides
// what to do from the persisted record.
const (
	KindValidate   = "validate"
	KindRecheckBid = "recheck_bid"
	KindSubmit     = "submit"
	KindConfirm    = "confirm"
)

const retrySuffix = "/retry"

// retryKind marks a step being retried after a transient error. The queue
// resets a task's attempts when its kind changes, so attempts on a retry
// kind count consecutive transient failures of the step.
func retryKind(kind string) string {
	if isRetry(kind) {
		return kind
	}
	return kind + retrySuffix
}

func isRetry(kind string) bool {
	return strings.HasSuffix(kind, retrySuffix)
}

// StepFor returns the queue and kind that advance rec from its current
// state. It reports false for terminal records.
func StepFor(rec *transfer.Record) (queue.Name, string, bool) {
	switch rec.State {
	case transfer.StateReceived:
		return queue.Transfers, KindValidate, true
	case transfer.StateBidValidated, transfer.StateSourceConfirmed:
		return queue.Transactions, KindSubmit, true
	case transfer.StateSourceSubmitted, transfer.StateDestinationSubmitted:
		return queue.Transactions, KindConfirm, true
	default:
		return "", "", false
	}
}

// TaskFor builds the task that resumes rec, due at runAt
func TaskFor(rec *transfer.Record, runAt time.Time) (queue.Task, bool) {
	q, kind, ok := StepFor(rec)
	if !ok {
		return queue.Task{}, false
	}
	return queue.NewTask(q, rec.TransferID, kind, runAt), true
}

func submittedState(kind transfer.LegKind) transfer.State {
	if kind == transfer.LegDestination {
		return transfer.StateDestinationSubmitted
	}
	return transfer.StateSourceSubmitted
}

func confirmedState(kind transfer.LegKind) transfer.State {
	if kind == transfer.LegDestination {
		return transfer.StateDestinationConfirmed
	}
	return transfer.StateSourceConfirmed
}
