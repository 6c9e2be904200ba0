package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/engine"
)

// EventLogWriter writes envelopes and journals to Postgres using multi-row
// INSERT with ON CONFLICT DO NOTHING, so recovery replay can re-emit already
// persisted outputs without corrupting the log.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events.
type EventRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Tier           *string
	Payload        []byte // JSON-encoded source command
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal. Ordinal is the row's
// position within its batch; (Sequence, Ordinal) is the dedup key, since
// JournalID is minted fresh every time a batch is generated and would never
// collide on replay.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	Ordinal       int32
	DebitAccount  string
	CreditAccount string
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

// execer is satisfied by both *sql.DB and *sql.Tx so batches can be written
// inside the worker's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput converts one core output into its storage rows.
func RowsFromOutput(out engine.Output) (EventRow, []JournalRow) {
	env := out.Envelope

	eventRow := EventRow{
		Sequence:       env.Sequence,
		CommandType:    env.Type.String(),
		IdempotencyKey: env.IdempotencyKey,
		Tier:           env.TierName,
		Payload:        MarshalPayload(out.Command),
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}

	var journalRows []JournalRow
	if out.Batch != nil {
		journalRows = make([]JournalRow, 0, len(out.Batch.Journals))
		for i, j := range out.Batch.Journals {
			journalRows = append(journalRows, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				Ordinal:       int32(i),
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}

	return eventRow, journalRows
}

// WriteEventBatch writes a batch of envelopes to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, command_type, idempotency_key, tier, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.CommandType, e.IdempotencyKey, e.Tier,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, ordinal, debit_account, credit_account, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.Ordinal,
			j.DebitAccount, j.CreditAccount, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence, ordinal) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
