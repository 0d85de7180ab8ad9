package store

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/saaga0h/mqtt-explorer/internal/message"
)

// Export formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ErrUnknownFormat is returned for export formats other than json and csv
var ErrUnknownFormat = errors.New("unknown export format")

var csvHeader = []string{"id", "timestamp", "topic", "payload", "qos", "retain"}

// Export writes the messages matching f to w. JSON is a pretty-printed array;
// CSV has a header row and doubles embedded quotes.
func Export(ctx context.Context, s Store, w io.Writer, format string, f Filter) error {
	if format != FormatJSON && format != FormatCSV {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	if f.OrderDirection == "" {
		f.OrderDirection = OrderAsc
	}
	msgs, err := s.Query(ctx, f)
	if err != nil {
		return fmt.Errorf("failed to query messages for export: %w", err)
	}

	if format == FormatJSON {
		return exportJSON(w, msgs)
	}
	return exportCSV(w, msgs)
}

func exportJSON(w io.Writer, msgs []message.Message) error {
	if msgs == nil {
		msgs = []message.Message{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(msgs); err != nil {
		return fmt.Errorf("failed to encode JSON export: %w", err)
	}
	return nil
}

func exportCSV(w io.Writer, msgs []message.Message) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, m := range msgs {
		record := []string{
			m.ID,
			strconv.FormatInt(m.Timestamp, 10),
			m.Topic,
			m.Payload,
			strconv.Itoa(int(m.QoS)),
			strconv.FormatBool(m.Retain),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record %s: %w", m.ID, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV export: %w", err)
	}
	return nil
}
