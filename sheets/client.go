// Package sheets adapts the operations spreadsheet to an upsert-by-key store.
// Row positions are a private concern of this package: callers address rows
// only by their natural dedupe key.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"
)

// Store is the surface the outbox worker and cache refreshers consume.
type Store interface {
	// UpsertByKey writes row into sheet, updating in place when the key is
	// already present and appending otherwise.
	UpsertByKey(sheet, key string, row map[string]string) error
	// ReadRecords returns all data rows of a sheet as header->value maps.
	ReadRecords(sheet string) ([]map[string]string, error)
	// IsPermanent classifies an error from this store as unrecoverable.
	IsPermanent(err error) bool
}

// ErrMissingColumn marks a header-contract violation; always permanent.
var ErrMissingColumn = errors.New("missing required column")

// ErrorClassifier decides whether an error is permanent (never retried).
type ErrorClassifier func(error) bool

// Client is the Google Sheets implementation of Store. It keeps one
// in-memory row index per sheet (dedupe key -> 1-based row), built at startup
// and maintained on every successful append. Single active writer assumed.
type Client struct {
	svc           *sheetsapi.Service
	spreadsheetID string
	classify      ErrorClassifier

	mu      sync.Mutex
	indexes map[string]map[string]int
}

// NewClient builds a Sheets client from a service-account credentials file.
func NewClient(ctx context.Context, credsFile, spreadsheetID string) (*Client, error) {
	if spreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is required")
	}
	svc, err := sheetsapi.NewService(ctx,
		option.WithCredentialsFile(credsFile),
		option.WithScopes(sheetsapi.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		classify:      DefaultClassifier,
		indexes:       make(map[string]map[string]int),
	}, nil
}

// SetClassifier overrides the permanent-error policy.
func (c *Client) SetClassifier(f ErrorClassifier) {
	if f != nil {
		c.classify = f
	}
}

// Init validates the header contract of every known sheet and builds the row
// indexes. Returns the first hard failure; the caller decides whether to run
// without the spreadsheet.
func (c *Client) Init() error {
	for sheet, cols := range Columns {
		values, err := c.readAll(sheet)
		if err != nil {
			return fmt.Errorf("failed to read sheet %s: %w", sheet, err)
		}
		if len(values) == 0 {
			// Brand new worksheet: seed the header row.
			if err := c.appendRow(sheet, toInterfaces(cols)); err != nil {
				return fmt.Errorf("failed to seed headers of %s: %w", sheet, err)
			}
			c.setIndex(sheet, map[string]int{})
			continue
		}
		if err := checkHeaders(sheet, values[0], cols); err != nil {
			return err
		}
		idx, err := buildIndex(sheet, values, KeyColumns[sheet])
		if err != nil {
			return err
		}
		c.setIndex(sheet, idx)
		log.Printf("Sheets: indexed %s (%d keyed rows)", sheet, len(idx))
	}
	return nil
}

// UpsertByKey implements Store.
func (c *Client) UpsertByKey(sheet, key string, row map[string]string) error {
	cols, ok := Columns[sheet]
	if !ok {
		return fmt.Errorf("%w: unknown sheet %s", ErrMissingColumn, sheet)
	}

	values := make([]interface{}, len(cols))
	for i, col := range cols {
		values[i] = row[col]
	}

	c.mu.Lock()
	idx := c.indexes[sheet]
	rowNum, exists := 0, false
	if idx != nil {
		rowNum, exists = idx[key]
	}
	c.mu.Unlock()

	if exists {
		vr := &sheetsapi.ValueRange{Values: [][]interface{}{values}}
		_, err := c.svc.Spreadsheets.Values.
			Update(c.spreadsheetID, rowRange(sheet, len(cols), rowNum), vr).
			ValueInputOption("RAW").Do()
		if err != nil {
			return fmt.Errorf("failed to update %s row %d: %w", sheet, rowNum, err)
		}
		return nil
	}

	if err := c.appendRow(sheet, values); err != nil {
		return fmt.Errorf("failed to append to %s: %w", sheet, err)
	}

	// The appended row is the new last row; record it so a later upsert of
	// the same key updates in place.
	all, err := c.readAll(sheet)
	if err != nil {
		return fmt.Errorf("failed to re-read %s after append: %w", sheet, err)
	}
	c.mu.Lock()
	if c.indexes[sheet] == nil {
		c.indexes[sheet] = map[string]int{}
	}
	c.indexes[sheet][key] = len(all)
	c.mu.Unlock()
	return nil
}

// ReadRecords implements Store.
func (c *Client) ReadRecords(sheet string) ([]map[string]string, error) {
	values, err := c.readAll(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
	}
	if len(values) < 2 {
		return nil, nil
	}
	headers := values[0]
	records := make([]map[string]string, 0, len(values)-1)
	for _, raw := range values[1:] {
		rec := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(raw) {
				rec[h] = raw[i]
			} else {
				rec[h] = ""
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// IsPermanent implements Store.
func (c *Client) IsPermanent(err error) bool {
	return c.classify(err)
}

func (c *Client) setIndex(sheet string, idx map[string]int) {
	c.mu.Lock()
	c.indexes[sheet] = idx
	c.mu.Unlock()
}

func (c *Client) readAll(sheet string) ([][]string, error) {
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, sheet).Do()
	if err != nil {
		return nil, err
	}
	out := make([][]string, 0, len(resp.Values))
	for _, raw := range resp.Values {
		row := make([]string, len(raw))
		for i, cell := range raw {
			row[i] = fmt.Sprint(cell)
		}
		out = append(out, row)
	}
	return out, nil
}

func (c *Client) appendRow(sheet string, values []interface{}) error {
	vr := &sheetsapi.ValueRange{Values: [][]interface{}{values}}
	_, err := c.svc.Spreadsheets.Values.
		Append(c.spreadsheetID, sheet, vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").Do()
	return err
}

// checkHeaders verifies every contract column exists in the live header row.
func checkHeaders(sheet string, headers, expected []string) error {
	have := make(map[string]bool, len(headers))
	for _, h := range headers {
		have[h] = true
	}
	for _, col := range expected {
		if !have[col] {
			return fmt.Errorf("%w: '%s' in sheet %s", ErrMissingColumn, col, sheet)
		}
	}
	return nil
}

// buildIndex maps each data row's dedupe key to its 1-based row number.
func buildIndex(sheet string, values [][]string, keyCols []string) (map[string]int, error) {
	headers := values[0]
	colIdx := make(map[string]int, len(headers))
	for i, h := range headers {
		colIdx[h] = i
	}
	for _, c := range keyCols {
		if _, ok := colIdx[c]; !ok {
			return nil, fmt.Errorf("%w: key column '%s' in sheet %s", ErrMissingColumn, c, sheet)
		}
	}

	idx := make(map[string]int)
	for r := 2; r <= len(values); r++ {
		row := values[r-1]
		parts := make([]string, 0, len(keyCols))
		for _, c := range keyCols {
			i := colIdx[c]
			if i < len(row) {
				parts = append(parts, strings.TrimSpace(row[i]))
			} else {
				parts = append(parts, "")
			}
		}
		// Blank rows carry no key and must never be indexed.
		if key := joinKeyParts(parts); key != "" {
			idx[key] = r
		}
	}
	return idx, nil
}

// DefaultClassifier marks schema, credential and permission failures as
// permanent. Everything else (network, rate limit, unknown) is retried.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMissingColumn) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 400, 401, 403, 404:
			return true
		}
		return false
	}
	low := strings.ToLower(err.Error())
	if strings.Contains(low, "not found") && strings.Contains(low, "sheet") {
		return true
	}
	if strings.Contains(low, "invalid") && strings.Contains(low, "credentials") {
		return true
	}
	if strings.Contains(low, "permission") || strings.Contains(low, "insufficient") {
		return true
	}
	return false
}

func toInterfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
