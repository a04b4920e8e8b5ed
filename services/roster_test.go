package services

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tufibra/evidencia/db"
	"github.com/tufibra/evidencia/sheets"
)

type fakeSheetStore struct {
	records map[string][]map[string]string
	err     error
}

func (f *fakeSheetStore) UpsertByKey(sheet, key string, row map[string]string) error { return f.err }
func (f *fakeSheetStore) ReadRecords(sheet string) ([]map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records[sheet], nil
}
func (f *fakeSheetStore) IsPermanent(err error) bool { return false }

func TestParseRoster(t *testing.T) {
	records := []map[string]string{
		{"nombre": "CARLOS", "orden": "2", "activo": "SI"},
		{"nombre": "ANA", "orden": "1"},
		{"nombre": "", "orden": "0"},
		{"nombre": "PEDRO", "activo": "NO"},
		{"nombre": "LUIS", "orden": "bad-number", "alias": "lucho"},
	}

	entries := ParseRoster(records)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	// ANA(1), CARLOS(2), LUIS(position 5); blanks and inactives dropped.
	assert.Equal(t, []string{"ANA", "CARLOS", "LUIS"}, names)
	assert.Equal(t, "lucho", entries[2].Alias)
}

func TestTechniciansFallsBackWhenSheetFails(t *testing.T) {
	svc := NewRosterService(&fakeSheetStore{err: errors.New("quota exceeded")}, time.Minute)
	assert.Equal(t, db.DefaultTechnicians, svc.Technicians())
}

func TestTechniciansFallsBackWhenSheetEmpty(t *testing.T) {
	svc := NewRosterService(&fakeSheetStore{records: map[string][]map[string]string{}}, time.Minute)
	assert.Equal(t, db.DefaultTechnicians, svc.Technicians())
}

func TestTechniciansServesSnapshotUntilStale(t *testing.T) {
	store := &fakeSheetStore{records: map[string][]map[string]string{
		sheets.SheetTecnicos: {{"nombre": "ANA"}, {"nombre": "CARLOS"}},
	}}
	svc := NewRosterService(store, time.Hour)

	assert.Equal(t, []string{"ANA", "CARLOS"}, svc.Technicians())

	// Sheet goes away; the warm snapshot keeps serving.
	store.err = errors.New("network down")
	assert.Equal(t, []string{"ANA", "CARLOS"}, svc.Technicians())
}

func TestTechniciansKeepsStaleSnapshotOnRefreshFailure(t *testing.T) {
	store := &fakeSheetStore{records: map[string][]map[string]string{
		sheets.SheetTecnicos: {{"nombre": "ANA"}},
	}}
	svc := NewRosterService(store, time.Nanosecond)

	assert.Equal(t, []string{"ANA"}, svc.Technicians())
	time.Sleep(time.Millisecond)

	store.err = errors.New("network down")
	// Snapshot is stale and refresh fails: previous names win over fallback.
	assert.Equal(t, []string{"ANA"}, svc.Technicians())
}
