package sheets

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestColLetters(t *testing.T) {
	tests := []struct {
		col  int
		want string
	}{
		{1, "A"},
		{2, "B"},
		{26, "Z"},
		{27, "AA"},
		{28, "AB"},
		{52, "AZ"},
		{53, "BA"},
		{702, "ZZ"},
		{703, "AAA"},
	}
	for _, tt := range tests {
		if got := colLetters(tt.col); got != tt.want {
			t.Errorf("colLetters(%d) = %s, want %s", tt.col, got, tt.want)
		}
	}
}

func TestRowRange(t *testing.T) {
	assert.Equal(t, "CASOS!A7:W7", rowRange(SheetCasos, len(CasosColumns), 7))
	assert.Equal(t, "TECNICOS!A2:D2", rowRange(SheetTecnicos, len(TecnicosColumns), 2))
}

func TestDedupeKeyFromRow(t *testing.T) {
	row := map[string]string{"case_id": "41", "paso_numero": "7", "attempt": "2"}
	assert.Equal(t, "41|7|2", dedupeKeyFromRow(row, KeyColumns[SheetDetallePasos]))

	// An all-blank row has no key, even though the separator would survive a join.
	blank := map[string]string{"case_id": "", "paso_numero": " ", "attempt": ""}
	assert.Equal(t, "", dedupeKeyFromRow(blank, KeyColumns[SheetDetallePasos]))
}

func TestCheckHeaders(t *testing.T) {
	// Extra columns are fine; order does not matter.
	headers := append([]string{"extra"}, TecnicosColumns...)
	assert.NoError(t, checkHeaders(SheetTecnicos, headers, TecnicosColumns))

	err := checkHeaders(SheetTecnicos, []string{"nombre", "alias"}, TecnicosColumns)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestBuildIndex(t *testing.T) {
	values := [][]string{
		{"case_id", "paso_numero", "attempt", "estado_paso"},
		{"41", "7", "1", "REJECTED"},
		{"41", "7", "2", "DONE"},
		{"", "", "", ""},
		{"42", "5", "1", "DONE"},
	}

	idx, err := buildIndex(SheetDetallePasos, values, KeyColumns[SheetDetallePasos])
	require.NoError(t, err)

	// Rows are 1-based and include the header.
	assert.Equal(t, 2, idx["41|7|1"])
	assert.Equal(t, 3, idx["41|7|2"])
	assert.Equal(t, 5, idx["42|5|1"])
	assert.Len(t, idx, 3)
}

func TestBuildIndexMissingKeyColumn(t *testing.T) {
	values := [][]string{{"some_col"}, {"x"}}
	_, err := buildIndex(SheetCasos, values, KeyColumns[SheetCasos])
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"missing column", ErrMissingColumn, true},
		{"wrapped missing column", errors.Join(errors.New("ctx"), ErrMissingColumn), true},
		{"api 403", &googleapi.Error{Code: 403}, true},
		{"api 404", &googleapi.Error{Code: 404}, true},
		{"api 429 is transient", &googleapi.Error{Code: 429}, false},
		{"api 500 is transient", &googleapi.Error{Code: 500}, false},
		{"worksheet not found", errors.New("requested sheet not found"), true},
		{"invalid credentials", errors.New("oauth2: invalid client credentials"), true},
		{"permission denied", errors.New("the caller does not have permission"), true},
		{"plain network error", errors.New("connection reset by peer"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultClassifier(tt.err))
		})
	}
}
