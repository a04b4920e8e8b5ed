package services

import (
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tufibra/evidencia/db"
)

func TestValidatePairing(t *testing.T) {
	now := time.Now()
	fresh := func() *db.PairingToken {
		return &db.PairingToken{
			Code:      "ABC234",
			Purpose:   db.PairingEvidence,
			ExpiresAt: now.Add(10 * time.Minute),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*db.PairingToken)
		purpose db.PairingPurpose
		at      time.Time
		wantErr error
	}{
		{"valid token", func(tok *db.PairingToken) {}, db.PairingEvidence, now, nil},
		{"used token", func(tok *db.PairingToken) { tok.Used = true }, db.PairingEvidence, now, ErrPairingUsed},
		{"expired token", func(tok *db.PairingToken) {}, db.PairingEvidence, now.Add(11 * time.Minute), ErrPairingExpired},
		{"purpose mismatch", func(tok *db.PairingToken) {}, db.PairingSummary, now, ErrPairingPurpose},
		// used wins over expired: the reply must not suggest regenerating
		{"used and expired", func(tok *db.PairingToken) { tok.Used = true }, db.PairingEvidence, now.Add(time.Hour), ErrPairingUsed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := fresh()
			tt.mutate(tok)
			err := ValidatePairing(tok, tt.purpose, tt.at)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestGeneratePairingCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := generatePairingCode()
		require.NoError(t, err)
		assert.Len(t, code, pairingCodeLen)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(pairingCodeAlphabet, r),
				"code %q contains %q outside the alphabet", code, r)
		}
		seen[code] = true
	}
	// 50 draws from a 31^6 space colliding would mean a broken generator.
	assert.Greater(t, len(seen), 45)
}

func TestLoadStaticFallback(t *testing.T) {
	svc := NewRoutingService(nil, 0, 0)

	err := svc.LoadStaticFallback(`{"-100123": {"evidencias": -100456, "resumen": -100789}}`)
	require.NoError(t, err)

	evid, sum, err := svc.ResolveDestinations(-100123)
	require.NoError(t, err)
	assert.Equal(t, int64(-100456), evid)
	assert.Equal(t, int64(-100789), sum)

	_, _, err = svc.ResolveDestinations(-1)
	assert.ErrorIs(t, err, ErrRoutingNotFound)
}

func TestLoadStaticFallbackRejectsBadPayload(t *testing.T) {
	svc := NewRoutingService(nil, 0, 0)
	assert.Error(t, svc.LoadStaticFallback(`{"not-a-chat-id": {}}`))
	assert.Error(t, svc.LoadStaticFallback(`{broken`))
	assert.NoError(t, svc.LoadStaticFallback(""))
}

func TestResolveDestinationsQueriesDatabaseOnColdCache(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	svc := NewRoutingService(pg, 0, 0)
	require.NoError(t, svc.LoadStaticFallback(`{"-100123": {"evidencias": -1, "resumen": -2}}`))

	cols := []string{"origin_chat_id", "evidence_chat_id", "summary_chat_id", "alias", "is_active", "updated_by", "updated_at"}
	mock.ExpectQuery("SELECT (.+) FROM routing_entries").
		WithArgs(int64(-100123)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(-100123), int64(-100456), int64(-100789), "norte", true, int64(9), time.Now()))

	evid, sum, err := svc.ResolveDestinations(-100123)
	require.NoError(t, err)
	assert.Equal(t, int64(-100456), evid)
	assert.Equal(t, int64(-100789), sum)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveDestinationsPrefersCachedSnapshot(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	svc := NewRoutingService(pg, 0, 0)

	cols := []string{"origin_chat_id", "evidence_chat_id", "summary_chat_id", "alias", "is_active", "updated_by", "updated_at"}
	mock.ExpectQuery("SELECT (.+) FROM routing_entries").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(-100123), int64(-100456), int64(-100789), "norte", true, int64(9), time.Now()))
	require.NoError(t, svc.RefreshCache())

	// No further query expected: the snapshot answers directly.
	evid, sum, err := svc.ResolveDestinations(-100123)
	require.NoError(t, err)
	assert.Equal(t, int64(-100456), evid)
	assert.Equal(t, int64(-100789), sum)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumePairingUnknownCode(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	svc := NewRoutingService(pg, 0, 0)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM pairing_tokens").
		WithArgs("ZZZZZZ").
		WillReturnRows(sqlmock.NewRows([]string{"id", "origin_chat_id", "purpose", "expires_at", "used"}))
	mock.ExpectRollback()

	_, err = svc.ConsumePairing("ZZZZZZ", db.PairingEvidence, -5, 9)
	assert.ErrorIs(t, err, ErrPairingUnknown)
}
