package deployment

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/beam/internal/config"
)

func mustRecord(t *testing.T, name string, ft FileType, u Update, reasons ...Reason) ChangeRecord {
	t.Helper()
	rec, err := NewChangeRecord(name, ft, u, reasons...)
	require.NoError(t, err)
	return rec
}

func TestNewChangeRecord_Invariants(t *testing.T) {
	tests := []struct {
		name    string
		rec     ChangeRecord
		wantErr string
	}{
		{
			name:    "missing filename",
			rec:     ChangeRecord{FileType: FileTypeFile, Update: UpdateSent, Reasons: []Reason{ReasonNew}},
			wantErr: "filename is required",
		},
		{
			name:    "unknown filetype",
			rec:     ChangeRecord{Filename: "a", FileType: "socket", Update: UpdateSent, Reasons: []Reason{ReasonNew}},
			wantErr: `filetype "socket" is not valid`,
		},
		{
			name:    "unknown update",
			rec:     ChangeRecord{Filename: "a", FileType: FileTypeFile, Update: "moved", Reasons: []Reason{ReasonNew}},
			wantErr: `update "moved" is not valid`,
		},
		{
			name:    "no reasons",
			rec:     ChangeRecord{Filename: "a", FileType: FileTypeFile, Update: UpdateSent},
			wantErr: "at least one reason is required",
		},
		{
			name:    "unknown reason",
			rec:     ChangeRecord{Filename: "a", FileType: FileTypeFile, Update: UpdateSent, Reasons: []Reason{"mood"}},
			wantErr: `reason "mood" is not valid`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChangeRecord(tt.rec.Filename, tt.rec.FileType, tt.rec.Update, tt.rec.Reasons...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestChangeRecord_WrapsInvalidValue(t *testing.T) {
	_, err := NewChangeRecord("a", FileTypeFile, "moved", ReasonNew)
	var invalid *config.InvalidValueError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "update", invalid.Field)
	assert.Len(t, invalid.Allowed, 6)
}

func TestResult_CountByUpdateSumsToLen(t *testing.T) {
	records := []ChangeRecord{
		mustRecord(t, "a.php", FileTypeFile, UpdateSent, ReasonChecksum),
		mustRecord(t, "b.php", FileTypeFile, UpdateSent, ReasonNew),
		mustRecord(t, "old.php", FileTypeFile, UpdateDeleted, ReasonMissing),
		mustRecord(t, "assets/", FileTypeDirectory, UpdateCreated, ReasonNew),
		mustRecord(t, "link", FileTypeSymlink, UpdateLink, ReasonNew),
		mustRecord(t, "conf", FileTypeFile, UpdateAttributes, ReasonPermissions, ReasonOwner),
		mustRecord(t, "pulled", FileTypeFile, UpdateReceived, ReasonSize, ReasonTime),
	}

	result, err := NewResult(records)
	require.NoError(t, err)

	counts := result.CountByUpdate()
	require.Len(t, counts, len(Updates))

	total := 0
	for _, u := range Updates {
		total += counts[u]
	}
	assert.Equal(t, result.Len(), total)
	assert.Equal(t, 2, counts[UpdateSent])
	assert.Equal(t, 1, result.UpdateCount(UpdateDeleted))
}

func TestResult_NilIsEmpty(t *testing.T) {
	var r *Result
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Filenames())
	for _, n := range r.CountByUpdate() {
		assert.Zero(t, n)
	}
}

func TestResult_IsImmutable(t *testing.T) {
	records := []ChangeRecord{mustRecord(t, "a", FileTypeFile, UpdateSent, ReasonNew)}
	result, err := NewResult(records)
	require.NoError(t, err)

	records[0].Filename = "changed"
	out := result.Records()
	out[0].Reasons[0] = ReasonForced

	assert.Equal(t, "a", result.At(0).Filename)
	assert.Equal(t, []Reason{ReasonNew}, result.At(0).Reasons)
	assert.Equal(t, []string{"a"}, result.Filenames())
}

func TestNewResult_RejectsInvalidRecord(t *testing.T) {
	_, err := NewResult([]ChangeRecord{{Filename: "a"}})
	require.Error(t, err)
}

func TestResult_MarshalJSON(t *testing.T) {
	result, err := NewResult([]ChangeRecord{
		mustRecord(t, "index.php", FileTypeFile, UpdateSent, ReasonChecksum, ReasonTime),
	})
	require.NoError(t, err)

	data, err := json.Marshal(result)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"filename":"index.php","filetype":"file","update":"sent","reason":["checksum","time"]}]`, string(data))

	var empty *Result
	data, err = json.Marshal(empty)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestProgress_Advance(t *testing.T) {
	p := NewProgress(2)
	p = p.Advance(mustRecord(t, "a", FileTypeFile, UpdateSent, ReasonNew))
	assert.Equal(t, 1, p.Done)
	assert.Equal(t, "a", p.Current)
	assert.False(t, p.Finished())

	p = p.Advance(mustRecord(t, "b", FileTypeFile, UpdateSent, ReasonNew))
	assert.True(t, p.Finished())
}

func TestTarget_Combine(t *testing.T) {
	assert.Equal(t, "/var/www", Target{}.Combine("/var/www"))
	assert.Equal(t, "/var/www/themes", Target{ExtraPath: "themes"}.Combine("/var/www"))
}
