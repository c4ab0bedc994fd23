package phoneme

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phoneme-recognizer/pkg/errors"
)

func calibratedProfile(t *testing.T) *Profile {
	t.Helper()
	p, err := NewProfile(Options{
		Name:               "speaker",
		Dimension:          3,
		HistoryDepth:       4,
		UseStandardization: true,
		CompareMethod:      CompareCosine,
		MelChannels:        24,
		TargetSampleRate:   16000,
		SampleCount:        512,
	})
	require.NoError(t, err)

	for i, name := range []string{"A", "I", "U"} {
		idx, err := p.AddEntry(name)
		require.NoError(t, err)
		for j := 0; j < 3; j++ {
			base := float64(i) + 0.1*float64(j)
			require.NoError(t, p.Calibrate(idx, []float64{base / 3, -base * 1.7, base + 1e-7}))
		}
	}
	return p
}

func TestDocumentRoundTrip(t *testing.T) {
	p := calibratedProfile(t)

	var buf bytes.Buffer
	require.NoError(t, SaveDocument(&buf, p))
	assert.Contains(t, buf.String(), `"mfccCalibrationDataList"`)
	assert.Contains(t, buf.String(), `"compareMethod": "cosine"`)

	loaded, err := LoadDocument(&buf)
	require.NoError(t, err)

	assert.Equal(t, p.Options(), loaded.Options())
	assert.Equal(t, p.Names(), loaded.Names())
	for i := 0; i < p.Len(); i++ {
		want, err := p.History(i)
		require.NoError(t, err)
		got, err := loaded.History(i)
		require.NoError(t, err)
		assert.Equal(t, want, got, "histories survive bit-exact")

		wantAvg, _ := p.Average(i)
		gotAvg, _ := loaded.Average(i)
		assert.Equal(t, wantAvg, gotAvg)
	}

	wantMean, wantStd := p.Statistics()
	gotMean, gotStd := loaded.Statistics()
	assert.Equal(t, wantMean, gotMean)
	assert.Equal(t, wantStd, gotStd)
}

func TestDocumentFileRoundTrip(t *testing.T) {
	p := calibratedProfile(t)
	path := filepath.Join(t.TempDir(), "profile.json")

	require.NoError(t, SaveFile(path, p))
	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Export(p), Export(loaded))

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".profile.json.*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temporary files are cleaned up")
}

func TestImportInfersHistoryDepth(t *testing.T) {
	doc := `{
		"name": "legacy",
		"mfccNum": 2,
		"mfccs": [
			{"name": "A", "mfccCalibrationDataList": [{"array": [1, 2]}, {"array": [3, 4]}]},
			{"name": "I", "mfccCalibrationDataList": []}
		]
	}`
	p, err := LoadDocument(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, 2, p.Options().HistoryDepth)
	assert.Equal(t, CompareL2, p.Options().CompareMethod)

	avg, err := p.Average(0)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3}, avg)

	avg, err = p.Average(1)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, avg, "entries without history average to zero")
}

func TestImportRejectsBadDocuments(t *testing.T) {
	_, err := LoadDocument(strings.NewReader("{not json"))
	assert.Equal(t, "INVALID_INPUT", errors.GetErrorCode(err))

	_, err = LoadDocument(strings.NewReader(`{"mfccNum": 2, "mfccDataCount": 2, "mfccs": [{"name": "A", "mfccCalibrationDataList": [{"array": [1]}]}]}`))
	assert.True(t, errors.IsErrorType(err, errors.ErrDimensionMismatch))

	_, err = LoadDocument(strings.NewReader(`{"mfccNum": 1, "mfccDataCount": 2, "mfccs": [{"name": "A"}, {"name": "A"}]}`))
	assert.True(t, errors.IsErrorType(err, errors.ErrDuplicatePhoneme))

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
