package phoneme

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"phoneme-recognizer/pkg/errors"
)

// Document is the persisted, human-editable form of a Profile
type Document struct {
	Name                  string          `json:"name"`
	MfccNum               int             `json:"mfccNum"`
	MelFilterBankChannels int             `json:"melFilterBankChannels"`
	TargetSampleRate      int             `json:"targetSampleRate"`
	SampleCount           int             `json:"sampleCount"`
	MfccDataCount         int             `json:"mfccDataCount"`
	UseStandardization    bool            `json:"useStandardization"`
	CompareMethod         CompareMethod   `json:"compareMethod"`
	Mfccs                 []DocumentEntry `json:"mfccs"`
}

// DocumentEntry is one phoneme in a Document
type DocumentEntry struct {
	Name                    string            `json:"name"`
	MfccCalibrationDataList []CalibrationData `json:"mfccCalibrationDataList"`
}

// CalibrationData wraps one calibration vector
type CalibrationData struct {
	Array []float64 `json:"array"`
}

// Export converts p into a Document
func Export(p *Profile) Document {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	doc := Document{
		Name:                  p.opts.Name,
		MfccNum:               p.opts.Dimension,
		MelFilterBankChannels: p.opts.MelChannels,
		TargetSampleRate:      p.opts.TargetSampleRate,
		SampleCount:           p.opts.SampleCount,
		MfccDataCount:         p.opts.HistoryDepth,
		UseStandardization:    p.opts.UseStandardization,
		CompareMethod:         p.opts.CompareMethod,
		Mfccs:                 make([]DocumentEntry, len(p.entries)),
	}
	for i, e := range p.entries {
		entry := DocumentEntry{
			Name:                    e.Name,
			MfccCalibrationDataList: make([]CalibrationData, len(e.history)),
		}
		for j, h := range e.history {
			entry.MfccCalibrationDataList[j] = CalibrationData{Array: append([]float64(nil), h...)}
		}
		doc.Mfccs[i] = entry
	}
	return doc
}

// Import builds a Profile from doc, recomputing every entry's average and the
// profile statistics. Histories longer than mfccDataCount keep their most
// recent samples.
func Import(doc Document) (*Profile, error) {
	depth := doc.MfccDataCount
	if depth <= 0 {
		depth = 1
		for _, e := range doc.Mfccs {
			if len(e.MfccCalibrationDataList) > depth {
				depth = len(e.MfccCalibrationDataList)
			}
		}
	}

	p, err := NewProfile(Options{
		Name:               doc.Name,
		Dimension:          doc.MfccNum,
		HistoryDepth:       depth,
		UseStandardization: doc.UseStandardization,
		CompareMethod:      doc.CompareMethod,
		MelChannels:        doc.MelFilterBankChannels,
		TargetSampleRate:   doc.TargetSampleRate,
		SampleCount:        doc.SampleCount,
	})
	if err != nil {
		return nil, err
	}

	for _, e := range doc.Mfccs {
		idx, err := p.AddEntry(e.Name)
		if err != nil {
			return nil, err
		}
		for j, data := range e.MfccCalibrationDataList {
			if err := p.AddSample(idx, data.Array); err != nil {
				return nil, errors.Wrap(err, "invalid calibration sample", map[string]interface{}{
					"phoneme": e.Name,
					"sample":  j,
				})
			}
		}
		if err := p.RecomputeAverage(idx); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// LoadDocument decodes a JSON document from r into a Profile
func LoadDocument(r io.Reader) (*Profile, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.NewInvalidInput("failed to decode profile document", map[string]interface{}{"cause": err.Error()})
	}
	return Import(doc)
}

// SaveDocument encodes p as indented JSON into w
func SaveDocument(w io.Writer, p *Profile) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Export(p)); err != nil {
		return errors.Wrap(err, "failed to encode profile document")
	}
	return nil
}

// LoadFile reads a profile document from path
func LoadFile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open profile", map[string]interface{}{"path": path})
	}
	defer f.Close()
	return LoadDocument(f)
}

// SaveFile writes p to path through a temporary file and a rename, so readers
// never observe a partial document
func SaveFile(path string, p *Profile) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary profile file", map[string]interface{}{"path": path})
	}
	tmpName := tmp.Name()

	if err := SaveDocument(tmp, p); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to flush profile", map[string]interface{}{"path": path})
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to replace profile", map[string]interface{}{"path": path})
	}
	return nil
}
