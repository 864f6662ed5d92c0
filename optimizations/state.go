package optimizations

import (
	"encoding/gob"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

// Gob-backed persistence for named parameters and optimizer state,
// one file per concern inside a checkpoint directory.

type tensorData struct {
	Rows, Cols int
	Data       []float64
}

type weightsFile struct {
	Tensors map[string]tensorData
}

type optimizerFile struct {
	T       int
	Moment1 map[string]tensorData
	Moment2 map[string]tensorData
}

type schedulerFile struct {
	Peak        float64
	WarmupSteps int
	TotalSteps  int
}

func denseData(m *mat.Dense) tensorData {
	r, c := m.Dims()
	raw := mat.DenseCopyOf(m).RawMatrix()
	return tensorData{Rows: r, Cols: c, Data: append([]float64(nil), raw.Data...)}
}

func restoreDense(dst *mat.Dense, td tensorData) error {
	r, c := dst.Dims()
	if td.Rows != r || td.Cols != c {
		return fmt.Errorf("shape mismatch: have (%d x %d), checkpoint holds (%d x %d)", r, c, td.Rows, td.Cols)
	}
	dst.Copy(mat.NewDense(td.Rows, td.Cols, td.Data))
	return nil
}

func gobSave(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(v)
}

func gobLoad(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(v)
}

// SaveWeights writes every parameter's weight matrix keyed by name.
func SaveWeights(path string, params []*Param) error {
	wf := weightsFile{Tensors: make(map[string]tensorData, len(params))}
	for _, p := range params {
		wf.Tensors[p.Name] = denseData(p.W)
	}
	return gobSave(path, wf)
}

// LoadWeights restores matching parameters in place. Missing and unexpected
// keys are reported for the caller to warn about; a stored tensor whose
// shape disagrees with the live parameter is a hard error.
func LoadWeights(path string, params []*Param) (missing, unexpected []string, err error) {
	var wf weightsFile
	if err := gobLoad(path, &wf); err != nil {
		return nil, nil, fmt.Errorf("loading weights %s: %w", path, err)
	}
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		td, ok := wf.Tensors[p.Name]
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		seen[p.Name] = true
		if err := restoreDense(p.W, td); err != nil {
			return nil, nil, fmt.Errorf("param %s: %w", p.Name, err)
		}
	}
	for name := range wf.Tensors {
		if !seen[name] {
			unexpected = append(unexpected, name)
		}
	}
	return missing, unexpected, nil
}

// SaveOptimizer persists Adam moments and the bias-correction step count.
func SaveOptimizer(path string, o *AdamW) error {
	of := optimizerFile{
		T:       o.T,
		Moment1: make(map[string]tensorData, len(o.Params)),
		Moment2: make(map[string]tensorData, len(o.Params)),
	}
	for _, p := range o.Params {
		of.Moment1[p.Name] = denseData(p.M)
		of.Moment2[p.Name] = denseData(p.V)
	}
	return gobSave(path, of)
}

func LoadOptimizer(path string, o *AdamW) error {
	var of optimizerFile
	if err := gobLoad(path, &of); err != nil {
		return fmt.Errorf("loading optimizer %s: %w", path, err)
	}
	o.T = of.T
	for _, p := range o.Params {
		if td, ok := of.Moment1[p.Name]; ok {
			if err := restoreDense(p.M, td); err != nil {
				return fmt.Errorf("optimizer moment1 %s: %w", p.Name, err)
			}
		}
		if td, ok := of.Moment2[p.Name]; ok {
			if err := restoreDense(p.V, td); err != nil {
				return fmt.Errorf("optimizer moment2 %s: %w", p.Name, err)
			}
		}
	}
	return nil
}

func SaveScheduler(path string, s LinearSchedule) error {
	return gobSave(path, schedulerFile{Peak: s.Peak, WarmupSteps: s.WarmupSteps, TotalSteps: s.TotalSteps})
}

func LoadScheduler(path string) (LinearSchedule, error) {
	var sf schedulerFile
	if err := gobLoad(path, &sf); err != nil {
		return LinearSchedule{}, fmt.Errorf("loading scheduler %s: %w", path, err)
	}
	return LinearSchedule{Peak: sf.Peak, WarmupSteps: sf.WarmupSteps, TotalSteps: sf.TotalSteps}, nil
}
