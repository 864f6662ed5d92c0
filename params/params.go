package params

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelConfig describes the T5-style encoder-decoder plus the latent
// bottleneck layered on top of it.
type ModelConfig struct {
	DModel     int `yaml:"d_model"`
	HiddenSize int `yaml:"hidden_size"` // feed-forward width
	Layers     int `yaml:"layers"`
	NumHeads   int `yaml:"num_heads"`

	// VAE
	LatentSize int `yaml:"latent_size"`
	SeqSize    int `yaml:"set_seq_size"` // every example is exactly this long

	VocabFile string `yaml:"vocab_file"`

	// Checkpoint dir to restore weights/optimizer from. Empty = fresh model.
	ModelPath string `yaml:"model_path"`
}

type TrainingConfig struct {
	BatchSize      int     `yaml:"batch_size"`
	GradAccumSteps int     `yaml:"gradient_accumulation_steps"`
	LearningRate   float64 `yaml:"learning_rate"`
	WarmupSteps    int     `yaml:"warmup_steps"`
	MaxSteps       int     `yaml:"max_steps"` // >0 overrides NumEpochs
	NumEpochs      int     `yaml:"num_train_epochs"`
	MaxGradNorm    float64 `yaml:"max_grad_norm"`

	AdamBeta1   float64 `yaml:"adam_beta1"`
	AdamBeta2   float64 `yaml:"adam_beta2"`
	AdamEpsilon float64 `yaml:"adam_epsilon"`
	WeightDecay float64 `yaml:"weight_decay"`

	// Regulariser weight: sigmoid(k*step - b) ramp, or a fixed constant.
	RegScheduleK      float64  `yaml:"reg_schedule_k"`
	RegScheduleB      float64  `yaml:"reg_schedule_b"`
	RegConstantWeight *float64 `yaml:"reg_constant_weight"`
	UseReconLoss      bool     `yaml:"use_recon_loss"`

	LoggingSteps     int  `yaml:"logging_steps"`
	LoggingFirstStep bool `yaml:"logging_first_step"`
	SaveSteps        int  `yaml:"save_steps"`
	SaveTotalLimit   int  `yaml:"save_total_limit"`

	OutputDir          string `yaml:"output_dir"`
	OverwriteOutputDir bool   `yaml:"overwrite_output_dir"`

	Seed int64 `yaml:"seed"`

	// Only the coordinating process writes checkpoints in a multi-process run.
	Coordinator bool `yaml:"coordinator"`
}

type DataConfig struct {
	TrainFile      string `yaml:"train_data_file"`
	OverwriteCache bool   `yaml:"overwrite_cache"`
}

type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Training TrainingConfig `yaml:"training"`
	Data     DataConfig     `yaml:"data"`
}

func Default() Config {
	return Config{
		Model: ModelConfig{
			DModel:     512,
			HiddenSize: 1024,
			Layers:     6,
			NumHeads:   8,
			LatentSize: 1000,
			SeqSize:    256,
		},
		Training: TrainingConfig{
			BatchSize:      8,
			GradAccumSteps: 1,
			LearningRate:   5e-5,
			WarmupSteps:    0,
			NumEpochs:      3,
			MaxGradNorm:    1.0,
			AdamBeta1:      0.9,
			AdamBeta2:      0.999,
			AdamEpsilon:    1e-8,
			WeightDecay:    0.01,
			RegScheduleK:   0.0025,
			RegScheduleB:   6.25,
			LoggingSteps:   500,
			SaveSteps:      500,
			SaveTotalLimit: 5,
			Seed:           42,
			Coordinator:    true,
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Model.DModel <= 100 {
		return fmt.Errorf("d_model must be > 100, got %d", c.Model.DModel)
	}
	if c.Model.SeqSize <= 0 {
		return fmt.Errorf("set_seq_size must be positive, got %d", c.Model.SeqSize)
	}
	if c.Model.LatentSize <= 0 {
		return fmt.Errorf("latent_size must be positive, got %d", c.Model.LatentSize)
	}
	if c.Model.NumHeads <= 0 || c.Model.DModel%c.Model.NumHeads != 0 {
		return fmt.Errorf("d_model %d must be divisible by num_heads %d", c.Model.DModel, c.Model.NumHeads)
	}
	if c.Training.GradAccumSteps < 1 {
		return fmt.Errorf("gradient_accumulation_steps must be >= 1, got %d", c.Training.GradAccumSteps)
	}
	if c.Training.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1, got %d", c.Training.BatchSize)
	}
	return nil
}

// CheckOutputDir fails when the output directory already holds files and
// overwriting was not requested.
func (c TrainingConfig) CheckOutputDir() error {
	entries, err := os.ReadDir(c.OutputDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading output dir %s: %w", c.OutputDir, err)
	}
	if len(entries) > 0 && !c.OverwriteOutputDir {
		return fmt.Errorf("output directory %s already exists and is not empty, pass --overwrite-output-dir to continue", c.OutputDir)
	}
	return nil
}
