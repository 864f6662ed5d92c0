package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Fraser-Greenlee/T5-VAE/model"
	"github.com/Fraser-Greenlee/T5-VAE/optimizations"
	"github.com/Fraser-Greenlee/T5-VAE/params"
	"github.com/Fraser-Greenlee/T5-VAE/tokenizer"
)

var (
	decodeConfigPath string
	decodeCheckpoint string
	decodeInput      string
)

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Round-trip token sequences through the latent bottleneck",
	Long: `decode compresses each input sequence to its latent vector, expands it
back to an encoding and greedily decodes tokens from it. Input is taken
from --input or, when absent, line by line from stdin.`,
	RunE: runDecode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)

	decodeCmd.Flags().StringVarP(&decodeConfigPath, "config", "c", "", "Path to the YAML training config")
	decodeCmd.Flags().StringVar(&decodeCheckpoint, "checkpoint", "", "Checkpoint directory to load weights from")
	decodeCmd.Flags().StringVarP(&decodeInput, "input", "i", "", "Space-separated token sequence to decode")
	decodeCmd.MarkFlagRequired("config")
	decodeCmd.MarkFlagRequired("checkpoint")
}

func runDecode(cmd *cobra.Command, args []string) error {
	cfg, err := params.Load(decodeConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	tok, err := tokenizer.Load(filepath.Join(decodeCheckpoint, "vocab.txt"))
	if err != nil {
		return err
	}
	m := model.New(cfg.Model, tok, cfg.Training.UseReconLoss, uint64(cfg.Training.Seed))
	missing, unexpected, err := optimizations.LoadWeights(filepath.Join(decodeCheckpoint, "model.gob"), m.Params())
	if err != nil {
		return err
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		return fmt.Errorf("checkpoint does not match the configured model: %d missing, %d unexpected tensors", len(missing), len(unexpected))
	}

	decodeLine := func(line string) error {
		ids, err := tok.Tokenize(strings.TrimSpace(line))
		if err != nil {
			return err
		}
		out := m.GreedyDecodeIDs(ids)
		words := make([]string, len(out))
		for i, id := range out {
			words[i] = tok.Token(id)
		}
		fmt.Println(strings.Join(words, " "))
		return nil
	}

	if decodeInput != "" {
		return decodeLine(decodeInput)
	}
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		if err := decodeLine(sc.Text()); err != nil {
			return err
		}
	}
	return sc.Err()
}
