package engine

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"caption-server/internal/domain"
)

const (
	DefaultModelRepo     = "microsoft/trocr-base-handwritten"
	DefaultModelRevision = "refs/pr/3"
	DefaultTokenizerRepo = "ToluClassics/candle-trocr-tokenizer"

	weightsFile   = "model.safetensors"
	configFile    = "config.json"
	tokenizerFile = "tokenizer.json"
)

// LoaderConfig says where model artifacts come from.
type LoaderConfig struct {
	ModelRepo         string
	ModelRevision     string
	TokenizerRepo     string
	TokenizerRevision string

	// ModelDir, when set, holds config.json and model.safetensors locally.
	ModelDir string
	// TokenizerPath, when set, is a local tokenizer.json.
	TokenizerPath string

	Hub     HubConfig
	Sampler SamplerConfig
	Threads int
}

// Loader builds the process-wide ModelResources.
type Loader struct {
	cfg LoaderConfig
	hub *Hub
}

func NewLoader(cfg LoaderConfig) *Loader {
	cfg.ModelRepo = cmp.Or(cfg.ModelRepo, DefaultModelRepo)
	cfg.TokenizerRepo = cmp.Or(cfg.TokenizerRepo, DefaultTokenizerRepo)
	if cfg.Threads <= 0 {
		cfg.Threads = DetectCPUConfig().OptimalThreadCount()
	}
	return &Loader{cfg: cfg, hub: NewHub(cfg.Hub)}
}

// Load implements domain.ResourceLoader.
func (l *Loader) Load(ctx context.Context) (*domain.ModelResources, error) {
	start := time.Now()

	cfgPath, weightsPath, tokPath, err := l.resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch model files: %w", err)
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, err
	}
	mc, err := ParseModelConfig(data)
	if err != nil {
		return nil, err
	}

	tok, err := LoadTokenizer(tokPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	if tok.VocabSize() > mc.Decoder.VocabSize {
		slog.Warn("tokenizer vocabulary larger than model head",
			slog.Int("tokenizer", tok.VocabSize()),
			slog.Int("model", mc.Decoder.VocabSize),
		)
	}

	st, err := OpenSafeTensors(weightsPath)
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}
	defer st.Close()

	model, err := NewCaptioner(mc, st, l.cfg.Threads)
	if err != nil {
		return nil, err
	}

	slog.Info("captioning model ready",
		slog.String("model", l.cfg.ModelRepo),
		slog.Int("encoder_layers", mc.Encoder.NumHiddenLayers),
		slog.Int("decoder_layers", mc.Decoder.DecoderLayers),
		slog.Int("threads", l.cfg.Threads),
		slog.Duration("elapsed", time.Since(start)),
	)

	return &domain.ModelResources{
		Name:         l.cfg.ModelRepo,
		Preprocessor: NewImagePreprocessor(mc.Encoder.ImageSize),
		Model:        model,
		Sampler:      NewSampler(l.cfg.Sampler),
		Tokenizer:    NewTokenStream(tok),
		StartTokenID: mc.StartTokenID(),
		EOSTokenID:   mc.EOSTokenID(),
	}, nil
}

// resolve returns local paths for config, weights and tokenizer, fetching
// whatever is not configured as a local file.
func (l *Loader) resolve(ctx context.Context) (cfgPath, weightsPath, tokPath string, err error) {
	var files []HubFile
	var targets []*string

	if l.cfg.ModelDir != "" {
		cfgPath = filepath.Join(l.cfg.ModelDir, configFile)
		weightsPath = filepath.Join(l.cfg.ModelDir, weightsFile)
	} else {
		files = append(files,
			HubFile{Repo: l.cfg.ModelRepo, Revision: l.cfg.ModelRevision, Name: configFile},
			HubFile{Repo: l.cfg.ModelRepo, Revision: l.cfg.ModelRevision, Name: weightsFile},
		)
		targets = append(targets, &cfgPath, &weightsPath)
	}

	if l.cfg.TokenizerPath != "" {
		tokPath = l.cfg.TokenizerPath
	} else {
		files = append(files, HubFile{Repo: l.cfg.TokenizerRepo, Revision: l.cfg.TokenizerRevision, Name: tokenizerFile})
		targets = append(targets, &tokPath)
	}

	if len(files) == 0 {
		return cfgPath, weightsPath, tokPath, nil
	}

	paths, err := l.hub.FetchAll(ctx, files)
	if err != nil {
		return "", "", "", err
	}
	for i, p := range paths {
		*targets[i] = p
	}
	return cfgPath, weightsPath, tokPath, nil
}
