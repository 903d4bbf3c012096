package pipeline

import (
	"github.com/carbontrack/docpipeline/internal/config"
	"github.com/carbontrack/docpipeline/internal/ocr"
	"github.com/carbontrack/docpipeline/internal/ocr/provider/llm"
	"github.com/carbontrack/docpipeline/internal/ocr/provider/raster"
	"github.com/carbontrack/docpipeline/internal/ocr/provider/tesseract"
	"github.com/carbontrack/docpipeline/internal/ocr/provider/vision"
	"github.com/carbontrack/docpipeline/internal/parser"
	"go.uber.org/zap"
)

// NewOrchestrator assembles the extraction chain from cfg. Providers run
// cheapest first: the cloud OCR API, then the local engine.
func NewOrchestrator(cfg *config.OcrConfig) *ocr.Orchestrator {
	var providers []ocr.Provider
	names := []string{"parser"}

	if cfg.Vision.Enabled {
		if cfg.Vision.ApiKey == "" {
			zap.S().Named("pipeline").Warn("cloud ocr enabled without an api key, skipping it")
		} else {
			providers = append(providers, vision.New(cfg.Vision.Endpoint, cfg.Vision.ApiKey, vision.WithTimeout(cfg.Vision.Timeout)))
			names = append(names, "vision")
		}
	}

	if cfg.Tesseract.Enabled {
		pager := raster.New(cfg.Tesseract.PdfToPpm, cfg.Tesseract.Dpi, cfg.Tesseract.MaxPages, nil)
		providers = append(providers, tesseract.New(cfg.Tesseract.Languages, pager, cfg.Tesseract.Timeout))
		names = append(names, "tesseract")
	}

	var post ocr.PostProcessor
	if cfg.Llm.Enabled && cfg.Llm.ApiKey != "" {
		post = llm.New(cfg.Llm.Endpoint, cfg.Llm.ApiKey, llm.WithModel(cfg.Llm.Model), llm.WithTimeout(cfg.Llm.Timeout))
		names = append(names, "llm")
	}

	zap.S().Named("pipeline").Infow("extraction chain configured", "levels", names)

	return ocr.NewOrchestrator(parser.NewRegistry(), providers, post,
		ocr.WithMaxFileSize(cfg.MaxFileSize),
		ocr.WithStructuralThreshold(cfg.StructuralThreshold),
		ocr.WithConfidenceThreshold(cfg.ConfidenceThreshold),
		ocr.WithCompletenessThreshold(cfg.CompletenessThreshold),
		ocr.WithProviderTimeout(cfg.ProviderTimeout),
	)
}
