// Package wiring assembles the default fuzzer.Registry from the built-in
// adapters. It exists separately from package fuzzer so the adapters can
// import the fuzzer package's interfaces without an import cycle.
package wiring

import (
	"fzorch/internal/fuzzer"
	"fzorch/internal/fuzzer/afl"
	"fzorch/internal/fuzzer/libfuzzer"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("fuzzer",
	fx.Provide(NewDefaultRegistry),
)

// NewDefaultRegistry builds a fuzzer.Registry pre-populated with every
// built-in adapter. Callers may register further adapters afterwards.
func NewDefaultRegistry(logger *zap.Logger) *fuzzer.Registry {
	r := fuzzer.NewRegistry()

	aflAdapter := afl.New(logger, "")
	r.Register("afl", aflAdapter)
	r.Register("afl++", aflAdapter)
	r.Register("aflplusplus", aflAdapter)

	libfuzzerAdapter := libfuzzer.New(logger)
	r.Register("libfuzzer", libfuzzerAdapter)

	return r
}
