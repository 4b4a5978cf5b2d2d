package cmd

import (
	"context"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ersintarhan/vllm-mlx/engine"
)

var (
	// CLI flags for the cache and scheduler configs
	logLevel              string // Log verbosity level
	blockSizeTokens       int64  // Number of tokens per KV block
	maxBlocks             int64  // Total number of KV blocks available
	prefixCache           bool   // Enable cross-request prefix reuse
	prefixCacheMaxEntries int    // Maximum tracked prefix hashes
	maxNumSeqs            int    // Maximum sequences running together
	prefillBatchSize      int    // Maximum admissions per scheduling step
	completionBatchSize   int    // Maximum decoding sequences per step
	streamInterval        int    // Decoded tokens per stream flush
	maxPreemptionRetries  int    // Preemptions tolerated before a request fails
	statusInterval        time.Duration

	// Synthetic workload generation config
	seed              int64   // Seed for random request generation
	maxPrompts        int     // Number of requests
	rate              float64 // Requests arrival per second
	vocabSize         int     // Token id range for generated prompts
	prefixTokens      int     // Shared prefix token count across all prompts
	promptTokensMean  int     // Average prompt token count
	promptTokensStdev int     // Stdev prompt token count
	promptTokensMin   int     // Min prompt token count
	promptTokensMax   int     // Max prompt token count
	outputTokensMean  int     // Average output token count
	outputTokensStdev int     // Stdev output token count
	outputTokensMin   int     // Min output token count
	outputTokensMax   int     // Max output token count
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "vllm-mlx",
	Short: "Paged KV cache manager and continuous-batching scheduler",
}

// sampleLength draws a clamped normal sample for prompt/output lengths.
func sampleLength(rng *rand.Rand, mean, stdev, min, max int) int {
	n := int(rng.NormFloat64()*float64(stdev)) + mean
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return n
}

// runCmd drives a synthetic workload through the engine with a stand-in
// executor, useful for exercising scheduling and cache behavior without
// a real model backend.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic workload against the cache engine",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if promptTokensMean > promptTokensMax || promptTokensMean < promptTokensMin {
			logrus.Fatalf("prompt-tokens should be in range [prompt-tokens-min, prompt-tokens-max]")
		}
		if outputTokensMean > outputTokensMax || outputTokensMean < outputTokensMin {
			logrus.Fatalf("output-tokens should be in range [output-tokens-min, output-tokens-max]")
		}
		if prefixTokens >= promptTokensMin {
			logrus.Fatalf("prefix-tokens must be smaller than prompt-tokens-min")
		}

		cfg := engine.Config{
			BlockSizeTokens:        blockSizeTokens,
			MaxBlocks:              maxBlocks,
			PrefixCacheEnabled:     prefixCache,
			PrefixCacheMaxEntries:  prefixCacheMaxEntries,
			MaxConcurrentSequences: maxNumSeqs,
			PrefillBatchSize:       prefillBatchSize,
			CompletionBatchSize:    completionBatchSize,
			StreamInterval:         streamInterval,
			MaxPreemptionRetries:   maxPreemptionRetries,
		}

		// stand-in executor: samples uniform token ids, seeded for
		// reproducible runs
		execRng := rand.New(rand.NewSource(seed))
		exec := engine.ExecutorFunc(func(_ context.Context, batch *engine.Batch) ([]engine.NextToken, error) {
			out := make([]engine.NextToken, 0, len(batch.Entries))
			for _, e := range batch.Entries {
				out = append(out, engine.NextToken{SequenceID: e.SequenceID, Token: execRng.Intn(vocabSize)})
			}
			return out, nil
		})

		eng, err := engine.NewEngine(cfg, exec)
		if err != nil {
			logrus.Fatalf("Failed to build engine: %v", err)
		}
		eng.StatusInterval = statusInterval

		logrus.Infof("Starting workload: %d requests at %.2f req/s against %d blocks of %d tokens",
			maxPrompts, rate, maxBlocks, blockSizeTokens)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		engDone := make(chan error, 1)
		go func() { engDone <- eng.Run(ctx) }()

		rng := rand.New(rand.NewSource(seed))
		prefix := make([]int, prefixTokens)
		for i := range prefix {
			prefix[i] = rng.Intn(vocabSize)
		}

		g, gctx := errgroup.WithContext(ctx)
		start := time.Now()
		var totalTokens atomic.Int64
		for i := 0; i < maxPrompts; i++ {
			promptLen := sampleLength(rng, promptTokensMean, promptTokensStdev, promptTokensMin, promptTokensMax)
			outputLen := sampleLength(rng, outputTokensMean, outputTokensStdev, outputTokensMin, outputTokensMax)
			prompt := make([]int, 0, promptLen)
			prompt = append(prompt, prefix...)
			for len(prompt) < promptLen {
				prompt = append(prompt, rng.Intn(vocabSize))
			}
			if rate > 0 {
				time.Sleep(time.Duration(rng.ExpFloat64() / rate * float64(time.Second)))
			}

			id := uuid.NewString()
			req := prompt
			g.Go(func() error {
				updates, err := eng.Submit(gctx, id, req, engine.SamplingParams{MaxTokens: outputLen})
				if err != nil {
					return err
				}
				var n int64
				for up := range updates {
					n += int64(len(up.Tokens))
					if up.Finished {
						logrus.Debugf("request %s finished: %s (%d tokens)", id, up.Reason, n)
					}
				}
				totalTokens.Add(n)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			logrus.Fatalf("Workload failed: %v", err)
		}
		elapsed := time.Since(start)

		cancel()
		if err := <-engDone; err != nil {
			logrus.Fatalf("Engine stopped with error: %v", err)
		}

		st := eng.Status()
		m := st.Metrics
		logrus.Infof("Workload complete in %s: %d admitted, %d completed, %d preemptions, %d retries exhausted",
			elapsed.Round(time.Millisecond), m.Admitted, m.Completed, m.Preemptions, m.RetriesExhausted)
		logrus.Infof("Cache: peak %d/%d blocks used, prefix hits=%d misses=%d collisions=%d",
			m.PeakBlocksUsed, st.TotalBlocks, m.PrefixHits, m.PrefixMisses, m.PrefixCollisions)
		logrus.Infof("Tokens: %d in, %d out (%.1f tok/s)",
			m.TotalInputTokens, m.TotalOutputTokens, float64(totalTokens.Load())/elapsed.Seconds())
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	// Cache and scheduler configs
	runCmd.Flags().Int64Var(&blockSizeTokens, "block-size-in-tokens", 16, "Number of tokens contained in a KV cache block")
	runCmd.Flags().Int64Var(&maxBlocks, "total-kv-blocks", 1024, "Total number of KV cache blocks")
	runCmd.Flags().BoolVar(&prefixCache, "enable-prefix-caching", true, "Reuse cached blocks across requests sharing a prompt prefix")
	runCmd.Flags().IntVar(&prefixCacheMaxEntries, "prefix-cache-max-entries", 4096, "Maximum tracked prefix hashes before LRU eviction")
	runCmd.Flags().IntVar(&maxNumSeqs, "max-num-seqs", 64, "Maximum number of requests running together")
	runCmd.Flags().IntVar(&prefillBatchSize, "prefill-batch-size", 8, "Maximum admissions per scheduling step")
	runCmd.Flags().IntVar(&completionBatchSize, "completion-batch-size", 64, "Maximum decoding sequences per step")
	runCmd.Flags().IntVar(&streamInterval, "stream-interval", 4, "Decoded tokens per stream flush")
	runCmd.Flags().IntVar(&maxPreemptionRetries, "max-preemption-retries", 3, "Preemptions tolerated before a request fails")
	runCmd.Flags().DurationVar(&statusInterval, "status-interval", 0, "Periodic engine status log interval (0 = disabled)")

	// Distribution-based workload generation config
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for random request generation")
	runCmd.Flags().IntVar(&maxPrompts, "max-prompts", 100, "Number of requests")
	runCmd.Flags().Float64Var(&rate, "rate", 0, "Requests arrival per second (0 = all at once)")
	runCmd.Flags().IntVar(&vocabSize, "vocab-size", 32000, "Token id range for generated prompts")
	runCmd.Flags().IntVar(&prefixTokens, "prefix-tokens", 0, "Shared prefix token count across all prompts")
	runCmd.Flags().IntVar(&promptTokensMean, "prompt-tokens", 512, "Average prompt token count")
	runCmd.Flags().IntVar(&promptTokensStdev, "prompt-tokens-stdev", 256, "Stddev prompt token count")
	runCmd.Flags().IntVar(&promptTokensMin, "prompt-tokens-min", 2, "Min prompt token count")
	runCmd.Flags().IntVar(&promptTokensMax, "prompt-tokens-max", 7000, "Max prompt token count")
	runCmd.Flags().IntVar(&outputTokensMean, "output-tokens", 128, "Average output token count")
	runCmd.Flags().IntVar(&outputTokensStdev, "output-tokens-stdev", 64, "Stddev output token count")
	runCmd.Flags().IntVar(&outputTokensMin, "output-tokens-min", 1, "Min output token count")
	runCmd.Flags().IntVar(&outputTokensMax, "output-tokens-max", 2048, "Max output token count")

	// Attach `run` as a subcommand to `root`
	rootCmd.AddCommand(runCmd)
}
