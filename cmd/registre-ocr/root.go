package main

import (
	"github.com/spf13/cobra"

	"github.com/Paraito/registre-extractor-sub002/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "registre-ocr",
	Short: "Distributed OCR worker pool for Quebec land-registry documents",
	Long: `registre-ocr consumes a shared queue of land-registry PDFs, extracts
structured text through multimodal LLM providers (primary with fallback),
normalizes index documents into a strict JSON schema, and persists results
back to the queue table.

The pool runs a fixed number of generic workers that rebalance between the
index and acte document classes based on queue composition, under shared
per-provider rate budgets and a server capacity budget.`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.registre-ocr/config.yaml)",
	)

	rootCmd.AddCommand(versionCmd)
}
