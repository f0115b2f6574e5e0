package main

import (
	"fmt"

	"github.com/fgeck/gopgbackup/internal/services/engine"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <artifact>...",
	Short: "Check that dump files decompress and are complete",
	Long: `Decompress each artifact with the codec implied by its extension
(.gz, .zst, .lz4 or plain .sql) and check that it ends with the
completion comment pg_dump writes after the last statement.`,
	Args: cobra.MinimumNArgs(1),
	RunE: verifyArtifacts,
}

func verifyArtifacts(cmd *cobra.Command, args []string) error {
	bad := 0
	for _, path := range args {
		result, err := engine.Verify(path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("verification failed")
			bad++
			continue
		}

		codecName := result.Codec
		if codecName == "" {
			codecName = "none"
		}

		status := "ok"
		if !result.HasCompleted {
			status = "INCOMPLETE"
			bad++
		}
		fmt.Printf("%-10s %s (codec %s, %d bytes, %d bytes SQL)\n",
			status, result.Path, codecName, result.SizeBytes, result.SQLBytes)
	}

	if bad > 0 {
		return fmt.Errorf("%d of %d artifacts failed verification", bad, len(args))
	}
	return nil
}
