package cmd

import (
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/abbert/pkg/config"
	"github.com/conneroisu/abbert/pkg/data"
	"github.com/spf13/cobra"
)

// NewCheckCommand returns a command that builds the datasets of a run and
// validates them without training.
func NewCheckCommand() *cobra.Command {
	var batches int
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the datasets and collated batches of a run",
		Long: `
Build the datasets a train run would use, check that every input id fits
the vocabulary, and print the first collated batches.
	`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(config.New(), cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			p, err := buildPipeline(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			vocabSize := p.tok.VocabSize()
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "All input_ids are within the vocabulary size.")
			for i := 0; i < batches; i++ {
				batch, err := p.trainLoader.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
				if err := data.CheckBatch(batch, vocabSize); err != nil {
					return fmt.Errorf("batch %d: %w", i, err)
				}
				log.Debug("batch", "index", i, "size", batch.Size, "seq_len", batch.SeqLen)
				for r := 0; r < batch.Size; r++ {
					ids := batch.Row(r)
					ints := make([]int, len(ids))
					for j, id := range ids {
						ints[j] = int(id)
					}
					var nsp int32 = data.NoLabel
					if batch.NextSentenceLabels != nil {
						nsp = batch.NextSentenceLabels[r]
					}
					fmt.Fprintf(out, "batch %d row %d next_sentence_label=%d: %s\n", i, r, nsp, p.tok.Decode(ints))
				}
			}
			return nil
		},
	}
	registerTrainFlags(cmd.Flags())
	cmd.Flags().IntVar(&batches, "batches", 1, "Number of collated batches to print")
	return cmd
}
