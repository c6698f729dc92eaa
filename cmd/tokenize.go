package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/abbert/pkg/amino"
	"github.com/conneroisu/abbert/pkg/data"
	"github.com/spf13/cobra"
)

// tokenizeArgs are the tokenize command arguments.
type tokenizeArgs struct {
	input     string
	output    string
	maxLen    int
	batchSize int
	show      int
}

// NewTokenizeCommand returns a command tokenizing light chains residue by
// residue into a fixed-length id matrix.
func NewTokenizeCommand() *cobra.Command {
	var args tokenizeArgs
	cmd := &cobra.Command{
		Use:   "tokenize",
		Short: "Tokenize light chain sequences into fixed-length ids",
		Long: `
Tokenize one light chain per line into [CLS] residues [SEP] [PAD]...
ids of exactly --max-len entries, and write them as an int32 matrix.
	`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if args.batchSize <= 0 {
				return fmt.Errorf("batch size must be positive, got %d", args.batchSize)
			}
			lines, err := data.ReadLines(args.input)
			if err != nil {
				return err
			}
			seqs := lines[:0]
			for _, line := range lines {
				if line != "" {
					seqs = append(seqs, line)
				}
			}
			if len(seqs) == 0 {
				return fmt.Errorf("no sequences in %s", args.input)
			}
			tok := amino.NewCharTokenizer()
			ds, err := data.NewLightChainDataset(tok, seqs, args.maxLen, nil)
			if err != nil {
				return err
			}
			collator, err := data.NewMLMCollator(tok, args.maxLen, 0, 0)
			if err != nil {
				return err
			}
			loader, err := data.NewDataLoader(ds, collator, args.batchSize, false, 0)
			if err != nil {
				return err
			}
			rows := make([][]int32, 0, ds.Len())
			for {
				batch, err := loader.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return err
				}
				for r := 0; r < batch.Size; r++ {
					rows = append(rows, append([]int32(nil), batch.Row(r)...))
				}
				log.Debug("tokenized batch", "size", batch.Size, "rows", len(rows))
			}
			log.Info("tokenized", "sequences", len(rows), "max_len", args.maxLen, "batches", loader.Len(), "batch_size", args.batchSize)
			out := cmd.OutOrStdout()
			for i := 0; i < min(args.show, len(rows)); i++ {
				fmt.Fprintf(out, "%s\t%v\n", seqs[i], rows[i])
			}
			if args.output == "" {
				return nil
			}
			f, err := os.Create(args.output)
			if err != nil {
				return fmt.Errorf("failed to create output: %w", err)
			}
			w := bufio.NewWriter(f)
			if err := data.WriteTokenMatrix(w, rows); err != nil {
				f.Close()
				return err
			}
			if err := w.Flush(); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVarP(&args.input, "input", "i", "", "File with one sequence per line")
	cmd.Flags().StringVarP(&args.output, "output", "o", "", "Output file for the id matrix")
	cmd.Flags().IntVarP(&args.maxLen, "max-len", "l", 128, "Length of every tokenized sequence")
	cmd.Flags().IntVarP(&args.batchSize, "batch-size", "b", 32, "Number of sequences collated per batch")
	cmd.Flags().IntVar(&args.show, "show", 0, "Print the first N tokenized sequences")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
