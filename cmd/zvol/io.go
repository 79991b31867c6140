package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/zvol/pkg/zvol"
	"github.com/spf13/cobra"
)

var readCmd = &cobra.Command{
	Use:   "read NAME",
	Short: "Read bytes from a volume",
	Long: `Read a byte range from a volume and write it to stdout or a file.

Examples:
  # First sector
  zvol read tank/vm0 --length 512 | xxd

  # Whole volume to a file
  zvol read tank/vm0 -o vm0.img`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		offStr, _ := cmd.Flags().GetString("offset")
		lenStr, _ := cmd.Flags().GetString("length")
		output, _ := cmd.Flags().GetString("output")

		off, err := parseSize(offStr)
		if err != nil {
			return err
		}

		out := io.Writer(os.Stdout)
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create output: %w", err)
			}
			defer f.Close()
			out = f
		}

		return withEngine(cmd, func(e *engine) error {
			if err := e.minor(name); err != nil {
				return err
			}
			h, err := e.reg.Open(cmd.Context(), name, zvol.ORead)
			if err != nil {
				return err
			}
			defer h.Close()

			size, err := h.MediaSize()
			if err != nil {
				return err
			}
			length := size - min(off, size)
			if lenStr != "" {
				if length, err = parseSize(lenStr); err != nil {
					return err
				}
			}

			r := io.NewSectionReader(h, int64(off), int64(length))
			n, err := io.Copy(out, r)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", name, err)
			}
			if uint64(n) < length {
				return fmt.Errorf("short read from %s: %d of %d bytes", name, n, length)
			}
			return nil
		})
	},
}

var writeCmd = &cobra.Command{
	Use:   "write NAME",
	Short: "Write bytes to a volume",
	Long: `Write stdin or a file to a volume at the given offset. The write is
committed to the intent log before the command returns.

Examples:
  zvol write tank/vm0 --offset 1M -i boot.img`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		offStr, _ := cmd.Flags().GetString("offset")
		input, _ := cmd.Flags().GetString("input")

		off, err := parseSize(offStr)
		if err != nil {
			return err
		}

		in := io.Reader(os.Stdin)
		if input != "" {
			f, err := os.Open(input)
			if err != nil {
				return fmt.Errorf("failed to open input: %w", err)
			}
			defer f.Close()
			in = f
		}

		return withEngine(cmd, func(e *engine) error {
			if err := e.minor(name); err != nil {
				return err
			}
			h, err := e.reg.Open(cmd.Context(), name, zvol.ORead|zvol.OWrite|zvol.OSync)
			if err != nil {
				return err
			}
			defer h.Close()

			w := io.NewOffsetWriter(h, int64(off))
			n, err := io.Copy(w, in)
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("failed to write %s after %d bytes: %w", name, n, err)
			}
			if err := h.Flush(); err != nil {
				return fmt.Errorf("failed to flush %s: %w", name, err)
			}
			fmt.Fprintf(os.Stderr, "✓ Wrote %d bytes to %s at offset %d\n", n, name, off)
			return nil
		})
	},
}

func init() {
	readCmd.Flags().String("offset", "0", "Byte offset to start reading")
	readCmd.Flags().String("length", "", "Bytes to read (default: to the end)")
	readCmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")

	writeCmd.Flags().String("offset", "0", "Byte offset to start writing")
	writeCmd.Flags().StringP("input", "i", "", "Input file (default: stdin)")

	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
}
