package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/zvol/pkg/storage"
	"github.com/cuemby/zvol/pkg/types"
	"github.com/cuemby/zvol/pkg/zil"
	"github.com/cuemby/zvol/pkg/zvol"
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a volume",
	Long: `Create a volume dataset in the pool.

Examples:
  # 10 GiB volume with 16K blocks
  zvol create tank/vm0 --size 10G --blocksize 16K

  # Character device only, every write synchronous
  zvol create tank/scratch --size 1G --volmode dev --sync always`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		sizeStr, _ := cmd.Flags().GetString("size")
		bsStr, _ := cmd.Flags().GetString("blocksize")
		modeStr, _ := cmd.Flags().GetString("volmode")
		syncStr, _ := cmd.Flags().GetString("sync")
		readonly, _ := cmd.Flags().GetBool("readonly")

		size, err := parseSize(sizeStr)
		if err != nil {
			return err
		}
		bs, err := parseSize(bsStr)
		if err != nil {
			return err
		}
		mode, err := types.ParseVolMode(modeStr)
		if err != nil {
			return err
		}
		policy, err := types.ParseSyncPolicy(syncStr)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		pool, err := storage.Open(cfg.DataDir, cfg.StorageOptions())
		if err != nil {
			return fmt.Errorf("failed to open pool: %w", err)
		}
		defer pool.Close()

		ds, err := pool.CreateDataset(name, types.DatasetProps{
			VolSize:      size,
			VolBlockSize: bs,
			VolMode:      mode,
			Sync:         policy,
			ReadOnly:     readonly,
		})
		if err != nil {
			return fmt.Errorf("failed to create volume: %w", err)
		}

		fmt.Printf("✓ Volume created: %s\n", ds.Name)
		fmt.Printf("  ID: %s\n", ds.ID)
		fmt.Printf("  Size: %s\n", formatSize(ds.Props.VolSize))
		fmt.Printf("  Block size: %s\n", formatSize(ds.Props.VolBlockSize))
		fmt.Printf("  Mode: %s\n", ds.Props.VolMode)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List volumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		pool, err := storage.Open(cfg.DataDir, cfg.StorageOptions())
		if err != nil {
			return fmt.Errorf("failed to open pool: %w", err)
		}
		defer pool.Close()

		datasets, err := pool.ListDatasets()
		if err != nil {
			return fmt.Errorf("failed to list volumes: %w", err)
		}
		if len(datasets) == 0 {
			fmt.Println("No volumes found")
			return nil
		}

		fmt.Printf("%-30s %-10s %-8s %-9s %-9s %-4s %s\n",
			"NAME", "SIZE", "BLOCK", "MODE", "SYNC", "RO", "CREATED")
		for _, ds := range datasets {
			ro := "no"
			if ds.Props.ReadOnly {
				ro = "yes"
			}
			fmt.Printf("%-30s %-10s %-8s %-9s %-9s %-4s %s\n",
				ds.Name,
				formatSize(ds.Props.VolSize),
				formatSize(ds.Props.VolBlockSize),
				ds.Props.VolMode,
				ds.Props.Sync,
				ro,
				formatTime(ds.CreatedAt),
			)
		}
		return nil
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename OLD NEW",
	Short: "Rename a volume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		oldName, newName := args[0], args[1]
		return withEngine(cmd, func(e *engine) error {
			if err := e.minor(oldName); err != nil && !errors.Is(err, zvol.ErrUnsupported) {
				return err
			}
			if err := e.reg.Rename(cmd.Context(), oldName, newName); err != nil {
				return err
			}
			fmt.Printf("✓ Volume renamed: %s -> %s\n", oldName, newName)
			return nil
		})
	},
}

var resizeCmd = &cobra.Command{
	Use:   "resize NAME SIZE",
	Short: "Change the size of a volume",
	Long: `Change the size of a volume. Shrinking frees the tail of the
volume; data beyond the new size is lost.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		size, err := parseSize(args[1])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(e *engine) error {
			if err := e.minor(name); err != nil {
				return err
			}
			if err := e.reg.SetVolsize(name, size); err != nil {
				return err
			}
			fmt.Printf("✓ Volume resized: %s (%s)\n", name, formatSize(size))
			return nil
		})
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy NAME",
	Short: "Destroy a volume and its data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		return withEngine(cmd, func(e *engine) error {
			meta, err := e.pool.GetDataset(name)
			if err != nil {
				return fmt.Errorf("failed to get volume: %w", err)
			}
			if err := removeMinor(cmd.Context(), e, name); err != nil {
				return err
			}
			if err := e.pool.DestroyDataset(name); err != nil {
				return fmt.Errorf("failed to destroy volume: %w", err)
			}
			if err := zil.Remove(e.pool.Dir(), meta.ID); err != nil {
				return err
			}
			fmt.Printf("✓ Volume destroyed: %s\n", name)
			return nil
		})
	},
}

// removeMinor drops a registered volume so its dataset is released
func removeMinor(ctx context.Context, e *engine, name string) error {
	err := e.reg.Remove(ctx, name)
	if errors.Is(err, zvol.ErrNoSuchDevice) {
		return nil
	}
	return err
}

func init() {
	createCmd.Flags().String("size", "", "Volume size (e.g. 512M, 10G)")
	createCmd.Flags().String("blocksize", "16K", "Volume block size, a power of two")
	createCmd.Flags().String("volmode", "default", "Device mode: default, provider, dev, none")
	createCmd.Flags().String("sync", "standard", "Sync policy: standard, always, disabled")
	createCmd.Flags().Bool("readonly", false, "Create the volume read-only")
	_ = createCmd.MarkFlagRequired("size")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(resizeCmd)
	rootCmd.AddCommand(destroyCmd)
}
